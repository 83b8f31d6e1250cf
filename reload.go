package tollgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Reloader rebuilds the proxy's domain set from a DomainSource. A failed
// reload leaves the active set in place.
type Reloader struct {
	Proxy  *Proxy
	Source DomainSource
	Logger *slog.Logger

	// serializes reloads so an older load cannot overwrite a newer one
	mu sync.Mutex
}

// NewReloader creates a Reloader for proxy backed by src.
func NewReloader(proxy *Proxy, src DomainSource) *Reloader {
	return &Reloader{
		Proxy:  proxy,
		Source: src,
		Logger: proxy.Logger,
	}
}

// Reload loads a fresh domain set and swaps it into the proxy.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := LoadDomainSet(ctx, r.Source)
	if err != nil {
		if r.Proxy.Metrics != nil {
			r.Proxy.Metrics.RecordDomainReloadError()
		}
		return fmt.Errorf("reload domains: %w", err)
	}

	previous := r.Proxy.Domains().Len()
	r.Proxy.SetDomains(ds)
	if r.Proxy.Metrics != nil {
		r.Proxy.Metrics.RecordDomainReload()
	}
	r.logger().Info("domain set reloaded", "domains", ds.Len(), "previous", previous)
	return nil
}

func (r *Reloader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// SIGHUPReloader watches for SIGHUP signals and reloads the domain set.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (s *SIGHUPReloader) Cancel() {
	s.cancel()
	<-s.done
}

// WatchSIGHUP starts a goroutine that calls reloader.Reload on every SIGHUP.
// Errors are logged and the previous set stays active.
func WatchSIGHUP(reloader *Reloader) *SIGHUPReloader {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	return watchSignals(reloader, sigCh, func() { signal.Stop(sigCh) })
}

func watchSignals(reloader *Reloader, sigCh <-chan os.Signal, stop func()) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	logger := reloader.logger()

	go func() {
		defer close(done)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading domain set")
				if err := reloader.Reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
