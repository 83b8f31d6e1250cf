package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/tollgate"
)

func main() {
	var (
		// Config file (flags below override its values when set)
		configPath = flag.String("config", "", "path to config file (default: search ./tollgate.yaml, ~/.tollgate/tollgate.yaml, /etc/tollgate/tollgate.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		host            = flag.String("host", "0.0.0.0", "IP address to listen on")
		port            = flag.Int("port", 3000, "port to listen on")
		restrict        = flag.Bool("restrict", false, "treat the domain list as a blocklist instead of an allowlist")
		domainList      = flag.String("domains", "domain_list", "path to the newline-delimited domain list")
		verbose         = flag.Bool("v", false, "verbose logging")
		printRejectPage = flag.Bool("print-reject-page", false, "print default reject page template and exit")
	)
	flag.Parse()

	if *printRejectPage {
		fmt.Println(tollgate.DefaultRejectPageHTML)
		return
	}

	if *genConfig {
		if err := tollgate.WriteExampleConfig("tollgate.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Generated tollgate.yaml")
		return
	}

	cfg, err := tollgate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// explicitly set flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "restrict":
			cfg.Filter.Restrict = *restrict
		case "domains":
			cfg.Filter.DomainList = *domainList
		case "v":
			if *verbose {
				cfg.Logging.Level = "debug"
			}
		}
	})

	logger, logCloser, err := tollgate.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "set up logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proxy error", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *tollgate.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	domains, source, err := cfg.LoadDomains(ctx, func(path string) {
		logger.Warn("domain list not found, using empty set", "path", path)
	})
	if err != nil {
		return fmt.Errorf("load domains: %w", err)
	}
	if c, ok := source.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	metrics := tollgate.NewMetrics()

	proxy := tollgate.NewProxy(cfg.Server.Addr(), nil, cfg.Filter.Restrict)
	proxy.Logger = logger
	proxy.Metrics = metrics
	proxy.SetDomains(domains)
	proxy.HealthChecker = tollgate.NewHealthChecker()
	proxy.HealthChecker.AddCheck("domains", tollgate.DomainSetCheck(proxy))
	proxy.AccessLog = tollgate.NewAccessLogger(logger)
	proxy.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout

	forwarder := tollgate.NewForwarder()
	forwarder.DialTimeout = cfg.Upstream.DialTimeout
	forwarder.ResponseHeaderTimeout = cfg.Upstream.ResponseHeaderTimeout
	forwarder.Logger = logger
	forwarder.Metrics = metrics
	proxy.Forwarder = forwarder

	tunnel := tollgate.NewTunnel()
	tunnel.DialTimeout = cfg.Upstream.DialTimeout
	tunnel.IdleTimeout = cfg.Upstream.TunnelIdleTimeout
	proxy.Tunnel = tunnel

	if cfg.RateLimit.Enabled {
		rl := tollgate.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		defer rl.Close()
		proxy.RateLimiter = rl
		logger.Info("rate limiting enabled", "rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	reloader := tollgate.NewReloader(proxy, source)
	if cfg.Filter.ReloadOnSIGHUP {
		watcher := tollgate.WatchSIGHUP(reloader)
		defer watcher.Cancel()
	}

	ops := tollgate.NewOpsAPI(proxy)
	ops.Admin = cfg.Ops.Admin
	ops.ReloadFunc = reloader.Reload
	if !cfg.Ops.Metrics {
		ops.Metrics = nil
	}

	var opsServer *http.Server
	if cfg.Ops.Addr != "" {
		opsServer = &http.Server{
			Addr:              cfg.Ops.Addr,
			Handler:           ops,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		go func() {
			logger.Info("ops endpoints listening", "addr", cfg.Ops.Addr)
			if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server error", "error", err)
			}
		}()
	} else {
		proxy.Ops = ops
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if opsServer != nil {
			_ = opsServer.Shutdown(shutdownCtx)
		}
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("starting proxy",
		"addr", cfg.Server.Addr(),
		"mode", proxy.Mode(),
		"domains", domains.Len(),
	)

	if err := proxy.ListenAndServe(); err != nil {
		return err
	}

	// Serve returns as soon as Shutdown starts; wait for open tunnels
	<-shutdownDone
	return nil
}
