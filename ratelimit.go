package tollgate

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter throttles requests per client IP with a token bucket. Each
// client starts with Burst tokens and regains Rate tokens per second. A
// CONNECT request costs one token, like any other request; bytes relayed
// through an open tunnel are not limited.
type RateLimiter struct {
	// Rate is the number of requests permitted per second per client.
	Rate float64

	// Burst is the bucket capacity.
	Burst int

	// CleanupInterval controls how often idle clients are forgotten.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// refill tops the bucket up for the time elapsed since it was last seen.
func (b *bucket) refill(now time.Time, rate float64, burst int) {
	b.tokens = math.Min(float64(burst), b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
}

// NewRateLimiter creates a per-client rate limiter and starts its cleanup
// goroutine. Call Close to stop it.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		Rate:            rate,
		Burst:           burst,
		CleanupInterval: time.Minute,
		clients:         make(map[string]*bucket),
		now:             time.Now,
		done:            make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow takes a token for the client at addr (host or host:port) and reports
// whether one was available.
func (rl *RateLimiter) Allow(addr string) bool {
	ok, _ := rl.take(clientKey(addr))
	return ok
}

func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		b = &bucket{tokens: float64(rl.Burst), seen: now}
		rl.clients[key] = b
	}
	b.refill(now, rl.Rate, rl.Burst)

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if rl.Rate <= 0 {
		return false, time.Second
	}
	wait := time.Duration((1 - b.tokens) / rl.Rate * float64(time.Second))
	return false, wait
}

// AllowHTTP takes a token for the request's client. When none is available
// it writes 429 Too Many Requests with a Retry-After header and returns false.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	ok, wait := rl.take(clientKey(r.RemoteAddr))
	if ok {
		return true
	}

	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) evictLoop() {
	interval := rl.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evict(rl.now().Add(-2 * interval))
		}
	}
}

// evict forgets clients not seen since cutoff.
func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.clients {
		if b.seen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

func clientKey(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
