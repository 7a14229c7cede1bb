package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

const (
	defaultRequestsPerSec = 100
	defaultBurst          = 200

	sweepEvery = 3 * time.Minute
	idleAfter  = 10 * time.Minute
)

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	retryAfter string
	trustXFF   bool
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	stop     chan struct{}
	stopOnce sync.Once
}

type client struct {
	bucket *rate.Limiter
	seen   time.Time
}

// NewRateLimiter starts a limiter whose idle clients are forgotten in the
// background until Close.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = defaultRequestsPerSec
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	rl := &RateLimiter{
		limit:      rate.Limit(rps),
		burst:      burst,
		retryAfter: strconv.Itoa(int(math.Max(1, math.Ceil(1/rps)))),
		trustXFF:   cfg.TrustForwardedFor,
		now:        time.Now,
		clients:    make(map[string]*client),
		stop:       make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) sweepLoop() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.forgetIdle(idleAfter)
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow takes a token from addr's bucket.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	c := rl.clients[addr]
	if c == nil {
		c = &client{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[addr] = c
	}
	c.seen = rl.now()
	rl.mu.Unlock()

	return c.bucket.Allow()
}

func (rl *RateLimiter) forgetIdle(idle time.Duration) {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for addr, c := range rl.clients {
		if c.seen.Before(cutoff) {
			delete(rl.clients, addr)
		}
	}
}

// Middleware rejects over-limit requests with 429. Health probes are never
// limited.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.Allow(rl.clientAddr(r)) {
			telemetry.RateLimitRejectionsTotal.Inc()
			w.Header().Set("Retry-After", rl.retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr returns the address r is accounted to.
func (rl *RateLimiter) clientAddr(r *http.Request) string {
	if rl.trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteIP(r)
}

// remoteIP strips the port from r.RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
