package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/threadline/internal/auth"
)

// Default write budget per caller.
const (
	DefaultRPS   = 5
	DefaultBurst = 10
)

// Idle callers are forgotten after limiterTTL. The map is swept at most
// once per sweepPeriod, on the request path.
const (
	limiterTTL  = 10 * time.Minute
	sweepPeriod = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles mutating requests per caller. Callers are keyed by
// external identity when authenticated and by client IP otherwise. Reads
// are never limited.
type RateLimiter struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = DefaultRPS
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		ttl:   limiterTTL,
		now:   time.Now,
	}
}

// get returns the limiter for key, creating it on first use, and refreshes
// its lastSeen time.
func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepPeriod {
		l.sweep(now)
	}

	if e, ok := l.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.m[key] = &limiterEntry{l: lim, lastSeen: now}
	return lim
}

// sweep drops entries not seen within the TTL. Caller holds mu.
func (l *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for k, e := range l.m {
		if e.lastSeen.Before(cutoff) {
			delete(l.m, k)
		}
	}
	l.lastSweep = now
}

// Allow reports whether the caller identified by key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Len returns the number of callers currently tracked.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		if !l.Allow(callerKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate_limited","message":"too many requests, slow down"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey uses r.RemoteAddr for anonymous callers. It only reflects
// X-Forwarded-For when the server runs chi's RealIP, which it does only
// behind a trusted proxy.
func callerKey(r *http.Request) string {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return "id:" + id.ExternalID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
