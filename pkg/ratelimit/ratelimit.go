// Package ratelimit applies the transport-level request limit at the
// boundary, before any core logic runs. It is keyed by API key with a
// client-IP fallback and is distinct from the per-agent budgets the
// policy engine enforces.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter answers whether one request under a key may proceed, and if
// not, how long the caller should back off.
type Limiter interface {
	Allow(key string) (ok bool, retryAfter time.Duration)
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is a per-process token-bucket limiter with one bucket per key.
// Stale buckets are swept in the background.
type Local struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
	stop    chan struct{}
}

// NewLocal creates a limiter allowing rps sustained requests per second
// per key with the given burst, and starts the sweep loop.
func NewLocal(rps float64, burst int) *Local {
	l := &Local{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Close stops the background sweep.
func (l *Local) Close() {
	close(l.stop)
}

func (l *Local) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	lim := c.limiter
	l.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}
	// Reserve without committing to learn the wait.
	res := lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	if delay <= 0 {
		delay = time.Second
	}
	return false, delay
}

// sweep drops buckets idle for over three minutes, once a minute.
func (l *Local) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware enforces the limit per API key, falling back to client IP.
// Exceeding it yields 429 with Retry-After.
func Middleware(l Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = clientIP(r)
		}
		ok, retryAfter := l.Allow(key)
		if !ok {
			secs := int(retryAfter.Round(time.Second).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
