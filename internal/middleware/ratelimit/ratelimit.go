// Package ratelimit caps state-changing requests per client IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const window = time.Minute

// Config holds rate limiter configuration
type Config struct {
	RequestsPerMinute int
	CleanupInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		CleanupInterval:   5 * time.Minute,
	}
}

// Limiter counts requests per IP in fixed one-minute windows. Windows idle
// for longer than the cleanup interval are forgotten.
type Limiter struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	windows  map[string]*bucket
	rejected atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	resetAt time.Time
	count   int
}

// NewLimiter starts the cleanup goroutine; call Stop to release it.
func NewLimiter(config Config) *Limiter {
	def := DefaultConfig()
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = def.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}

	l := &Limiter{
		limit:    config.RequestsPerMinute,
		interval: config.CleanupInterval,
		now:      time.Now,
		windows:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow records a request from ip. When the window is used up it reports
// how long until the next one opens.
func (l *Limiter) Allow(ip string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.windows[ip]
	if !ok || !now.Before(b.resetAt) {
		l.windows[ip] = &bucket{resetAt: now.Add(window), count: 1}
		return true, 0
	}
	if b.count >= l.limit {
		l.rejected.Add(1)
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.forgetIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) forgetIdle() {
	cutoff := l.now().Add(-l.interval)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.windows {
		if b.resetAt.Before(cutoff) {
			delete(l.windows, ip)
		}
	}
}

// ActiveClients is the number of IPs with a tracked window.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Rejected is the number of requests refused since start.
func (l *Limiter) Rejected() int64 {
	return l.rejected.Load()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware limits writes; GET, HEAD and OPTIONS are never counted.
// onLimit writes the rejection, a bare 429 when nil.
func (l *Limiter) Middleware(extractIP func(*http.Request) string, onLimit http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := l.Allow(extractIP(r))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			if onLimit == nil {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			onLimit(w, r)
		})
	}
}
