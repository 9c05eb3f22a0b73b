package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the fixed counting window shared by every action family.
const DefaultWindow = time.Minute

// idleWindows is how many expired windows a bucket may sit untouched
// before the janitor drops it.
const idleWindows = 3

type bucket struct {
	windowStart time.Time
	counts      map[string]int
}

// Limiter counts requests per client IP and action inside fixed windows.
// A window starts at an IP's first request and resets lazily on the next
// request after expiry. Actions without a configured limit are never
// rejected.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	limits  map[string]int
	buckets map[string]*bucket
	done    chan struct{}
}

// New returns a limiter enforcing limits (admitted requests per window per
// action) and starts a janitor that drops idle buckets.
func New(window time.Duration, limits map[string]int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		window:  window,
		limits:  limits,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow reports whether ip may perform action now, counting the request
// when it is admitted.
func (l *Limiter) Allow(ip, action string) bool {
	limit, limited := l.limits[action]
	if !limited {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now, counts: make(map[string]int)}
		l.buckets[ip] = b
	}
	if b.counts[action] >= limit {
		return false
	}
	b.counts[action]++
	return true
}

// Stop halts the janitor. The limiter remains usable afterwards.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep drops buckets whose window expired several resets ago, bounding
// memory across a long tail of one-off client IPs.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Duration(idleWindows) * l.window
	dropped := 0
	for ip, b := range l.buckets {
		if now.Sub(b.windowStart) >= cutoff {
			delete(l.buckets, ip)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("rate buckets swept", "dropped", dropped, "remaining", len(l.buckets))
	}
}

// ClientIP extracts the caller identity used for rate limiting: the first
// X-Forwarded-For entry when present, otherwise the remote address host,
// otherwise the literal "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
