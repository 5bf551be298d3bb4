package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of a single rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(*http.Request) string

// RateLimit enforces l per key. Every checked response carries the
// X-RateLimit-* headers; rejected requests get 429 with a JSON body. When the
// limiter itself fails the request is let through.
func RateLimit(l Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), k)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(max(d.RetryAfter, 0).Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// window tracks counts across two adjacent fixed windows.
type window struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

var _ Limiter = (*WindowLimiter)(nil)

// WindowLimiter is an in-process sliding window limiter. The previous
// window's count is weighted by how much of it still overlaps the sliding
// window.
type WindowLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*window
}

// NewWindowLimiter allows max requests per key within any span-long window.
func NewWindowLimiter(max int, span time.Duration) *WindowLimiter {
	return &WindowLimiter{
		max:     max,
		window:  span,
		now:     time.Now,
		entries: make(map[string]*window),
	}
}

// Allow implements Limiter. It never fails.
func (l *WindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &window{currStart: now}
		l.entries[key] = e
	}
	if now.Sub(e.currStart) >= l.window {
		e.prevCount, e.prevStart = e.currCount, e.currStart
		e.currCount = 0
		e.currStart = now.Truncate(l.window)
		if now.Sub(e.prevStart) >= 2*l.window {
			e.prevCount = 0
		}
	}

	overlap := max(1-now.Sub(e.currStart).Seconds()/l.window.Seconds(), 0)
	effective := e.prevCount*overlap + e.currCount
	d := Decision{Limit: l.max, ResetAt: e.currStart.Add(l.window)}

	if effective >= float64(l.max) {
		d.RetryAfter = d.ResetAt.Sub(now)
		return d, nil
	}
	e.currCount++
	d.Allowed = true
	d.Remaining = max(int(float64(l.max)-effective-1), 0)
	return d, nil
}

// Cleanup drops keys whose windows have fully expired.
func (l *WindowLimiter) Cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if now.Sub(e.currStart) >= 2*l.window {
			delete(l.entries, key)
		}
	}
}

// StartCleanup runs Cleanup every two windows until ctx is done.
func (l *WindowLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * l.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}
