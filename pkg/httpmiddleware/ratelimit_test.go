package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remoteAddr string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	handler := RateLimit(NewWindowLimiter(5, time.Minute), nil)(okHandler())

	for i := range 5 {
		w := serve(handler, "192.168.1.1:12345", nil)

		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := RateLimit(NewWindowLimiter(2, time.Minute), nil)(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:9999", nil).Code)
	}

	w := serve(handler, "10.0.0.1:9999", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(429), body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	handler := RateLimit(NewWindowLimiter(1, time.Minute), nil)(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.2:1234", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "10.0.0.1:5678", nil).Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	key := func(r *http.Request) string { return r.Header.Get("X-Session-ID") }
	handler := RateLimit(NewWindowLimiter(1, time.Minute), key)(okHandler())

	a := map[string]string{"X-Session-ID": "sess-a"}
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1", a).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "10.0.0.2:1", a).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1", map[string]string{"X-Session-ID": "sess-b"}).Code)

	// No key, no limit.
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1", nil).Code)
	}
}

func TestRateLimit_XForwardedFor(t *testing.T) {
	handler := RateLimit(NewWindowLimiter(1, time.Minute), nil)(okHandler())
	xff := map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}

	assert.Equal(t, http.StatusOK, serve(handler, "192.168.1.1:4444", xff).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "192.168.1.2:5555", xff).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	handler := RateLimit(failingLimiter{}, nil)(okHandler())

	w := serve(handler, "10.0.0.1:1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestWindowLimiter_Slides(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewWindowLimiter(4, time.Minute)
	l.now = func() time.Time { return now }

	for range 4 {
		d, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, _ := l.Allow(context.Background(), "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// Halfway into the next window half of the previous count still applies.
	now = now.Add(90 * time.Second)
	d, _ = l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(context.Background(), "k")
	assert.False(t, d.Allowed)

	now = now.Add(5 * time.Minute)
	l.Cleanup()
	assert.Empty(t, l.entries)
}
