package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	Status string            `json:"status"`
	Ready  *bool             `json:"ready"`
	Checks map[string]string `json:"checks"`
}

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func call(t *testing.T, h http.HandlerFunc) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(s *Service, name string, n int) {
	for _, p := range s.probes {
		if p.Name == name {
			for range n {
				p.run(context.Background())
			}
		}
	}
}

func TestLiveEndpoint(t *testing.T) {
	s := New()
	s.Register(Check{Name: "goroutines", Kind: Liveness, Func: passing})
	s.Register(Check{Name: "db", Kind: Readiness, Func: failing("down")})
	runN(s, "db", 3)

	code, body := call(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"goroutines": "ok"}, body.Checks)
}

func TestLiveEndpoint_NoChecks(t *testing.T) {
	code, body := call(t, New().LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.Empty(t, body.Checks)
}

func TestFailureThreshold(t *testing.T) {
	s := New()
	s.Register(Check{Name: "db", Kind: Liveness, Func: failing("connection refused")})

	runN(s, "db", 2)
	code, _ := call(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below threshold")

	runN(s, "db", 1)
	code, body := call(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "connection refused", body.Checks["db"])
}

func TestCustomFailureThreshold(t *testing.T) {
	s := New()
	s.Register(Check{Name: "db", Kind: Liveness, Func: failing("x"), FailureThreshold: 1})
	runN(s, "db", 1)

	code, _ := call(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpoint(t *testing.T) {
	s := New()
	s.Register(Check{Name: "postgres", Kind: Readiness, Func: passing})
	s.Register(Check{Name: "redis", Kind: Readiness, Func: failing("timeout")})

	code, body := call(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready until SetReady")
	require.NotNil(t, body.Ready)
	assert.False(t, *body.Ready)

	s.SetReady(true)
	code, body = call(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, body.Ready)
	assert.True(t, s.Ready())

	runN(s, "redis", 3)
	code, body = call(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "timeout", body.Checks["redis"])
	assert.False(t, s.Ready())

	s.SetReady(false)
	assert.False(t, s.Ready())
}

func TestCheckRecovery(t *testing.T) {
	var (
		mu   sync.Mutex
		fail = true
	)
	s := New()
	s.Register(Check{Name: "flaky", Kind: Readiness, Func: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("flaky")
		}
		return nil
	}})
	s.SetReady(true)

	runN(s, "flaky", 3)
	assert.False(t, s.Ready())

	mu.Lock()
	fail = false
	mu.Unlock()
	runN(s, "flaky", 1)
	assert.True(t, s.Ready())
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	s := New()
	s.Register(Check{Name: "count", Kind: Liveness, Func: func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})

	s.Start(context.Background(), 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	s.Register(Check{Name: "a", Kind: Readiness, Func: passing})
	s.SetReady(true)
	s.Start(context.Background(), time.Millisecond)
	defer s.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				s.Ready()
				w := httptest.NewRecorder()
				s.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(pinger{})(context.Background()))
	assert.Error(t, PingCheck(pinger{err: errors.New("down")})(context.Background()))
}
