// Package health serves Kubernetes style /livez and /readyz probes.
//
// Checks run in the background at a fixed interval; endpoints only report the
// last known state. A check turns unhealthy after FailureThreshold consecutive
// failures and healthy again after one success.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check contributes to.
type Kind uint8

const (
	Liveness Kind = iota
	Readiness
)

// Check describes a registered health check.
type Check struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	Func    CheckFunc
	// FailureThreshold defaults to 3.
	FailureThreshold int
}

type probe struct {
	Check

	healthy atomic.Bool
	lastErr atomic.Pointer[error]
	fails   int // owned by the probe goroutine
}

func (p *probe) run(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(checkCtx)
	p.lastErr.Store(&err)

	if err == nil {
		p.fails = 0
		if !p.healthy.Swap(true) {
			zctx.From(ctx).Info("Health check recovered", zap.String("check", p.Name))
		}
		return
	}
	p.fails++
	if p.fails >= p.FailureThreshold && p.healthy.Swap(false) {
		zctx.From(ctx).Warn("Health check failing",
			zap.String("check", p.Name),
			zap.Int("failures", p.fails),
			zap.Error(err),
		)
	}
}

func (p *probe) status() string {
	if p.healthy.Load() {
		return "ok"
	}
	if errp := p.lastErr.Load(); errp != nil && *errp != nil {
		return (*errp).Error()
	}
	return "unhealthy"
}

// Service holds the registered checks and the manual readiness switch.
// It starts not ready.
type Service struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New creates a Service with no checks.
func New() *Service {
	return &Service{}
}

// Register adds a check. Checks start healthy. Register must be called
// before Start.
func (s *Service) Register(c Check) {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	p := &probe{Check: c}
	p.healthy.Store(true)

	s.mu.Lock()
	s.probes = append(s.probes, p)
	s.mu.Unlock()
}

// Start runs every check immediately and then every interval until Stop is
// called or ctx is done.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	probes := s.probes
	s.mu.Unlock()

	for _, p := range probes {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop cancels the background checks. It is safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SetReady flips the manual readiness switch.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Ready reports whether the service is marked ready and every readiness
// check passes.
func (s *Service) Ready() bool {
	if !s.ready.Load() {
		return false
	}
	for _, p := range s.snapshot(Readiness) {
		if !p.healthy.Load() {
			return false
		}
	}
	return true
}

func (s *Service) snapshot(kind Kind) []*probe {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*probe
	for _, p := range s.probes {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	write(w, true, s.snapshot(Liveness))
}

// ReadyEndpoint serves /readyz.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	write(w, s.ready.Load(), s.snapshot(Readiness))
}

func write(w http.ResponseWriter, ready bool, probes []*probe) {
	ok := ready
	for _, p := range probes {
		ok = ok && p.healthy.Load()
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	if ok {
		e.Str("ok")
	} else {
		e.Str("unhealthy")
	}
	if !ready {
		e.FieldStart("ready")
		e.Bool(false)
	}
	if len(probes) > 0 {
		e.FieldStart("checks")
		e.ObjStart()
		for _, p := range probes {
			e.FieldStart(p.Name)
			e.Str(p.status())
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(e.Bytes())
}
