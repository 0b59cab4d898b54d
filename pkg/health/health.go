// Package health provides liveness and readiness probes.
//
// Each registered check runs in its own goroutine at a fixed interval. A check
// flips to unhealthy after failureThreshold consecutive failures and back to
// healthy after successThreshold consecutive successes, so a single slow ping
// does not take the pod out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Default thresholds.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
)

// CheckOption tunes a single check.
type CheckOption func(*check)

// WithFailureThreshold sets how many consecutive failures mark a check unhealthy.
func WithFailureThreshold(n int) CheckOption {
	return func(c *check) {
		if n > 0 {
			c.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive successes mark a check healthy.
func WithSuccessThreshold(n int) CheckOption {
	return func(c *check) {
		if n > 0 {
			c.successThreshold = n
		}
	}
}

// check holds one check and its state. run is only called from the check's
// own goroutine, so the counters need no locking; healthy and lastErr are
// read by HTTP handlers.
type check struct {
	name             string
	timeout          time.Duration
	fn               CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func newCheck(name string, timeout time.Duration, fn CheckFunc, opts []CheckOption) *check {
	c := &check{
		name:             name,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.healthy.Store(true)
	return c
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)

	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) status() (ok bool, msg string) {
	if c.healthy.Load() {
		return true, "ok"
	}
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return false, (*p).Error()
	}
	return false, "check is unhealthy"
}

// Health manages liveness and readiness checks.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*check
	readiness []*check
	cancel    context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check of process health.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newCheck(name, timeout, fn, opts))
}

// AddReadinessCheck registers a check of a dependency the service needs to
// accept traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newCheck(name, timeout, fn, opts))
}

// Start runs every registered check at interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append(append([]*check(nil), h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, c := range checks {
		go loop(ctx, c, interval)
	}
}

func loop(ctx context.Context, c *check, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

// Stop cancels the check goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady sets the manual readiness flag. Set it to false when draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, c := range h.snapshot(&h.readiness) {
		if ok, _ := c.status(); !ok {
			return false
		}
	}
	return true
}

func (h *Health) snapshot(checks *[]*check) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*check(nil), (*checks)...)
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, true, h.snapshot(&h.liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.ready.Load(), h.snapshot(&h.readiness))
}

// writeStatus writes {"status": "ok"|"unhealthy", "checks": {name: "ok"|error}}
// with 200 or 503.
func writeStatus(w http.ResponseWriter, ready bool, checks []*check) {
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	healthy := ready
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("checks")
	e.ObjStart()
	for _, c := range checks {
		ok, msg := c.status()
		healthy = healthy && ok
		e.FieldStart(c.name)
		e.Str(msg)
	}
	if !ready {
		e.FieldStart("_readiness")
		e.Str("service is not ready")
	}
	e.ObjEnd()
	e.FieldStart("status")
	status := http.StatusOK
	if healthy {
		e.Str("ok")
	} else {
		e.Str("unhealthy")
		status = http.StatusServiceUnavailable
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
