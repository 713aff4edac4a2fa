// Package health aggregates liveness of the daemon's subsystems (the
// wallet session, the event reconciler) for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the reported health of one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. Checkers must respect ctx: one that
// outruns the registry deadline is reported as timed out without being
// waited for.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	timeout  time.Duration
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// Option configures the registry.
type Option func(*Registry)

// WithTimeout bounds a single CheckAll pass. Defaults to 2s.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry creates a health check registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a named health checker. Registration order is the
// report order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every subsystem concurrently and returns the
// aggregate health plus per-subsystem results in registration order.
// A check still running at the deadline counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results := make([]chan Status, len(checkers))
	for i, nc := range checkers {
		ch := make(chan Status, 1)
		results[i] = ch
		go func(nc namedChecker) {
			ch <- nc.check(ctx)
		}(nc)
	}

	healthy := true
	statuses := make([]Status, len(checkers))
	for i, nc := range checkers {
		select {
		case s := <-results[i]:
			statuses[i] = s
		case <-ctx.Done():
			statuses[i] = Status{Name: nc.name, Healthy: false, Detail: "check timed out"}
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
