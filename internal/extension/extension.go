// Package extension tracks rendering extensions that load asynchronously, such as
// the ArcGIS dynamic-layer plugin and the vector-grid plugin.
//
// A Readiness is a single-resolution future: it is resolved once, either ready or
// failed, and every waiter observes the same outcome. Waiting is bounded by a
// budget so adapters fail instead of hanging when an extension never arrives.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Extension names used by the layer adapters.
const (
	Esri       = "esri"
	VectorGrid = "vectorgrid"
)

// Default wait budget: 50 attempts at 100ms.
const (
	PollInterval = 100 * time.Millisecond
	MaxAttempts  = 50
	Budget       = PollInterval * MaxAttempts
)

// ErrTimeout is returned when an extension is not ready within the budget.
var ErrTimeout = errors.New("extension not ready")

// Readiness is resolved once by MarkReady or Fail.
type Readiness struct {
	name string
	once sync.Once
	done chan struct{}
	err  error
}

// NewReadiness returns an unresolved readiness future.
func NewReadiness(name string) *Readiness {
	return &Readiness{name: name, done: make(chan struct{})}
}

// Ready returns a future that is already resolved.
func Ready(name string) *Readiness {
	r := NewReadiness(name)
	r.MarkReady()
	return r
}

// Name returns the extension name.
func (r *Readiness) Name() string { return r.name }

// MarkReady resolves the future successfully. Later calls are ignored.
func (r *Readiness) MarkReady() {
	r.once.Do(func() { close(r.done) })
}

// Fail resolves the future with an error. Later calls are ignored.
func (r *Readiness) Fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Resolved reports whether the future has been resolved.
func (r *Readiness) Resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves, the budget elapses or ctx is done.
// A budget <= 0 uses the default Budget.
func (r *Readiness) Wait(ctx context.Context, budget time.Duration) error {
	if budget <= 0 {
		budget = Budget
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-r.done:
		return r.err
	case <-timer.C:
		return fmt.Errorf("%s after %s: %w", r.name, budget, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry maps extension names to their readiness futures.
type Registry struct {
	mu   sync.Mutex
	exts map[string]*Readiness
}

// NewRegistry creates a registry. Names listed in ready start resolved.
func NewRegistry(ready ...string) *Registry {
	reg := &Registry{exts: make(map[string]*Readiness)}
	for _, name := range ready {
		reg.Get(name).MarkReady()
	}
	return reg
}

// Get returns the future for name, creating an unresolved one if needed.
func (reg *Registry) Get(name string) *Readiness {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.exts[name]
	if !ok {
		r = NewReadiness(name)
		reg.exts[name] = r
	}
	return r
}

// MarkReady resolves the named extension.
func (reg *Registry) MarkReady(name string) {
	reg.Get(name).MarkReady()
}
