// Package adaptertest provides a recording adapter factory for tests of code
// that drives layer adapters.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// Operations recorded by the factory.
const (
	OpNew     = "new"
	OpAttach  = "attach"
	OpDetach  = "detach"
	OpOpacity = "opacity"
)

// Event is one recorded adapter call.
type Event struct {
	Op    string
	Key   string
	Value float64
}

// Factory builds fake adapters that attach plain overlays to Map and record
// every lifecycle call.
type Factory struct {
	Map *mapview.Map

	mu       sync.Mutex
	events   []Event
	adapters map[string]*Adapter
	fail     map[string]error
	gates    map[string]chan struct{}
}

// NewFactory returns a factory attaching to m. m may be nil.
func NewFactory(m *mapview.Map) *Factory {
	return &Factory{
		Map:      m,
		adapters: make(map[string]*Adapter),
		fail:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

// New implements adapter.Factory.
func (f *Factory) New(t adapter.Target) (adapter.Adapter, error) {
	if s, ok := t.Spec.(mapdef.UnsupportedSpec); ok {
		return nil, fmt.Errorf("%s (%s): %w", t.Key, s.Type, adapter.ErrUnsupported)
	}
	a := &Adapter{f: f, target: t, opacity: t.Opacity}
	f.mu.Lock()
	f.adapters[t.Key] = a
	f.events = append(f.events, Event{Op: OpNew, Key: t.Key})
	f.mu.Unlock()
	return a, nil
}

// FailAttach makes attaches of key fail with err.
func (f *Factory) FailAttach(key string, err error) {
	f.mu.Lock()
	f.fail[key] = err
	f.mu.Unlock()
}

// Block holds attaches of key until the returned release func is called.
func (f *Factory) Block(key string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Adapter returns the most recent adapter built for key.
func (f *Factory) Adapter(key string) *Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[key]
}

// Count returns how many times op was recorded for key.
func (f *Factory) Count(op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, e := range f.events {
		if e.Op == op && e.Key == key {
			n++
		}
	}
	return n
}

// Events returns a copy of the recorded events.
func (f *Factory) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// Reset forgets recorded events.
func (f *Factory) Reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func (f *Factory) record(e Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *Factory) attachHooks(key string) (gate chan struct{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gates[key], f.fail[key]
}

// Adapter is a fake adapter.
type Adapter struct {
	f      *Factory
	target adapter.Target

	mu      sync.Mutex
	state   adapter.State
	opacity float64
}

func (a *Adapter) Key() string      { return a.target.Key }
func (a *Adapter) Identity() string { return a.target.Spec.Identity() }

// Target returns the target the adapter was built for.
func (a *Adapter) Target() adapter.Target { return a.target }

func (a *Adapter) State() adapter.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Opacity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opacity
}

func (a *Adapter) Attach(ctx context.Context) error {
	a.mu.Lock()
	if a.state == adapter.Attached {
		a.mu.Unlock()
		return nil
	}
	a.state = adapter.Attaching
	a.mu.Unlock()

	gate, err := a.f.attachHooks(a.target.Key)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil && a.target.Current != nil && !a.target.Current() {
		err = adapter.ErrStale
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.state = adapter.Unmounted
		return err
	}
	if a.state != adapter.Attaching {
		return nil
	}
	if a.f.Map != nil {
		if err := a.f.Map.Add(mapview.Overlay{
			ID:          a.target.Key,
			Kind:        string(a.target.Spec.Kind()),
			GroupZIndex: a.target.GroupZIndex,
			ZIndex:      a.target.ZIndex,
			Order:       a.target.Order,
			Opacity:     a.opacity,
		}); err != nil {
			a.state = adapter.Unmounted
			return err
		}
	}
	a.state = adapter.Attached
	a.f.record(Event{Op: OpAttach, Key: a.target.Key})
	return nil
}

func (a *Adapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case adapter.Attached:
		if a.f.Map != nil {
			a.f.Map.Remove(a.target.Key)
		}
		a.state = adapter.Detached
		a.f.record(Event{Op: OpDetach, Key: a.target.Key})
	case adapter.Attaching:
		a.state = adapter.Detached
	}
}

func (a *Adapter) SetOpacity(opacity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opacity = opacity
	if a.state == adapter.Attached && a.f.Map != nil {
		a.f.Map.SetOpacity(a.target.Key, opacity)
	}
	a.f.record(Event{Op: OpOpacity, Key: a.target.Key, Value: opacity})
}
