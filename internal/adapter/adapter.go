// Package adapter wraps each supported remote layer protocol as an overlay with
// one lifecycle contract: Attach, Detach and SetOpacity.
//
// An adapter builds its overlay lazily on the first Attach and keeps it for its
// whole life. Visibility and opacity changes reuse the built overlay; only a
// change of the layer's Identity calls for a new adapter.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// State is the lifecycle state of an adapter.
type State int

const (
	Unmounted State = iota
	Attaching
	Attached
	Detached
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrStale is returned when an attach finishes after its map was replaced.
	ErrStale = errors.New("stale attach")
	// ErrUnsupported is returned by factories for layers that never render.
	ErrUnsupported = errors.New("layer type not supported")
)

// ConstructionError reports a layer whose overlay could not be built. The layer
// is skipped; the rest of the map renders normally.
type ConstructionError struct {
	Key  string
	Kind mapdef.Kind
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("building %s layer %s: %v", e.Kind, e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Adapter is a remote layer bound to one map surface.
type Adapter interface {
	Key() string
	// Identity is the protocol identity the adapter was built for.
	Identity() string
	State() State
	Opacity() float64
	// Attach builds the overlay if needed and adds it to the map. Attaching an
	// attached adapter is a no-op.
	Attach(ctx context.Context) error
	// Detach removes the overlay from the map. Detaching an adapter that is not
	// attached is a no-op.
	Detach()
	// SetOpacity updates the opacity, in place when attached.
	SetOpacity(opacity float64)
}

// Target describes where and how a layer is placed on the map.
type Target struct {
	Key         string
	Spec        mapdef.Spec
	GroupZIndex int
	ZIndex      int
	// Order is the layer's position in its map document.
	Order   int
	Opacity float64
	// Current reports whether the map generation this target belongs to is
	// still live. Nil means always.
	Current func() bool
}

func (t Target) current() bool {
	return t.Current == nil || t.Current()
}

// buildFunc produces the protocol-specific part of an overlay.
type buildFunc func(ctx context.Context) (mapview.Overlay, error)

// restyleFunc returns ov with opacity applied. Nil restyle sets Overlay.Opacity.
type restyleFunc func(ov mapview.Overlay, opacity float64) mapview.Overlay

// overlayAdapter is the shared lifecycle behind every protocol adapter.
type overlayAdapter struct {
	target  Target
	m       *mapview.Map
	log     *slog.Logger
	build   buildFunc
	restyle restyleFunc
	// afterAdd runs after the overlay is added to the map.
	afterAdd func(m *mapview.Map, id string) error

	attachMu sync.Mutex

	mu      sync.Mutex
	state   State
	opacity float64
	overlay *mapview.Overlay
}

func newOverlayAdapter(m *mapview.Map, t Target, log *slog.Logger, build buildFunc, restyle restyleFunc) *overlayAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &overlayAdapter{
		target:  t,
		m:       m,
		log:     log.With("layer", t.Key, "kind", string(t.Spec.Kind())),
		build:   build,
		restyle: restyle,
		opacity: t.Opacity,
	}
}

func (a *overlayAdapter) Key() string      { return a.target.Key }
func (a *overlayAdapter) Identity() string { return a.target.Spec.Identity() }

func (a *overlayAdapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *overlayAdapter) Opacity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opacity
}

func (a *overlayAdapter) Attach(ctx context.Context) error {
	a.attachMu.Lock()
	defer a.attachMu.Unlock()

	a.mu.Lock()
	if a.state == Attached {
		a.mu.Unlock()
		return nil
	}
	a.state = Attaching
	built := a.overlay
	a.mu.Unlock()

	if built == nil {
		ov, err := a.build(ctx)
		if err == nil && !a.target.current() {
			err = ErrStale
		}
		if err != nil {
			a.mu.Lock()
			if a.state == Attaching {
				a.state = Unmounted
			}
			a.mu.Unlock()

			if errors.Is(err, ErrStale) || errors.Is(err, context.Canceled) {
				a.log.Debug("discarding stale layer build", "error", err)
				return fmt.Errorf("%s: %w", a.target.Key, err)
			}
			a.log.Error("layer construction failed", "error", err)
			return &ConstructionError{Key: a.target.Key, Kind: a.target.Spec.Kind(), Err: err}
		}
		ov.ID = a.target.Key
		ov.GroupZIndex = a.target.GroupZIndex
		ov.ZIndex = a.target.ZIndex
		ov.Order = a.target.Order
		built = &ov
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.overlay = built
	if a.state != Attaching {
		// detached while building
		return nil
	}
	if !a.target.current() {
		a.state = Unmounted
		return fmt.Errorf("%s: %w", a.target.Key, ErrStale)
	}
	if err := a.m.Add(a.styled(*built, a.opacity)); err != nil {
		a.state = Unmounted
		return &ConstructionError{Key: a.target.Key, Kind: a.target.Spec.Kind(), Err: err}
	}
	if a.afterAdd != nil {
		if err := a.afterAdd(a.m, a.target.Key); err != nil {
			a.log.Warn("post-attach hook failed", "error", err)
		}
	}
	a.state = Attached
	return nil
}

func (a *overlayAdapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case Attached:
		a.m.Remove(a.target.Key)
		a.state = Detached
	case Attaching:
		a.state = Detached
	}
}

func (a *overlayAdapter) SetOpacity(opacity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opacity = opacity
	if a.state != Attached || a.overlay == nil {
		return
	}
	if a.restyle == nil {
		if err := a.m.SetOpacity(a.target.Key, opacity); err != nil {
			a.log.Warn("setting opacity", "error", err)
		}
		return
	}
	if err := a.m.Replace(a.styled(*a.overlay, opacity)); err != nil {
		a.log.Warn("rebuilding overlay", "error", err)
	}
}

func (a *overlayAdapter) styled(ov mapview.Overlay, opacity float64) mapview.Overlay {
	if a.restyle != nil {
		return a.restyle(ov, opacity)
	}
	ov.Opacity = opacity
	return ov
}
