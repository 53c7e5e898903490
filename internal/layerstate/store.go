// Package layerstate is the Layer State Store: the single owner of per-layer
// visibility and opacity for one viewer session, plus the selected basemap.
//
// The store never touches a map. Writers go through its methods; readers take
// copies or subscribe to its EventBus.
package layerstate

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// DefaultOpacity is the opacity every layer starts with.
const DefaultOpacity = 0.7

// DefaultBasemap is the basemap selected until the user picks another.
const DefaultBasemap = "carto"

// ErrUnknownLayer is returned when mutating a key that is not in the current map.
var ErrUnknownLayer = errors.New("unknown layer")

// State is the runtime state of one layer.
type State struct {
	Visible bool    `json:"visible" doc:"Layer is shown"`
	Opacity float64 `json:"opacity" minimum:"0" maximum:"1" doc:"Layer opacity"`
}

// Default is returned by Get for keys the store does not know.
var Default = State{Visible: true, Opacity: DefaultOpacity}

// Store holds the layer states of the current map definition.
type Store struct {
	mu      sync.RWMutex
	states  map[string]State
	keys    []string
	basemap string
	version uint64
	bus     *EventBus
}

// New creates an empty store publishing to bus. A nil bus gets a private one.
func New(bus *EventBus) *Store {
	if bus == nil {
		bus = NewEventBus()
	}
	return &Store{
		states:  make(map[string]State),
		basemap: DefaultBasemap,
		bus:     bus,
	}
}

// Bus returns the store's event bus.
func (s *Store) Bus() *EventBus { return s.bus }

// Initialize discards every state and rebuilds them from def.
func (s *Store) Initialize(def *mapdef.MapDefinition) {
	s.mu.Lock()
	s.states = make(map[string]State)
	s.keys = s.keys[:0]
	if def != nil {
		for _, l := range def.Layers() {
			k := l.Key()
			if _, dup := s.states[k]; !dup {
				s.keys = append(s.keys, k)
			}
			s.states[k] = State{Visible: l.DefaultVisible(), Opacity: DefaultOpacity}
		}
	}
	e := s.bump(ActionInitialized, "", State{})
	s.mu.Unlock()

	s.bus.Publish(e)
}

// Toggle flips the visibility of key.
func (s *Store) Toggle(key string) (State, error) {
	return s.update(ActionVisibility, key, func(st *State) { st.Visible = !st.Visible })
}

// SetVisibility sets the visibility of key.
func (s *Store) SetVisibility(key string, visible bool) (State, error) {
	return s.update(ActionVisibility, key, func(st *State) { st.Visible = visible })
}

// SetOpacity sets the opacity of key, clamped to [0,1].
func (s *Store) SetOpacity(key string, opacity float64) (State, error) {
	if math.IsNaN(opacity) {
		return State{}, fmt.Errorf("opacity for %s is not a number", key)
	}
	return s.update(ActionOpacity, key, func(st *State) { st.Opacity = clamp(opacity) })
}

func (s *Store) update(action, key string, fn func(*State)) (State, error) {
	s.mu.Lock()
	st, ok := s.states[key]
	if !ok {
		s.mu.Unlock()
		return State{}, fmt.Errorf("%s: %w", key, ErrUnknownLayer)
	}
	fn(&st)
	s.states[key] = st
	e := s.bump(action, key, st)
	s.mu.Unlock()

	s.bus.Publish(e)
	return st, nil
}

// ShowAll makes every layer visible.
func (s *Store) ShowAll() { s.setAll(true) }

// HideAll hides every layer.
func (s *Store) HideAll() { s.setAll(false) }

func (s *Store) setAll(visible bool) {
	s.mu.Lock()
	for k, st := range s.states {
		st.Visible = visible
		s.states[k] = st
	}
	e := s.bump(ActionVisibility, "", State{Visible: visible})
	s.mu.Unlock()

	s.bus.Publish(e)
}

// Get returns the state of key, or Default when the key is unknown.
func (s *Store) Get(key string) State {
	st, ok := s.Lookup(key)
	if !ok {
		return Default
	}
	return st
}

// Lookup returns the state of key and whether it exists.
func (s *Store) Lookup(key string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[key]
	return st, ok
}

// Snapshot returns a copy of every state.
func (s *Store) Snapshot() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]State, len(s.states))
	for k, st := range s.states {
		out[k] = st
	}
	return out
}

// Keys returns the layer keys in document order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Len returns the number of layers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Clear drops every layer state. The basemap selection is kept.
func (s *Store) Clear() {
	s.mu.Lock()
	s.states = make(map[string]State)
	s.keys = nil
	e := s.bump(ActionCleared, "", State{})
	s.mu.Unlock()

	s.bus.Publish(e)
}

// Basemap returns the selected basemap id.
func (s *Store) Basemap() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.basemap
}

// SetBasemap selects a basemap. Callers validate the id.
func (s *Store) SetBasemap(id string) {
	s.mu.Lock()
	if s.basemap == id {
		s.mu.Unlock()
		return
	}
	s.basemap = id
	e := s.bump(ActionBasemap, id, State{})
	s.mu.Unlock()

	s.bus.Publish(e)
}

// Version increases with every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// bump must be called with s.mu held.
func (s *Store) bump(action, key string, st State) Event {
	s.version++
	return Event{Action: action, Key: key, State: st, Version: s.version}
}

func clamp(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
