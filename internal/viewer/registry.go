package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// Registry holds the live sessions of a server.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. Every session shares cfg.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "viewer"),
		sessions: make(map[string]*Session),
	}
}

// Basemaps returns the basemap catalog shared by the sessions.
func (r *Registry) Basemaps() *basemap.Catalog { return r.cfg.Basemaps }

// Maps lists the maps available from the loader.
func (r *Registry) Maps(ctx context.Context) ([]mapdef.MapDefinition, error) {
	return r.cfg.Loader.ListMaps(ctx)
}

// Create starts a session. A non-empty mapID starts loading that map.
func (r *Registry) Create(mapID string) *Session {
	s := NewSession(uuid.NewString(), r.cfg)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Info("session created", "session", s.ID(), "map", mapID, "sessions", n)
	if mapID != "" {
		s.Open(mapID)
	}
	return s
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Delete closes and removes a session.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	s.Close()
	r.log.Info("session closed", "session", id)
	return nil
}

// List returns the sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created().Equal(out[j].Created()) {
			return out[i].Created().Before(out[j].Created())
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
