// Package viewer ties the pieces of a map view together. A Session owns one
// map surface with its Layer State Store and Map Composition Controller, and
// loads map definitions through a Loader.
//
// Data flows one way: callers mutate the store, the session observes the
// store's events and has the controller reconcile the map.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/compose"
	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/legend"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// Loader fetches map definitions.
type Loader interface {
	ListMaps(ctx context.Context) ([]mapdef.MapDefinition, error)
	GetMap(ctx context.Context, id string) (*mapdef.MapDefinition, error)
}

// Status is the load status of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrNotReady   = errors.New("map not loaded")
	ErrSuperseded = errors.New("superseded by a later load")
)

// Config configures sessions.
type Config struct {
	Loader         Loader
	Basemaps       *basemap.Catalog
	DefaultBasemap string
	Legends        *legend.Resolver
	// Factory builds the adapter factory of a session's map. Nil uses
	// adapter.Builder.
	Factory func(m *mapview.Map) adapter.Factory
	Client  *http.Client
	Budget  time.Duration
	Floors  *adapter.Floors
	Logger  *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Basemaps == nil {
		cfg.Basemaps = basemap.NewCatalog()
	}
	if cfg.DefaultBasemap == "" {
		cfg.DefaultBasemap = basemap.Default
	}
	if cfg.Legends == nil {
		cfg.Legends = legend.NewResolver(cfg.Client, false, cfg.Logger)
	}
	return cfg
}

// Session is one interactive map view.
type Session struct {
	id      string
	created time.Time
	cfg     Config
	log     *slog.Logger
	store   *layerstate.Store
	ctrl    *compose.Controller
	events  chan layerstate.Event

	mu         sync.Mutex
	status     Status
	err        error
	mapID      string
	loadSeq    uint64
	cancelLoad context.CancelFunc

	syncMu   sync.Mutex
	syncCond *sync.Cond
	synced   uint64
	stopped  bool

	closeOnce sync.Once
}

// NewSession creates an idle session showing the default basemap.
func NewSession(id string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("session", id)

	m := mapview.New(mapdef.DefaultCenter, mapdef.DefaultZoom, nil)
	var factory adapter.Factory
	if cfg.Factory != nil {
		factory = cfg.Factory(m)
	}

	s := &Session{
		id:      id,
		created: time.Now(),
		cfg:     cfg,
		log:     log,
		store:   layerstate.New(nil),
		ctrl: compose.New(m, compose.Config{
			Factory: factory,
			Client:  cfg.Client,
			Budget:  cfg.Budget,
			Floors:  cfg.Floors,
			Logger:  log,
		}),
		status: StatusIdle,
	}
	s.syncCond = sync.NewCond(&s.syncMu)

	if !cfg.Basemaps.Has(cfg.DefaultBasemap) {
		log.Warn("default basemap not in catalog", "basemap", cfg.DefaultBasemap)
		cfg.DefaultBasemap = basemap.Default
	}
	s.store.SetBasemap(cfg.DefaultBasemap)
	s.applyBasemap()

	s.synced = s.store.Version()
	s.events = s.store.Bus().Subscribe()
	go s.run()
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) Created() time.Time       { return s.created }
func (s *Session) Store() *layerstate.Store { return s.store }

// Map returns the session's map surface.
func (s *Session) Map() *mapview.Map { return s.ctrl.Map() }

// Status returns the load status and, in StatusError, the load error.
func (s *Session) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}

// MapID returns the id of the map being shown or loaded.
func (s *Session) MapID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapID
}

// run reconciles the map after every store event. Each pass reads the store
// under the controller lock, so events dropped by the bus are still covered
// and a pass never applies states from before a map switch.
func (s *Session) run() {
	for range s.events {
		v := s.store.Version()
		s.ctrl.SyncFrom(s.store.Snapshot)
		s.applyBasemap()

		s.syncMu.Lock()
		if v > s.synced {
			s.synced = v
		}
		s.syncCond.Broadcast()
		s.syncMu.Unlock()
	}

	s.syncMu.Lock()
	s.stopped = true
	s.syncCond.Broadcast()
	s.syncMu.Unlock()
}

func (s *Session) applyBasemap() {
	id := s.store.Basemap()
	bm, err := s.cfg.Basemaps.Get(id)
	if err != nil {
		s.log.Warn("selected basemap unavailable", "basemap", id, "error", err)
		return
	}
	if err := s.ctrl.SetBasemap(bm); err != nil {
		s.log.Error("attaching basemap", "basemap", id, "error", err)
	}
}

// Settle waits until the map reflects every store change made so far and all
// pending layer attaches have finished.
func (s *Session) Settle() {
	target := s.store.Version()
	s.syncMu.Lock()
	for s.synced < target && !s.stopped {
		s.syncCond.Wait()
	}
	s.syncMu.Unlock()
	s.ctrl.Settle()
}

// Open starts loading a map in the background and returns at once. The
// session reports StatusLoading until the definition arrives.
func (s *Session) Open(mapID string) {
	ctx, seq := s.begin(context.Background(), mapID)
	go s.finish(ctx, seq, mapID)
}

// Load loads a map and waits for its definition. Layers keep attaching in
// the background; use Settle to wait for them.
func (s *Session) Load(ctx context.Context, mapID string) error {
	ctx, seq := s.begin(ctx, mapID)
	return s.finish(ctx, seq, mapID)
}

// SwitchMap replaces the shown map. It is Open under another name.
func (s *Session) SwitchMap(mapID string) { s.Open(mapID) }

// Reload fetches the current map again and reconciles it in place: layers
// whose source did not change keep their adapters. Layer states are rebuilt.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	mapID, seq := s.mapID, s.loadSeq
	s.mu.Unlock()
	if mapID == "" {
		return fmt.Errorf("session %s: %w", s.id, ErrNotReady)
	}

	def, err := s.cfg.Loader.GetMap(ctx, mapID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		return fmt.Errorf("reloading map %s: %w", mapID, ErrSuperseded)
	}
	s.store.Initialize(def)
	s.ctrl.Update(def, s.store.Snapshot())
	s.status, s.err = StatusReady, nil
	return nil
}

func (s *Session) begin(parent context.Context, mapID string) (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancelLoad = cancel
	s.loadSeq++
	s.mapID = mapID
	s.status, s.err = StatusLoading, nil

	s.ctrl.Clear()
	s.store.Clear()
	return ctx, s.loadSeq
}

func (s *Session) finish(ctx context.Context, seq uint64, mapID string) error {
	start := time.Now()
	def, err := s.cfg.Loader.GetMap(ctx, mapID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.loadSeq {
		s.log.Debug("dropping superseded map load", "map", mapID)
		return fmt.Errorf("loading map %s: %w", mapID, ErrSuperseded)
	}
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	if err != nil {
		s.status, s.err = StatusError, err
		s.log.Error("map definition load failed", "map", mapID, "error", err)
		return err
	}

	s.store.Initialize(def)
	s.ctrl.Load(def, s.store.Snapshot(), s.basemapLocked())
	s.status = StatusReady
	s.log.Info("map loaded", "map", mapID, "layers", s.store.Len(), "duration", time.Since(start))
	return nil
}

func (s *Session) basemapLocked() basemap.Basemap {
	bm, err := s.cfg.Basemaps.Get(s.store.Basemap())
	if err != nil {
		bm, _ = s.cfg.Basemaps.Get(basemap.Default)
	}
	return bm
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.cancelLoad != nil {
			s.cancelLoad()
		}
		s.loadSeq++
		s.mu.Unlock()

		s.store.Bus().Unsubscribe(s.events)
		s.syncMu.Lock()
		for !s.stopped {
			s.syncCond.Wait()
		}
		s.syncMu.Unlock()

		s.ctrl.Teardown()
	})
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return fmt.Errorf("session %s: %w", s.id, ErrNotReady)
	}
	return nil
}

// Toggle flips a layer's visibility.
func (s *Session) Toggle(key string) (layerstate.State, error) {
	if err := s.ready(); err != nil {
		return layerstate.State{}, err
	}
	return s.store.Toggle(key)
}

// SetVisibility shows or hides a layer.
func (s *Session) SetVisibility(key string, visible bool) (layerstate.State, error) {
	if err := s.ready(); err != nil {
		return layerstate.State{}, err
	}
	return s.store.SetVisibility(key, visible)
}

// SetOpacity sets a layer's opacity.
func (s *Session) SetOpacity(key string, opacity float64) (layerstate.State, error) {
	if err := s.ready(); err != nil {
		return layerstate.State{}, err
	}
	return s.store.SetOpacity(key, opacity)
}

// ShowAll makes every layer visible.
func (s *Session) ShowAll() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.store.ShowAll()
	return nil
}

// HideAll hides every layer.
func (s *Session) HideAll() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.store.HideAll()
	return nil
}

// SetBasemap selects a basemap from the catalog.
func (s *Session) SetBasemap(id string) error {
	if _, err := s.cfg.Basemaps.Get(id); err != nil {
		return err
	}
	s.store.SetBasemap(id)
	return nil
}

// Layer returns a layer of the loaded map by key.
func (s *Session) Layer(key string) (mapdef.Layer, error) {
	if err := s.ready(); err != nil {
		return mapdef.Layer{}, err
	}
	def := s.ctrl.Definition()
	if def == nil {
		return mapdef.Layer{}, fmt.Errorf("session %s: %w", s.id, ErrNotReady)
	}
	l, ok := def.FindLayer(key)
	if !ok {
		return mapdef.Layer{}, fmt.Errorf("%s: %w", key, layerstate.ErrUnknownLayer)
	}
	return l, nil
}

// ZoomToLayer moves the map to show a layer.
func (s *Session) ZoomToLayer(ctx context.Context, key string) (compose.View, error) {
	l, err := s.Layer(key)
	if err != nil {
		return compose.View{}, err
	}
	return s.ctrl.ZoomToLayer(ctx, l)
}

// Legend resolves a layer's legend.
func (s *Session) Legend(ctx context.Context, key string) (legend.Legend, error) {
	l, err := s.Layer(key)
	if err != nil {
		return legend.Legend{}, err
	}
	return s.cfg.Legends.Legend(ctx, l), nil
}

// SetViewport records the client's map size, used to fit bounds.
func (s *Session) SetViewport(width, height int) {
	s.ctrl.Map().SetSize(width, height)
}

// MapInfo is the descriptive part of a map definition.
type MapInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// LayerView is a layer row of the layer panel.
type LayerView struct {
	Key     string      `json:"key"`
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Kind    mapdef.Kind `json:"kind"`
	Badge   string      `json:"badge"`
	Visible bool        `json:"visible"`
	Opacity float64     `json:"opacity"`
	Percent int         `json:"percent"`
	// Adapter is the adapter lifecycle state, or "none" for layers that are
	// never rendered.
	Adapter  string `json:"adapter"`
	Attached bool   `json:"attached"`
}

// GroupView is a layer group of the layer panel.
type GroupView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	ZIndex    int         `json:"zIndex"`
	IsBasemap bool        `json:"isBasemap,omitempty"`
	Layers    []LayerView `json:"layers"`
}

// View is a snapshot of a session.
type View struct {
	Session  string            `json:"session"`
	Status   Status            `json:"status" enum:"idle,loading,ready,error"`
	Error    string            `json:"error,omitempty"`
	MapID    string            `json:"mapId,omitempty"`
	Map      *MapInfo          `json:"map,omitempty"`
	Center   mapdef.LatLng     `json:"center"`
	Zoom     int               `json:"zoom"`
	Basemap  string            `json:"basemap"`
	Groups   []GroupView       `json:"groups"`
	Overlays []mapview.Overlay `json:"overlays"`
	Version  uint64            `json:"version"`
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	status, err := s.Status()
	m := s.ctrl.Map()
	center, zoom := m.View()

	v := View{
		Session:  s.id,
		Status:   status,
		MapID:    s.MapID(),
		Center:   center,
		Zoom:     zoom,
		Basemap:  s.store.Basemap(),
		Groups:   []GroupView{},
		Overlays: m.PaintOrder(),
		Version:  s.store.Version(),
	}
	if err != nil {
		v.Error = err.Error()
	}

	def := s.ctrl.Definition()
	if def == nil || status != StatusReady {
		return v
	}
	v.Map = &MapInfo{ID: def.ID.String(), Name: def.Name, Description: def.Description}
	for _, g := range def.LayerGroups {
		gv := GroupView{ID: g.ID.String(), Name: g.Name, ZIndex: g.ZIndex, IsBasemap: g.IsBasemap, Layers: []LayerView{}}
		for _, l := range g.Layers {
			gv.Layers = append(gv.Layers, s.layerView(l))
		}
		v.Groups = append(v.Groups, gv)
	}
	return v
}

func (s *Session) layerView(l mapdef.Layer) LayerView {
	st := s.store.Get(l.Key())
	lv := LayerView{
		Key:      l.Key(),
		ID:       l.ID.String(),
		Name:     l.Name,
		Type:     l.Type,
		Kind:     l.Kind(),
		Badge:    strings.ToUpper(l.Type),
		Visible:  st.Visible,
		Opacity:  st.Opacity,
		Percent:  int(math.Round(st.Opacity * 100)),
		Adapter:  "none",
		Attached: s.ctrl.Map().Has(l.Key()),
	}
	if a, ok := s.ctrl.Adapter(l.Key()); ok {
		lv.Adapter = a.State().String()
	}
	return lv
}
