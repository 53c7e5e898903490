package compose

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// DefaultConcurrency bounds how many layers build at once.
const DefaultConcurrency = 8

// Config configures a Controller.
type Config struct {
	// Factory builds adapters. Nil uses an adapter.Builder on the controller's map.
	Factory adapter.Factory
	// Client fetches GeoJSON and PMTiles headers for zoom-to-layer, and is
	// handed to the default factory.
	Client *http.Client
	// Budget bounds extension waits in the default factory.
	Budget time.Duration
	// Floors overrides the MVT opacity floors in the default factory.
	Floors      *adapter.Floors
	Concurrency int
	Logger      *slog.Logger
}

type placement struct {
	layer mapdef.Layer
	rank  Rank
}

// Controller owns one map surface and keeps it in line with the declared state.
// All methods are safe for concurrent use.
type Controller struct {
	m       *mapview.Map
	factory adapter.Factory
	client  *http.Client
	limit   int
	log     *slog.Logger

	gen atomic.Uint64

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	def       *mapdef.MapDefinition
	layers    map[string]placement
	applied   Desired
	adapters  map[string]adapter.Adapter
	basemap   adapter.Adapter
	basemapID string
	batches   map[chan struct{}]struct{}
}

// New creates a controller for m.
func New(m *mapview.Map, cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	factory := cfg.Factory
	if factory == nil {
		factory = adapter.NewBuilder(m, adapter.Config{
			Client: client,
			Budget: cfg.Budget,
			Floors: cfg.Floors,
			Logger: log,
		})
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		m:        m,
		factory:  factory,
		client:   client,
		limit:    limit,
		log:      log.With("component", "compose"),
		ctx:      ctx,
		cancel:   cancel,
		layers:   make(map[string]placement),
		applied:  make(Desired),
		adapters: make(map[string]adapter.Adapter),
		batches:  make(map[chan struct{}]struct{}),
	}
}

// Map returns the map surface the controller renders into.
func (c *Controller) Map() *mapview.Map { return c.m }

// Generation identifies the loaded map definition. It changes on every Load
// and Teardown.
func (c *Controller) Generation() uint64 { return c.gen.Load() }

// Definition returns the loaded map definition, or nil.
func (c *Controller) Definition() *mapdef.MapDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def
}

// Adapter returns the adapter of a layer.
func (c *Controller) Adapter(key string) (adapter.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.adapters[key]
	return a, ok
}

// Load tears down the current map and composes def from scratch: view,
// basemap, then every visible layer. In-flight work of the previous map is
// cancelled and its late results are discarded.
func (c *Controller) Load(def *mapdef.MapDefinition, states map[string]layerstate.State, bm basemap.Basemap) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	if def == nil {
		return Plan{}
	}
	c.m.SetView(def.ViewCenter(), def.ViewZoom())
	if err := c.setBasemapLocked(bm); err != nil {
		c.log.Error("attaching basemap", "basemap", bm.ID, "error", err)
	}
	return c.updateLocked(def, states)
}

// Update reconciles a new version of the loaded definition in place. Layers
// whose identity is unchanged keep their adapters.
func (c *Controller) Update(def *mapdef.MapDefinition, states map[string]layerstate.State) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if def == nil {
		return Plan{}
	}
	return c.updateLocked(def, states)
}

// Sync reconciles the loaded definition with new layer states.
func (c *Controller) Sync(states map[string]layerstate.State) Plan {
	return c.SyncFrom(func() map[string]layerstate.State { return states })
}

// SyncFrom is Sync with the states read once the controller is locked. A pass
// that races a Load then sees the states of the definition it reconciles.
func (c *Controller) SyncFrom(snapshot func() map[string]layerstate.State) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def == nil {
		return Plan{}
	}
	return c.updateLocked(c.def, snapshot())
}

func (c *Controller) updateLocked(def *mapdef.MapDefinition, states map[string]layerstate.State) Plan {
	c.def = def
	c.layers = make(map[string]placement)
	order := 0
	for _, g := range def.LayerGroups {
		for _, l := range g.Layers {
			c.layers[l.Key()] = placement{layer: l, rank: Rank{Group: g.ZIndex, Layer: l.PaintZIndex(), Order: order}}
			order++
		}
	}

	next := Desire(def, states)
	plan := Reconcile(c.applied, next)
	c.applyLocked(plan, next)
	c.applied = next
	return plan
}

func (c *Controller) applyLocked(p Plan, next Desired) {
	for _, k := range p.Detach {
		if a, ok := c.adapters[k]; ok {
			a.Detach()
		}
	}
	for _, k := range p.Discard {
		delete(c.adapters, k)
	}

	gen := c.gen.Load()
	for _, k := range p.Create {
		pl := c.layers[k]
		a, err := c.factory.New(adapter.Target{
			Key:         k,
			Spec:        mapdef.Resolve(pl.layer),
			GroupZIndex: pl.rank.Group,
			ZIndex:      pl.rank.Layer,
			Order:       pl.rank.Order,
			Opacity:     next[k].Opacity,
			Current:     func() bool { return c.gen.Load() == gen },
		})
		if err != nil {
			c.log.Debug("layer skipped", "layer", k, "error", err)
			continue
		}
		c.adapters[k] = a
	}

	for _, op := range p.Opacity {
		if a, ok := c.adapters[op.Key]; ok {
			a.SetOpacity(op.Opacity)
		}
	}

	var attach []adapter.Adapter
	for _, k := range p.Attach {
		if a, ok := c.adapters[k]; ok {
			attach = append(attach, a)
		}
	}
	c.attachLocked(attach)
}

// attachLocked attaches adapters concurrently. Adapters are independent, so a
// slow layer never holds back another.
func (c *Controller) attachLocked(as []adapter.Adapter) {
	if len(as) == 0 {
		return
	}
	ctx := c.ctx
	done := make(chan struct{})
	c.batches[done] = struct{}{}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.batches, done)
			c.mu.Unlock()
			close(done)
		}()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.limit)
		for _, a := range as {
			g.Go(func() error {
				c.attach(gctx, a)
				return nil
			})
		}
		g.Wait()
	}()
}

func (c *Controller) attach(ctx context.Context, a adapter.Adapter) {
	err := a.Attach(ctx)
	switch {
	case err == nil:
	case errors.Is(err, adapter.ErrStale), errors.Is(err, context.Canceled):
		c.log.Debug("attach discarded", "layer", a.Key(), "error", err)
		return
	default:
		// already logged by the adapter
		return
	}

	// the layer may have been hidden or replaced while it was building
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapters[a.Key()] != a || !c.applied[a.Key()].Visible {
		a.Detach()
	}
}

// Settle waits until every attach started so far has finished.
func (c *Controller) Settle() {
	for {
		c.mu.Lock()
		wait := make([]chan struct{}, 0, len(c.batches))
		for ch := range c.batches {
			wait = append(wait, ch)
		}
		c.mu.Unlock()

		if len(wait) == 0 {
			return
		}
		for _, ch := range wait {
			<-ch
		}
	}
}

// SetBasemap swaps the basemap. The basemap always paints below every layer.
func (c *Controller) SetBasemap(bm basemap.Basemap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setBasemapLocked(bm)
}

// Basemap returns the id of the attached basemap.
func (c *Controller) Basemap() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.basemapID
}

func (c *Controller) setBasemapLocked(bm basemap.Basemap) error {
	if c.basemap != nil && c.basemapID == bm.ID && c.basemap.State() == adapter.Attached {
		return nil
	}
	if c.basemap != nil {
		c.basemap.Detach()
		c.basemap = nil
		c.basemapID = ""
	}
	a := adapter.NewBasemap(c.m, bm.ID, bm.URL, bm.Attribution, c.log)
	if err := a.Attach(c.ctx); err != nil {
		return err
	}
	c.basemap = a
	c.basemapID = bm.ID
	return nil
}

// Clear detaches every layer and forgets the definition. The basemap stays.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// Teardown detaches every layer and the basemap and forgets the definition.
func (c *Controller) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	if c.basemap != nil {
		c.basemap.Detach()
		c.basemap = nil
		c.basemapID = ""
	}
}

func (c *Controller) teardownLocked() {
	c.gen.Add(1)
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, a := range c.adapters {
		a.Detach()
	}
	c.adapters = make(map[string]adapter.Adapter)
	c.applied = make(Desired)
	c.layers = make(map[string]placement)
	c.def = nil
}
