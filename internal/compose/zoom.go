package compose

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
	"github.com/joeblew999/plat-mapview/internal/pmtiles"
)

// Zoom-to-layer parameters.
const (
	FitPadding = 50

	// Heuristic zoom steps when a layer's bounds are unknown.
	FeatureZoomStep = 3
	FeatureZoomMax  = 18
	TileZoomStep    = 2
	TileZoomMax     = 15
)

var (
	// ErrNoBounds is the cause of a BoundsError for layers whose extent cannot
	// be derived.
	ErrNoBounds = errors.New("layer has no derivable bounds")
	// ErrNoFeatures is the cause of a BoundsError for empty feature collections.
	ErrNoFeatures = errors.New("no features with geometry")
)

// BoundsError reports a layer whose bounds could not be resolved. It never
// reaches users: zoom-to-layer falls back to a heuristic zoom.
type BoundsError struct {
	Layer string
	Err   error
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bounds of %s: %v", e.Layer, e.Err)
}

func (e *BoundsError) Unwrap() error { return e.Err }

// View is a map position.
type View struct {
	Center mapdef.LatLng `json:"center"`
	Zoom   int           `json:"zoom"`
	// Fitted is set when the view was fitted to the layer's real bounds.
	Fitted bool `json:"fitted"`
}

// LayerBounds resolves the extent of a layer: the feature bounds of GeoJSON
// layers and the archive bounds of .pmtiles vector layers.
func (c *Controller) LayerBounds(ctx context.Context, l mapdef.Layer) (orb.Bound, error) {
	fail := func(err error) (orb.Bound, error) {
		return orb.Bound{}, &BoundsError{Layer: l.Key(), Err: err}
	}

	switch s := mapdef.Resolve(l).(type) {
	case mapdef.GeoJSONSpec:
		fc, err := adapter.FetchFeatures(ctx, c.client, s.URL)
		if err != nil {
			return fail(err)
		}
		b, ok := mapview.FeatureBounds(fc)
		if !ok {
			return fail(ErrNoFeatures)
		}
		return b, nil
	case mapdef.MVTSpec:
		if !mapdef.IsPMTiles(s.URL) {
			return fail(ErrNoBounds)
		}
		h, err := pmtiles.FetchHeader(ctx, c.client, s.URL)
		if err != nil {
			return fail(err)
		}
		b := h.Bounds()
		if b.IsEmpty() || b.IsZero() {
			return fail(ErrNoBounds)
		}
		return b, nil
	}
	return fail(ErrNoBounds)
}

// ZoomToLayer moves the map to show l. Layers with known bounds are fitted
// with FitPadding pixels of padding. Otherwise the view is derived from the
// map definition, so repeated calls land on the same view: tile layers go to
// the definition's center, GeoJSON layers keep the current center, and both
// zoom a few levels past the definition's zoom. If the map is switched while bounds are resolving,
// the result is dropped and adapter.ErrStale returned.
func (c *Controller) ZoomToLayer(ctx context.Context, l mapdef.Layer) (View, error) {
	gen := c.gen.Load()

	b, err := c.LayerBounds(ctx, l)
	if c.gen.Load() != gen {
		return View{}, fmt.Errorf("zoom to %s: %w", l.Key(), adapter.ErrStale)
	}
	if err == nil {
		center, zoom := c.m.FitBounds(b, FitPadding)
		return View{Center: center, Zoom: zoom, Fitted: true}, nil
	}
	if ctx.Err() != nil {
		return View{}, ctx.Err()
	}
	if !errors.Is(err, ErrNoBounds) {
		c.log.Debug("zoom to layer falls back", "layer", l.Key(), "error", err)
	}

	center, zoom := c.home()
	switch l.Kind() {
	case mapdef.KindGeoJSON:
		center, _ = c.m.View()
		zoom = min(zoom+FeatureZoomStep, FeatureZoomMax)
	default:
		zoom = min(zoom+TileZoomStep, TileZoomMax)
	}
	c.m.SetView(center, zoom)
	center, zoom = c.m.View()
	return View{Center: center, Zoom: zoom}, nil
}

// home returns the loaded definition's center and zoom, or the live view when
// no map is loaded.
func (c *Controller) home() (mapdef.LatLng, int) {
	c.mu.Lock()
	def := c.def
	c.mu.Unlock()
	if def == nil {
		return c.m.View()
	}
	return def.ViewCenter(), def.ViewZoom()
}
