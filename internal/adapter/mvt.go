package adapter

import (
	"context"
	"maps"
	"math"

	"github.com/joeblew999/plat-mapview/internal/extension"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// Floors keep vector tile features visible at low opacity. The applied fill
// opacity is max(o*FillScale, Fill) and the stroke opacity max(o, Stroke).
type Floors struct {
	FillScale float64
	Fill      float64
	Stroke    float64
}

// DefaultFloors are the floors applied unless configured otherwise.
var DefaultFloors = Floors{FillScale: 0.5, Fill: 0.3, Stroke: 0.7}

// NoFloors applies the requested opacity unchanged, with fill at half of it.
var NoFloors = Floors{FillScale: 0.5}

// Apply returns the fill and stroke opacities for requested opacity o. Explicit
// fillOpacity and opacity keys in st win over the floors.
func (f Floors) Apply(o float64, st mapdef.Style) (fill, stroke float64) {
	fill = math.Max(o*f.FillScale, f.Fill)
	stroke = math.Max(o, f.Stroke)
	if st.FillOpacity != nil {
		fill = *st.FillOpacity
	}
	if st.Opacity != nil {
		stroke = *st.Opacity
	}
	return fill, stroke
}

// MVTMaxZoom is the max zoom requested from vector tile servers.
const MVTMaxZoom = 19

// FeatureIDKeys are the properties tried, in order, for a vector feature id.
var FeatureIDKeys = []string{"id", "osm_id", "gid"}

func newMVT(b *Builder, t Target, s mapdef.MVTSpec) Adapter {
	var st mapdef.Style
	build := func(ctx context.Context) (mapview.Overlay, error) {
		if err := checkURL(s.TileURL); err != nil {
			return mapview.Overlay{}, err
		}
		if err := b.m.Extensions().Get(extension.VectorGrid).Wait(ctx, b.budget); err != nil {
			return mapview.Overlay{}, err
		}

		parsed, err := mapdef.ParseStyle(s.RawStyle)
		if err != nil {
			b.log.Warn("invalid vector tile style, using defaults", "layer", t.Key, "error", err)
		}
		st = parsed

		return mapview.Overlay{
			Kind:        OverlayVectorGrid,
			URL:         s.TileURL,
			Attribution: s.Attribution,
			MaxZoom:     MVTMaxZoom,
			Popup:       st.Popup,
		}, nil
	}
	restyle := func(ov mapview.Overlay, opacity float64) mapview.Overlay {
		fill, stroke := b.floors.Apply(opacity, st)
		ov.Opacity = opacity
		ov.FillOpacity = fill
		ov.StrokeOpacity = stroke
		ov.Style = vectorStyle(st, fill, stroke)
		return ov
	}
	return newOverlayAdapter(b.m, t, b.log, build, restyle)
}

// vectorStyle builds the per-source-layer style table. "default" applies to
// every source layer without an override.
func vectorStyle(st mapdef.Style, fill, stroke float64) map[string]any {
	fillColor := st.FillColor
	if fillColor == "" {
		fillColor = mapdef.DefaultColor
	}
	color := st.Color
	if color == "" {
		color = mapdef.DefaultColor
	}
	weight := st.Weight
	if weight == 0 {
		weight = mapdef.DefaultStrokeWidth
	}

	out := map[string]any{
		"default": map[string]any{
			"fill":        true,
			"fillColor":   fillColor,
			"fillOpacity": fill,
			"stroke":      true,
			"color":       color,
			"weight":      weight,
			"opacity":     stroke,
		},
	}
	for name, layer := range st.Layers {
		out[name] = maps.Clone(layer)
	}
	return out
}
