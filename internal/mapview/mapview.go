// Package mapview is the headless map surface a viewer session renders into.
//
// It keeps the attached overlays in paint order together with the view center,
// zoom and viewport size. The Map Composition Controller is its only writer;
// everything else reads snapshots.
package mapview

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"github.com/joeblew999/plat-mapview/internal/extension"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// Zoom limits and tile size of the surface.
const (
	MinZoom  = 0
	MaxZoom  = 19
	TileSize = 256
)

// Default viewport used for fit-bounds until the client reports its size.
const (
	DefaultWidth  = 1024
	DefaultHeight = 768
)

var (
	ErrNotFound = errors.New("overlay not found")
	ErrExists   = errors.New("overlay already attached")
)

// Overlay is one attached layer object.
type Overlay struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	URL         string            `json:"url,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Attribution string            `json:"attribution,omitempty"`
	GroupZIndex int               `json:"groupZIndex"`
	ZIndex      int               `json:"zIndex"`
	Order       int               `json:"order"`
	MaxZoom     int               `json:"maxZoom,omitempty"`
	Opacity     float64           `json:"opacity"`

	// Vector overlays only.
	FillOpacity   float64                    `json:"fillOpacity,omitempty"`
	StrokeOpacity float64                    `json:"strokeOpacity,omitempty"`
	Style         map[string]any             `json:"style,omitempty"`
	Popup         bool                       `json:"popup,omitempty"`
	Features      *geojson.FeatureCollection `json:"features,omitempty"`

	// Back is set once the overlay has been sent to the back of the stack.
	Back bool `json:"back,omitempty"`
}

type entry struct {
	ov   Overlay
	seq  uint64
	back int64 // < 0 once sent to back; more negative is lower
}

// Map is a live map instance.
type Map struct {
	mu       sync.RWMutex
	overlays map[string]*entry
	seq      uint64
	backSeq  int64
	center   mapdef.LatLng
	zoom     int
	width    int
	height   int
	ext      *extension.Registry
}

// New creates a map centered on center at zoom. A nil registry starts with every
// known extension ready.
func New(center mapdef.LatLng, zoom int, ext *extension.Registry) *Map {
	if ext == nil {
		ext = extension.NewRegistry(extension.Esri, extension.VectorGrid)
	}
	return &Map{
		overlays: make(map[string]*entry),
		center:   center,
		zoom:     clampZoom(zoom),
		width:    DefaultWidth,
		height:   DefaultHeight,
		ext:      ext,
	}
}

// Extensions returns the registry of rendering extensions for this map.
func (m *Map) Extensions() *extension.Registry { return m.ext }

// Add attaches an overlay on top of the overlays sharing its z-index.
func (m *Map) Add(o Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overlays[o.ID]; ok {
		return fmt.Errorf("%s: %w", o.ID, ErrExists)
	}
	m.seq++
	o.Back = false
	m.overlays[o.ID] = &entry{ov: o, seq: m.seq}
	return nil
}

// Replace swaps the content of an attached overlay, keeping its paint position.
func (m *Map) Replace(o Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.overlays[o.ID]
	if !ok {
		return fmt.Errorf("%s: %w", o.ID, ErrNotFound)
	}
	o.Back = e.back < 0
	e.ov = o
	return nil
}

// Remove detaches an overlay. It reports whether the overlay was attached.
func (m *Map) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overlays[id]; !ok {
		return false
	}
	delete(m.overlays, id)
	return true
}

// Has reports whether an overlay is attached.
func (m *Map) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.overlays[id]
	return ok
}

// Get returns a copy of an attached overlay.
func (m *Map) Get(id string) (Overlay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.overlays[id]
	if !ok {
		return Overlay{}, false
	}
	return e.ov, true
}

// BringToBack moves an overlay below every other overlay.
func (m *Map) BringToBack(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.overlays[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	m.backSeq--
	e.back = m.backSeq
	e.ov.Back = true
	return nil
}

// SetOpacity updates the opacity of an attached overlay.
func (m *Map) SetOpacity(id string, opacity float64) error {
	return m.Update(id, func(o *Overlay) { o.Opacity = opacity })
}

// Update applies fn to an attached overlay in place.
func (m *Map) Update(id string, fn func(*Overlay)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.overlays[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	fn(&e.ov)
	e.ov.ID = id
	return nil
}

// Len returns the number of attached overlays.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.overlays)
}

// PaintOrder returns the attached overlays bottom to top.
//
// Overlays sent to back come first, most recent lowest. The rest are ordered by
// group z-index, layer z-index, document order and finally attach order.
func (m *Map) PaintOrder() []Overlay {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.overlays))
	for _, e := range m.overlays {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.back < 0) != (b.back < 0) {
			return a.back < 0
		}
		if a.back != b.back {
			return a.back < b.back
		}
		if a.ov.GroupZIndex != b.ov.GroupZIndex {
			return a.ov.GroupZIndex < b.ov.GroupZIndex
		}
		if a.ov.ZIndex != b.ov.ZIndex {
			return a.ov.ZIndex < b.ov.ZIndex
		}
		if a.ov.Order != b.ov.Order {
			return a.ov.Order < b.ov.Order
		}
		return a.seq < b.seq
	})

	out := make([]Overlay, len(entries))
	for i, e := range entries {
		out[i] = e.ov
	}
	return out
}

// Clear detaches every overlay.
func (m *Map) Clear() {
	m.mu.Lock()
	m.overlays = make(map[string]*entry)
	m.mu.Unlock()
}

// View returns the current center and zoom.
func (m *Map) View() (mapdef.LatLng, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.center, m.zoom
}

// SetView moves the map. The zoom is clamped to the surface limits.
func (m *Map) SetView(center mapdef.LatLng, zoom int) {
	m.mu.Lock()
	m.center = center
	m.zoom = clampZoom(zoom)
	m.mu.Unlock()
}

// Size returns the viewport size in pixels.
func (m *Map) Size() (width, height int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.width, m.height
}

// SetSize records the viewport size reported by the client.
func (m *Map) SetSize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	m.mu.Lock()
	m.width, m.height = width, height
	m.mu.Unlock()
}

// FitBounds centers the map on b at the largest zoom that shows all of b inside
// the viewport minus padding pixels on each side. It returns the new view.
func (m *Map) FitBounds(b orb.Bound, padding int) (mapdef.LatLng, int) {
	width, height := m.Size()
	zoom := BoundsZoom(b, width, height, padding)
	center := BoundsCenter(b)
	m.SetView(center, zoom)
	return m.View()
}

// BoundsZoom returns the zoom at which b fits a width x height viewport.
// A bound with no extent returns MaxZoom.
func BoundsZoom(b orb.Bound, width, height, padding int) int {
	nw := maptile.Fraction(orb.Point{b.Min[0], b.Max[1]}, 0)
	se := maptile.Fraction(orb.Point{b.Max[0], b.Min[1]}, 0)
	w := (se[0] - nw[0]) * TileSize
	h := (se[1] - nw[1]) * TileSize

	availW := math.Max(float64(width-2*padding), 1)
	availH := math.Max(float64(height-2*padding), 1)

	scale := math.Inf(1)
	if w > 0 {
		scale = availW / w
	}
	if h > 0 {
		scale = math.Min(scale, availH/h)
	}
	if math.IsInf(scale, 1) {
		return MaxZoom
	}
	return clampZoom(int(math.Floor(math.Log2(scale))))
}

// BoundsCenter returns the Web Mercator center of b.
func BoundsCenter(b orb.Bound) mapdef.LatLng {
	lo := project.WGS84.ToMercator(b.Min)
	hi := project.WGS84.ToMercator(b.Max)
	c := project.Mercator.ToWGS84(orb.Point{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2})
	return mapdef.LatLngFromPoint(c)
}

// FeatureBounds returns the union of the bounds of every feature with a
// geometry. ok is false when no feature has one.
func FeatureBounds(fc *geojson.FeatureCollection) (b orb.Bound, ok bool) {
	if fc == nil {
		return orb.Bound{}, false
	}
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		fb := f.Geometry.Bound()
		if !ok {
			b, ok = fb, true
			continue
		}
		b = b.Union(fb)
	}
	return b, ok
}

func clampZoom(z int) int {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}
