// Package mapdef contains the declarative map document model consumed by the viewer.
//
// A MapDefinition is produced by the backend and is immutable from the viewer's
// point of view: it is decoded once per session and never written back.
package mapdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"
)

// Default view used when a map document carries no usable center or zoom.
var (
	DefaultCenter = LatLng{Lat: -2.5, Lng: 118}
	DefaultZoom   = 5
)

// DefaultLayerZIndex is the paint order assigned to layers without a z_index.
const DefaultLayerZIndex = 100

// ID is a backend identifier. The backend emits both numbers and strings.
type ID string

// UnmarshalJSON accepts a JSON number or string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// LatLng is a position in [lat, lng] order, the order the view uses.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point returns the position as an orb point (lng, lat).
func (ll LatLng) Point() orb.Point {
	return orb.Point{ll.Lng, ll.Lat}
}

// LatLngFromPoint converts an orb point (lng, lat) to a LatLng.
func LatLngFromPoint(p orb.Point) LatLng {
	return LatLng{Lat: p.Lat(), Lng: p.Lon()}
}

// Center is the map center as stored by the backend. Two encodings exist:
// a GeoJSON-style point {"coordinates": [lng, lat]} and {"lat": .., "lng": ..}.
type Center struct {
	Coordinates []float64 `json:"coordinates,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
}

// LatLng normalizes the center. ok is false when neither encoding is usable.
func (c *Center) LatLng() (LatLng, bool) {
	if c == nil {
		return LatLng{}, false
	}
	if len(c.Coordinates) >= 2 {
		return LatLng{Lat: c.Coordinates[1], Lng: c.Coordinates[0]}, true
	}
	if c.Lat != nil && c.Lng != nil {
		return LatLng{Lat: *c.Lat, Lng: *c.Lng}, true
	}
	return LatLng{}, false
}

// MapDefinition is a named map product: view, and ordered layer groups.
type MapDefinition struct {
	ID          ID           `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Center      *Center      `json:"center,omitempty"`
	Zoom        int          `json:"zoom,omitempty"`
	Visible     *bool        `json:"is_public,omitempty"`
	LayerGroups []LayerGroup `json:"layer_groups,omitempty"`
}

// ViewCenter returns the normalized center, falling back to DefaultCenter.
func (m *MapDefinition) ViewCenter() LatLng {
	if ll, ok := m.Center.LatLng(); ok {
		return ll
	}
	return DefaultCenter
}

// ViewZoom returns the map zoom clamped to 1-18, or DefaultZoom when unset.
func (m *MapDefinition) ViewZoom() int {
	switch {
	case m.Zoom <= 0:
		return DefaultZoom
	case m.Zoom > 18:
		return 18
	}
	return m.Zoom
}

// Layers returns every layer in document order.
func (m *MapDefinition) Layers() []Layer {
	var out []Layer
	for _, g := range m.LayerGroups {
		out = append(out, g.Layers...)
	}
	return out
}

// FindLayer looks a layer up by its UI key ("layer-{id}").
func (m *MapDefinition) FindLayer(key string) (Layer, bool) {
	for _, g := range m.LayerGroups {
		for _, l := range g.Layers {
			if l.Key() == key {
				return l, true
			}
		}
	}
	return Layer{}, false
}

// LayerGroup is a named, z-ordered bucket of layers.
type LayerGroup struct {
	ID        ID      `json:"id"`
	Name      string  `json:"name"`
	ZIndex    int     `json:"z_index"`
	IsBasemap bool    `json:"is_basemap,omitempty"`
	Layers    []Layer `json:"layers,omitempty"`
}

// Layer is the atomic renderable unit of a map document.
type Layer struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	URL         string    `json:"url"`
	LayerName   string    `json:"layer_name,omitempty"`
	LayerID     *Sublayer `json:"layer_id,omitempty"`
	Style       string    `json:"style,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	ZIndex      int       `json:"z_index,omitempty"`
	Visible     *bool     `json:"visible,omitempty"`
}

// Key returns the UI-scoped state key for the layer.
func (l Layer) Key() string {
	return "layer-" + string(l.ID)
}

// Kind returns the normalized protocol kind of the layer.
func (l Layer) Kind() Kind {
	return ParseKind(l.Type)
}

// DefaultVisible reports the initial visibility: anything but an explicit false.
func (l Layer) DefaultVisible() bool {
	return l.Visible == nil || *l.Visible
}

// PaintZIndex returns the layer z_index, or DefaultLayerZIndex when unset.
func (l Layer) PaintZIndex() int {
	if l.ZIndex == 0 {
		return DefaultLayerZIndex
	}
	return l.ZIndex
}

// Sublayer is an ArcGIS sublayer id. The backend sends numbers, numeric strings
// and empty strings; an empty value means "all sublayers".
type Sublayer struct {
	raw string
}

// NewSublayer returns a sublayer reference for id.
func NewSublayer(id int) *Sublayer {
	return &Sublayer{raw: strconv.Itoa(id)}
}

// UnmarshalJSON accepts a JSON number, string or null.
func (s *Sublayer) UnmarshalJSON(data []byte) error {
	var id ID
	if err := id.UnmarshalJSON(data); err != nil {
		return err
	}
	s.raw = strings.TrimSpace(string(id))
	return nil
}

// MarshalJSON emits the raw value as a string.
func (s Sublayer) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.raw)
}

// Schema describes the encoded form for OpenAPI.
func (Sublayer) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{Type: huma.TypeString, Description: "ArcGIS sublayer id; empty means all sublayers"}
}

// Int returns the sublayer id coerced to an integer, like parseInt: leading digits
// are used and the rest ignored. ok is false when no id is present.
func (s *Sublayer) Int() (int, bool) {
	if s == nil || s.raw == "" {
		return 0, false
	}
	end := 0
	for end < len(s.raw) && (s.raw[end] >= '0' && s.raw[end] <= '9' || end == 0 && s.raw[0] == '-') {
		end++
	}
	n, err := strconv.Atoi(s.raw[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the raw sublayer value.
func (s *Sublayer) String() string {
	if s == nil {
		return ""
	}
	return s.raw
}
