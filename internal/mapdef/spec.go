package mapdef

import (
	"fmt"
	"strings"
)

// Kind is the normalized layer protocol.
type Kind string

const (
	KindWMS     Kind = "wms"
	KindXYZ     Kind = "xyz"
	KindArcGIS  Kind = "arcgis"
	KindGeoJSON Kind = "geojson"
	KindMVT     Kind = "mvt"
	KindWFS     Kind = "wfs"
	KindUnknown Kind = "unknown"
)

// ParseKind maps a layer type tag to its Kind. "mapserver" and "arcgismapserver"
// are ArcGIS aliases. Matching is case-insensitive.
func ParseKind(t string) Kind {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "wms":
		return KindWMS
	case "xyz":
		return KindXYZ
	case "arcgis", "mapserver", "arcgismapserver":
		return KindArcGIS
	case "geojson":
		return KindGeoJSON
	case "mvt":
		return KindMVT
	case "wfs":
		return KindWFS
	}
	return KindUnknown
}

// Spec is the protocol-specific description of a layer, resolved once when the
// map document loads. The concrete types are WMSSpec, XYZSpec, ArcGISSpec,
// GeoJSONSpec, MVTSpec and UnsupportedSpec.
type Spec interface {
	Kind() Kind
	// Identity changes only when the remote source changes. Adapters are
	// rebuilt when it changes and reused otherwise.
	Identity() string
	isSpec()
}

// WMSSpec is a tiled WMS source.
type WMSSpec struct {
	URL       string
	LayerName string
}

func (WMSSpec) Kind() Kind         { return KindWMS }
func (s WMSSpec) Identity() string { return "wms|" + s.URL + "|" + s.LayerName }
func (WMSSpec) isSpec()            {}

// XYZSpec is a plain tile template source.
type XYZSpec struct {
	URL         string
	Attribution string
}

func (XYZSpec) Kind() Kind         { return KindXYZ }
func (s XYZSpec) Identity() string { return "xyz|" + s.URL + "|" + s.Attribution }
func (XYZSpec) isSpec()            {}

// ArcGISSpec is an ArcGIS MapServer rendered as a dynamic layer.
type ArcGISSpec struct {
	// BaseURL always ends in /MapServer.
	BaseURL     string
	Sublayer    int
	HasSublayer bool
	Attribution string
}

func (ArcGISSpec) Kind() Kind { return KindArcGIS }
func (s ArcGISSpec) Identity() string {
	sub := "*"
	if s.HasSublayer {
		sub = fmt.Sprint(s.Sublayer)
	}
	return "arcgis|" + s.BaseURL + "|" + sub + "|" + s.Attribution
}
func (ArcGISSpec) isSpec() {}

// GeoJSONSpec is a feature collection fetched in one request.
type GeoJSONSpec struct {
	URL      string
	RawStyle string
}

func (GeoJSONSpec) Kind() Kind         { return KindGeoJSON }
func (s GeoJSONSpec) Identity() string { return "geojson|" + s.URL + "|" + s.RawStyle }
func (GeoJSONSpec) isSpec()            {}

// MVTSpec is a vector tile source.
type MVTSpec struct {
	URL         string
	TileURL     string
	RawStyle    string
	Attribution string
}

func (MVTSpec) Kind() Kind { return KindMVT }
func (s MVTSpec) Identity() string {
	return "mvt|" + s.TileURL + "|" + s.RawStyle + "|" + s.Attribution
}
func (MVTSpec) isSpec() {}

// UnsupportedSpec is a recognized or unknown layer that never renders.
type UnsupportedSpec struct {
	Type   string
	Reason string
}

func (s UnsupportedSpec) Kind() Kind {
	if k := ParseKind(s.Type); k == KindWFS {
		return k
	}
	return KindUnknown
}
func (s UnsupportedSpec) Identity() string { return "unsupported|" + s.Type }
func (UnsupportedSpec) isSpec()            {}

// Resolve builds the Spec for a layer.
func Resolve(l Layer) Spec {
	switch l.Kind() {
	case KindWMS:
		name := l.LayerName
		if name == "" {
			name = l.Name
		}
		return WMSSpec{URL: strings.TrimSpace(l.URL), LayerName: name}
	case KindXYZ:
		attr := l.Attribution
		if attr == "" {
			attr = l.Style
		}
		return XYZSpec{URL: strings.TrimSpace(l.URL), Attribution: attr}
	case KindArcGIS:
		s := ArcGISSpec{BaseURL: NormalizeMapServerURL(l.URL), Attribution: l.Attribution}
		if s.Attribution == "" {
			s.Attribution = l.Style
		}
		if s.Attribution == "" {
			s.Attribution = "&copy; Esri"
		}
		s.Sublayer, s.HasSublayer = l.LayerID.Int()
		return s
	case KindGeoJSON:
		return GeoJSONSpec{URL: strings.TrimSpace(l.URL), RawStyle: l.Style}
	case KindMVT:
		return MVTSpec{
			URL:         strings.TrimSpace(l.URL),
			TileURL:     VectorTileTemplate(l.URL),
			RawStyle:    l.Style,
			Attribution: l.Attribution,
		}
	case KindWFS:
		return UnsupportedSpec{Type: l.Type, Reason: "wfs rendering is not implemented"}
	}
	return UnsupportedSpec{Type: l.Type, Reason: "unknown layer type"}
}

// NormalizeMapServerURL trims the URL, drops one trailing slash and appends
// /MapServer when missing.
func NormalizeMapServerURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimSuffix(u, "/")
	if !strings.HasSuffix(u, "MapServer") {
		u += "/MapServer"
	}
	return u
}

// VectorTileTemplate returns a {z}/{x}/{y} tile template for a vector tile URL.
// URLs that already contain placeholders, and .pmtiles archives, are kept as-is.
func VectorTileTemplate(raw string) string {
	u := strings.TrimSpace(raw)
	if strings.Contains(u, "{z}") || IsPMTiles(u) {
		return u
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u + "{z}/{x}/{y}.pbf"
}

// IsPMTiles reports whether a URL points at a PMTiles archive.
func IsPMTiles(raw string) bool {
	u := raw
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(strings.ToLower(u), ".pmtiles")
}
