package mapdef

import (
	"encoding/json"
	"testing"
)

const sampleDoc = `{
  "id": 7,
  "name": "Banjir Jakarta",
  "center": {"type": "Point", "coordinates": [106.8, -6.2]},
  "zoom": 9,
  "layer_groups": [
    {"id": "1", "name": "Base", "z_index": 0, "is_basemap": true, "layers": []},
    {"id": 2, "name": "Flood", "z_index": 1, "layers": [
      {"id": 10, "name": "Extent", "type": "WMS", "url": "https://geo.example.org/wms", "layer_name": "flood:extent", "visible": false},
      {"id": 11, "name": "Imagery", "type": "xyz", "url": "https://t.example.org/{z}/{x}/{y}.png"},
      {"id": 12, "name": "Admin", "type": "arcgismapserver", "url": "https://host/svc/", "layer_id": "3"}
    ]}
  ]
}`

func TestDecodeMapDefinition(t *testing.T) {
	var m MapDefinition
	if err := json.Unmarshal([]byte(sampleDoc), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "7" {
		t.Fatalf("id=%q, want 7", m.ID)
	}
	if got := m.ViewCenter(); got != (LatLng{Lat: -6.2, Lng: 106.8}) {
		t.Fatalf("center=%v", got)
	}
	if m.ViewZoom() != 9 {
		t.Fatalf("zoom=%d, want 9", m.ViewZoom())
	}
	layers := m.Layers()
	if len(layers) != 3 {
		t.Fatalf("layers=%d, want 3", len(layers))
	}
	if layers[0].Key() != "layer-10" || layers[0].DefaultVisible() {
		t.Fatalf("first layer key=%s visible=%v", layers[0].Key(), layers[0].DefaultVisible())
	}
	if !layers[1].DefaultVisible() {
		t.Fatal("missing visible flag must default to true")
	}
	if layers[1].PaintZIndex() != DefaultLayerZIndex {
		t.Fatalf("z=%d, want %d", layers[1].PaintZIndex(), DefaultLayerZIndex)
	}
	if _, ok := m.FindLayer("layer-12"); !ok {
		t.Fatal("layer-12 not found")
	}
}

func TestCenterEncodings(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want LatLng
	}{
		{"coordinates", `{"center":{"coordinates":[110.4,-7.8]}}`, LatLng{Lat: -7.8, Lng: 110.4}},
		{"latlng", `{"center":{"lat":-7.8,"lng":110.4}}`, LatLng{Lat: -7.8, Lng: 110.4}},
		{"missing", `{}`, DefaultCenter},
		{"partial", `{"center":{"lat":1}}`, DefaultCenter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MapDefinition
			if err := json.Unmarshal([]byte(tt.doc), &m); err != nil {
				t.Fatal(err)
			}
			if got := m.ViewCenter(); got != tt.want {
				t.Fatalf("center=%v, want %v", got, tt.want)
			}
			if m.ViewZoom() != DefaultZoom {
				t.Fatalf("zoom=%d, want %d", m.ViewZoom(), DefaultZoom)
			}
		})
	}
}

func TestNormalizeMapServerURL(t *testing.T) {
	for _, in := range []string{
		"https://host/svc/MapServer/",
		"https://host/svc/MapServer",
		"https://host/svc",
		" https://host/svc/ ",
	} {
		if got := NormalizeMapServerURL(in); got != "https://host/svc/MapServer" {
			t.Fatalf("NormalizeMapServerURL(%q)=%q", in, got)
		}
	}
}

func TestVectorTileTemplate(t *testing.T) {
	tests := map[string]string{
		"https://martin.example.org/floods":         "https://martin.example.org/floods/{z}/{x}/{y}.pbf",
		"https://martin.example.org/floods/":        "https://martin.example.org/floods/{z}/{x}/{y}.pbf",
		"https://t.example.org/{z}/{x}/{y}.mvt":     "https://t.example.org/{z}/{x}/{y}.mvt",
		"https://cdn.example.org/flood.pmtiles?v=2": "https://cdn.example.org/flood.pmtiles?v=2",
	}
	for in, want := range tests {
		if got := VectorTileTemplate(in); got != want {
			t.Fatalf("VectorTileTemplate(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestResolve(t *testing.T) {
	var m MapDefinition
	if err := json.Unmarshal([]byte(sampleDoc), &m); err != nil {
		t.Fatal(err)
	}
	layers := m.Layers()

	wms, ok := Resolve(layers[0]).(WMSSpec)
	if !ok || wms.LayerName != "flood:extent" {
		t.Fatalf("wms spec=%#v", Resolve(layers[0]))
	}

	arc, ok := Resolve(layers[2]).(ArcGISSpec)
	if !ok {
		t.Fatalf("arcgis spec=%#v", Resolve(layers[2]))
	}
	if arc.BaseURL != "https://host/svc/MapServer" || !arc.HasSublayer || arc.Sublayer != 3 {
		t.Fatalf("arcgis spec=%#v", arc)
	}
	if arc.Attribution != "&copy; Esri" {
		t.Fatalf("attribution=%q", arc.Attribution)
	}

	wfs := Resolve(Layer{ID: "9", Type: "wfs"})
	if _, ok := wfs.(UnsupportedSpec); !ok || wfs.Kind() != KindWFS {
		t.Fatalf("wfs spec=%#v", wfs)
	}
	if Resolve(Layer{Type: "kml"}).Kind() != KindUnknown {
		t.Fatal("unknown type must resolve to KindUnknown")
	}
}

func TestSublayerInt(t *testing.T) {
	tests := []struct {
		raw    string
		want   int
		wantOK bool
	}{
		{`3`, 3, true},
		{`"12"`, 12, true},
		{`"4abc"`, 4, true},
		{`""`, 0, false},
		{`null`, 0, false},
	}
	for _, tt := range tests {
		var s Sublayer
		if err := json.Unmarshal([]byte(tt.raw), &s); err != nil {
			t.Fatal(err)
		}
		got, ok := s.Int()
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("%s: got=%d,%v want %d,%v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
	var nilSub *Sublayer
	if _, ok := nilSub.Int(); ok {
		t.Fatal("nil sublayer must report no id")
	}
}

func TestParseStyle(t *testing.T) {
	st, err := ParseStyle(`{"stroke":"#ff0000","fill":"#00ff00","strokeWidth":3,"fillOpacity":0.2,"popup":false,"layers":{"roads":{"color":"#000"}}}`)
	if err != nil {
		t.Fatal(err)
	}
	if st.Color != "#ff0000" || st.FillColor != "#00ff00" || st.Weight != 3 {
		t.Fatalf("style=%#v", st)
	}
	if st.FillOpacity == nil || *st.FillOpacity != 0.2 || st.Opacity != nil {
		t.Fatalf("opacities=%v %v", st.FillOpacity, st.Opacity)
	}
	if st.Popup {
		t.Fatal("popup should be disabled")
	}
	if st.Layers["roads"]["color"] != "#000" {
		t.Fatalf("layers=%v", st.Layers)
	}

	empty, err := ParseStyle("")
	if err != nil || !empty.IsZero() || !empty.Popup {
		t.Fatalf("empty style=%#v err=%v", empty, err)
	}

	if _, err := ParseStyle("{not json"); err == nil {
		t.Fatal("expected parse error")
	}
}
