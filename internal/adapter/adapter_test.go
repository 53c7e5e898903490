package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeblew999/plat-mapview/internal/extension"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const featureDoc = `{"type":"FeatureCollection","features":[
  {"type":"Feature","properties":{"name":"a"},"geometry":{"type":"Point","coordinates":[106.8,-6.2]}},
  {"type":"Feature","properties":{"name":"b"},"geometry":{"type":"Point","coordinates":[107.6,-6.9]}}
]}`

// geojsonServer serves featureDoc and counts requests.
func geojsonServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/geo+json")
		fmt.Fprint(w, featureDoc)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestBuilder(m *mapview.Map) *Builder {
	return NewBuilder(m, Config{Budget: 30 * time.Millisecond, Logger: quiet})
}

func target(key string, spec mapdef.Spec) Target {
	return Target{Key: key, Spec: spec, GroupZIndex: 1, ZIndex: 100, Opacity: 0.7}
}

func TestDetachIsIdempotent(t *testing.T) {
	srv, _ := geojsonServer(t)
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	b := newTestBuilder(m)

	specs := map[string]mapdef.Spec{
		"layer-1": mapdef.WMSSpec{URL: "https://geo.example.org/wms", LayerName: "flood"},
		"layer-2": mapdef.XYZSpec{URL: "https://t.example.org/{z}/{x}/{y}.png"},
		"layer-3": mapdef.ArcGISSpec{BaseURL: "https://host/svc/MapServer"},
		"layer-4": mapdef.MVTSpec{URL: "https://t.example.org/v", TileURL: "https://t.example.org/v/{z}/{x}/{y}.pbf"},
		"layer-5": mapdef.GeoJSONSpec{URL: srv.URL},
	}
	for key, spec := range specs {
		a, err := b.New(target(key, spec))
		if err != nil {
			t.Fatal(err)
		}
		// never attached
		a.Detach()
		a.Detach()
		if a.State() != Unmounted {
			t.Fatalf("%s: state=%s, want unmounted", key, a.State())
		}

		if err := a.Attach(context.Background()); err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		a.Detach()
		a.Detach()
		if a.State() != Detached || m.Has(key) {
			t.Fatalf("%s: state=%s attached=%v", key, a.State(), m.Has(key))
		}
	}
	if m.Len() != 0 {
		t.Fatalf("overlays=%d, want 0", m.Len())
	}
}

func TestOpacityChangesReuseOverlay(t *testing.T) {
	srv, hits := geojsonServer(t)
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	a, err := newTestBuilder(m).New(target("layer-9", mapdef.GeoJSONSpec{URL: srv.URL}))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 10; i++ {
		a.SetOpacity(float64(i) / 10)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("fetches=%d, want 1", got)
	}
	ov, ok := m.Get("layer-9")
	if !ok {
		t.Fatal("overlay detached by opacity change")
	}
	if ov.Opacity != 1 || ov.Style["opacity"] != 1.0 {
		t.Fatalf("opacity=%v style=%v", ov.Opacity, ov.Style)
	}
	if len(ov.Features.Features) != 2 {
		t.Fatalf("features=%d, want 2", len(ov.Features.Features))
	}
}

func TestVisibilityToggleReusesOverlay(t *testing.T) {
	srv, hits := geojsonServer(t)
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	a, _ := newTestBuilder(m).New(target("layer-9", mapdef.GeoJSONSpec{URL: srv.URL}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := a.Attach(ctx); err != nil {
			t.Fatal(err)
		}
		a.Detach()
	}
	a.SetOpacity(0.25)
	if err := a.Attach(ctx); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("fetches=%d, want 1", got)
	}
	if ov, _ := m.Get("layer-9"); ov.Opacity != 0.25 {
		t.Fatalf("opacity=%v, want 0.25 applied on re-attach", ov.Opacity)
	}
}

func TestMVTFloors(t *testing.T) {
	tests := []struct {
		o, fill, stroke float64
	}{
		{0, 0.3, 0.7},
		{0.2, 0.3, 0.7},
		{0.7, 0.35, 0.7},
		{0.9, 0.45, 0.9},
		{1, 0.5, 1},
	}
	for _, tt := range tests {
		fill, stroke := DefaultFloors.Apply(tt.o, mapdef.Style{})
		if !near(fill, tt.fill) || !near(stroke, tt.stroke) {
			t.Fatalf("o=%v: fill=%v stroke=%v, want %v %v", tt.o, fill, stroke, tt.fill, tt.stroke)
		}
	}

	fill, stroke := NoFloors.Apply(0.2, mapdef.Style{})
	if !near(fill, 0.1) || !near(stroke, 0.2) {
		t.Fatalf("no floors: fill=%v stroke=%v", fill, stroke)
	}

	st, _ := mapdef.ParseStyle(`{"fillOpacity":0.05,"opacity":0.1}`)
	fill, stroke = DefaultFloors.Apply(0.9, st)
	if fill != 0.05 || stroke != 0.1 {
		t.Fatalf("explicit style: fill=%v stroke=%v", fill, stroke)
	}
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestMVTAdapter(t *testing.T) {
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	spec := mapdef.Resolve(mapdef.Layer{ID: "4", Type: "mvt", URL: "https://martin.example.org/floods", Style: `{"fill":"#ff0000","layers":{"roads":{"color":"#000"}}}`})
	a, err := newTestBuilder(m).New(target("layer-4", spec))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.SetOpacity(0.1)

	ov, _ := m.Get("layer-4")
	if ov.URL != "https://martin.example.org/floods/{z}/{x}/{y}.pbf" {
		t.Fatalf("url=%q", ov.URL)
	}
	if ov.FillOpacity != 0.3 || ov.StrokeOpacity != 0.7 {
		t.Fatalf("fill=%v stroke=%v, want floors", ov.FillOpacity, ov.StrokeOpacity)
	}
	def := ov.Style["default"].(map[string]any)
	if def["fillColor"] != "#ff0000" || def["color"] != mapdef.DefaultColor {
		t.Fatalf("default style=%v", def)
	}
	if _, ok := ov.Style["roads"]; !ok {
		t.Fatalf("missing per-layer style: %v", ov.Style)
	}
	if !ov.Popup || ov.MaxZoom != MVTMaxZoom {
		t.Fatalf("popup=%v maxZoom=%d", ov.Popup, ov.MaxZoom)
	}
}

func TestMVTMalformedStyleFallsBack(t *testing.T) {
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	spec := mapdef.MVTSpec{TileURL: "https://t.example.org/{z}/{x}/{y}.pbf", RawStyle: "{oops"}
	a, _ := newTestBuilder(m).New(target("layer-4", spec))
	if err := a.Attach(context.Background()); err != nil {
		t.Fatalf("malformed style must not fail the layer: %v", err)
	}
	ov, _ := m.Get("layer-4")
	if ov.Style["default"].(map[string]any)["fillColor"] != mapdef.DefaultColor {
		t.Fatalf("style=%v", ov.Style)
	}
}

func TestArcGISWaitsForExtension(t *testing.T) {
	reg := extension.NewRegistry()
	m := mapview.New(mapdef.DefaultCenter, 5, reg)
	spec := mapdef.Resolve(mapdef.Layer{ID: "3", Type: "mapserver", URL: "https://host/svc/", LayerID: mapdef.NewSublayer(7)})
	a, _ := newTestBuilder(m).New(target("layer-3", spec))

	err := a.Attach(context.Background())
	var cerr *ConstructionError
	if !errors.As(err, &cerr) || !errors.Is(err, extension.ErrTimeout) {
		t.Fatalf("err=%v, want ConstructionError wrapping ErrTimeout", err)
	}
	if a.State() != Unmounted || m.Has("layer-3") {
		t.Fatalf("state=%s attached=%v", a.State(), m.Has("layer-3"))
	}

	// the extension arrives later; the next attach succeeds
	reg.MarkReady(extension.Esri)
	if err := a.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	ov, _ := m.Get("layer-3")
	if ov.URL != "https://host/svc/MapServer" || ov.Params["layers"] != "7" || ov.Kind != OverlayDynamic {
		t.Fatalf("overlay=%+v", ov)
	}
	if ov.Attribution != "&copy; Esri" {
		t.Fatalf("attribution=%q", ov.Attribution)
	}
}

func TestWMSParams(t *testing.T) {
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	a, _ := newTestBuilder(m).New(target("layer-1", mapdef.WMSSpec{URL: "https://geo.example.org/wms", LayerName: "flood:extent"}))
	if err := a.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	ov, _ := m.Get("layer-1")
	want := map[string]string{"layers": "flood:extent", "format": "image/png", "transparent": "true", "version": "1.1.0"}
	for k, v := range want {
		if ov.Params[k] != v {
			t.Fatalf("param %s=%q, want %q", k, ov.Params[k], v)
		}
	}
	if ov.Opacity != 0.7 || ov.GroupZIndex != 1 || ov.ZIndex != 100 {
		t.Fatalf("overlay=%+v", ov)
	}
}

func TestBasemapGoesToBack(t *testing.T) {
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	a, _ := newTestBuilder(m).New(Target{Key: "layer-1", Spec: mapdef.XYZSpec{URL: "https://t.example.org/{z}/{x}/{y}.png"}, ZIndex: -50})
	if err := a.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	base := NewBasemap(m, "carto", "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}{r}.png", "&copy; CARTO", quiet)
	if err := base.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	order := m.PaintOrder()
	if order[0].ID != BasemapKey || !order[0].Back || order[0].MaxZoom != BasemapMaxZoom {
		t.Fatalf("order=%+v", order)
	}
}

func TestStaleAttachIsDiscarded(t *testing.T) {
	srv, _ := geojsonServer(t)
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	live := atomic.Bool{}
	tg := target("layer-5", mapdef.GeoJSONSpec{URL: srv.URL})
	tg.Current = live.Load

	a, _ := newTestBuilder(m).New(tg)
	if err := a.Attach(context.Background()); !errors.Is(err, ErrStale) {
		t.Fatalf("err=%v, want ErrStale", err)
	}
	if m.Has("layer-5") {
		t.Fatal("stale features applied to the map")
	}
}

func TestConstructionFailures(t *testing.T) {
	m := mapview.New(mapdef.DefaultCenter, 5, nil)
	b := newTestBuilder(m)

	a, _ := b.New(target("layer-2", mapdef.XYZSpec{URL: "not a url"}))
	var cerr *ConstructionError
	if err := a.Attach(context.Background()); !errors.As(err, &cerr) || cerr.Key != "layer-2" {
		t.Fatalf("err=%v, want ConstructionError", err)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	a, _ = b.New(target("layer-5", mapdef.GeoJSONSpec{URL: broken.URL}))
	if err := a.Attach(context.Background()); !errors.As(err, &cerr) {
		t.Fatalf("err=%v, want ConstructionError", err)
	}
	if a.State() != Unmounted {
		t.Fatalf("state=%s, want unmounted", a.State())
	}

	if _, err := b.New(target("layer-6", mapdef.Resolve(mapdef.Layer{ID: "6", Type: "wfs"}))); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err=%v, want ErrUnsupported", err)
	}
}

func TestFetchFeaturesSingleFeature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[1,2]}}`)
	}))
	defer srv.Close()

	fc, err := FetchFeatures(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features=%d, want 1", len(fc.Features))
	}
}
