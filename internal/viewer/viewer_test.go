package viewer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/adapter/adaptertest"
	"github.com/joeblew999/plat-mapview/internal/backend"
	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/legend"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func boolPtr(b bool) *bool { return &b }

type fakeLoader struct {
	mu    sync.Mutex
	maps  map[string]*mapdef.MapDefinition
	gates map[string]chan struct{}
	done  map[string]chan struct{}
}

func newLoader(defs ...*mapdef.MapDefinition) *fakeLoader {
	l := &fakeLoader{
		maps:  make(map[string]*mapdef.MapDefinition),
		gates: make(map[string]chan struct{}),
		done:  make(map[string]chan struct{}),
	}
	for _, d := range defs {
		l.maps[d.ID.String()] = d
	}
	return l
}

func (l *fakeLoader) set(def *mapdef.MapDefinition) {
	l.mu.Lock()
	l.maps[def.ID.String()] = def
	l.mu.Unlock()
}

// block holds GetMap(id) until the returned func is called or the request is
// cancelled. The second channel closes once GetMap(id) returned.
func (l *fakeLoader) block(id string) (func(), <-chan struct{}) {
	gate, done := make(chan struct{}), make(chan struct{})
	l.mu.Lock()
	l.gates[id], l.done[id] = gate, done
	l.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }, done
}

func (l *fakeLoader) ListMaps(ctx context.Context) ([]mapdef.MapDefinition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []mapdef.MapDefinition
	for _, d := range l.maps {
		out = append(out, mapdef.MapDefinition{ID: d.ID, Name: d.Name})
	}
	return out, nil
}

func (l *fakeLoader) GetMap(ctx context.Context, id string) (*mapdef.MapDefinition, error) {
	l.mu.Lock()
	gate, done := l.gates[id], l.done[id]
	def, ok := l.maps[id]
	l.mu.Unlock()

	if done != nil {
		defer close(done)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &backend.DefinitionLoadError{MapID: id, Err: ctx.Err()}
		}
	}
	if !ok {
		return nil, &backend.DefinitionLoadError{MapID: id, Status: 404, Message: "Map not found"}
	}
	return def, nil
}

func floodMap() *mapdef.MapDefinition {
	return &mapdef.MapDefinition{
		ID:          "10",
		Name:        "Flood response",
		Description: "Inundation products",
		Zoom:        6,
		LayerGroups: []mapdef.LayerGroup{
			{ID: "1", Name: "Hazards", ZIndex: 1, Layers: []mapdef.Layer{
				{ID: "100", Name: "Flood extent", Type: "wms", URL: "https://geo.example.org/wms", LayerName: "flood", ZIndex: 20, Visible: boolPtr(false)},
				{ID: "101", Name: "Imagery", Type: "xyz", URL: "https://tiles.example.org/{z}/{x}/{y}.png", ZIndex: 10},
			}},
			{ID: "2", Name: "Other", ZIndex: 2, Layers: []mapdef.Layer{
				{ID: "102", Name: "Roads", Type: "wfs", URL: "https://geo.example.org/wfs"},
			}},
		},
	}
}

func otherMap() *mapdef.MapDefinition {
	return &mapdef.MapDefinition{ID: "20", Name: "Drought", LayerGroups: []mapdef.LayerGroup{
		{ID: "5", Name: "Index", Layers: []mapdef.Layer{
			{ID: "200", Name: "SPI", Type: "xyz", URL: "https://spi.example.org/{z}/{x}/{y}.png"},
		}},
	}}
}

type harness struct {
	loader    *fakeLoader
	mu        sync.Mutex
	factories []*adaptertest.Factory
	cfg       Config
}

func newHarness(defs ...*mapdef.MapDefinition) *harness {
	h := &harness{loader: newLoader(defs...)}
	h.cfg = Config{
		Loader:  h.loader,
		Logger:  quiet,
		Legends: legend.NewResolver(nil, false, quiet),
		Factory: func(m *mapview.Map) adapter.Factory {
			f := adaptertest.NewFactory(m)
			h.mu.Lock()
			h.factories = append(h.factories, f)
			h.mu.Unlock()
			return f
		},
	}
	return h
}

func (h *harness) factory() *adaptertest.Factory {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.factories[len(h.factories)-1]
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	s := NewSession("s1", h.cfg)
	t.Cleanup(s.Close)
	return s
}

func TestLoadAndView(t *testing.T) {
	h := newHarness(floodMap())
	s := h.session(t)

	if v := s.View(); v.Status != StatusIdle || len(v.Overlays) != 1 || v.Overlays[0].ID != adapter.BasemapKey {
		t.Fatalf("idle view=%+v, want only the basemap", v)
	}

	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	v := s.View()
	if v.Status != StatusReady || v.Map == nil || v.Map.Name != "Flood response" || v.Zoom != 6 {
		t.Fatalf("view=%+v", v)
	}
	if v.Center != mapdef.DefaultCenter || v.Basemap != basemap.Default {
		t.Fatalf("center=%v basemap=%q", v.Center, v.Basemap)
	}
	if len(v.Groups) != 2 || len(v.Groups[0].Layers) != 2 {
		t.Fatalf("groups=%+v", v.Groups)
	}

	wms := v.Groups[0].Layers[0]
	if wms.Badge != "WMS" || wms.Visible || wms.Percent != 70 || wms.Attached || wms.Adapter != "unmounted" {
		t.Fatalf("wms row=%+v", wms)
	}
	xyz := v.Groups[0].Layers[1]
	if !xyz.Visible || !xyz.Attached || xyz.Adapter != "attached" {
		t.Fatalf("xyz row=%+v", xyz)
	}
	if wfs := v.Groups[1].Layers[0]; wfs.Adapter != "none" || wfs.Attached {
		t.Fatalf("wfs row=%+v", wfs)
	}

	ids := []string{}
	for _, o := range v.Overlays {
		ids = append(ids, o.ID)
	}
	if len(ids) != 2 || ids[0] != adapter.BasemapKey || ids[1] != "layer-101" {
		t.Fatalf("overlays=%v", ids)
	}
}

func TestStoreChangesReachTheMap(t *testing.T) {
	h := newHarness(floodMap())
	s := h.session(t)
	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	if _, err := s.Toggle("layer-100"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetOpacity("layer-101", 0.25); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	if !s.Map().Has("layer-100") {
		t.Fatal("toggled layer not attached")
	}
	if ov, _ := s.Map().Get("layer-101"); ov.Opacity != 0.25 {
		t.Fatalf("opacity=%v, want 0.25", ov.Opacity)
	}
	f := h.factory()
	if f.Count(adaptertest.OpNew, "layer-101") != 1 || f.Count(adaptertest.OpAttach, "layer-101") != 1 {
		t.Fatalf("events=%+v", f.Events())
	}

	if err := s.HideAll(); err != nil {
		t.Fatal(err)
	}
	s.Settle()
	if s.Map().Len() != 1 {
		t.Fatalf("overlays=%d after hide all, want the basemap only", s.Map().Len())
	}
	if err := s.ShowAll(); err != nil {
		t.Fatal(err)
	}
	s.Settle()
	if !s.Map().Has("layer-100") || !s.Map().Has("layer-101") {
		t.Fatal("show all left layers hidden")
	}

	if _, err := s.Toggle("layer-999"); !errors.Is(err, layerstate.ErrUnknownLayer) {
		t.Fatalf("err=%v, want ErrUnknownLayer", err)
	}
}

func TestLoadError(t *testing.T) {
	h := newHarness()
	s := h.session(t)

	err := s.Load(context.Background(), "404")
	var lerr *backend.DefinitionLoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("err=%v, want DefinitionLoadError", err)
	}
	v := s.View()
	if v.Status != StatusError || v.Error == "" || v.Map != nil {
		t.Fatalf("view=%+v", v)
	}
	if _, err := s.Toggle("layer-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v, want ErrNotReady", err)
	}
}

func TestOpenReportsLoading(t *testing.T) {
	h := newHarness(floodMap())
	release, done := h.loader.block("10")
	s := h.session(t)

	s.Open("10")
	if st, _ := s.Status(); st != StatusLoading {
		t.Fatalf("status=%s, want loading", st)
	}
	release()
	<-done

	deadline := time.Now().Add(5 * time.Second)
	for {
		if st, _ := s.Status(); st == StatusReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("map never loaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSwitchMapSupersedesPendingLoad(t *testing.T) {
	h := newHarness(floodMap(), otherMap())
	s := h.session(t)
	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	_, done := h.loader.block("10")
	s.SwitchMap("10")
	if err := s.Load(context.Background(), "20"); err != nil {
		t.Fatal(err)
	}
	<-done
	s.Settle()

	v := s.View()
	if v.MapID != "20" || v.Map == nil || v.Map.Name != "Drought" {
		t.Fatalf("view=%+v, want map 20", v)
	}
	if s.Map().Has("layer-101") {
		t.Fatal("layer of the previous map still attached")
	}
	if !s.Map().Has("layer-200") {
		t.Fatal("layer of the new map missing")
	}
}

func TestReloadKeepsUnchangedAdapters(t *testing.T) {
	h := newHarness(floodMap())
	s := h.session(t)
	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	changed := floodMap()
	changed.LayerGroups[0].Layers[0].Visible = nil
	changed.LayerGroups[0].Layers[1].URL = "https://mirror.example.org/{z}/{x}/{y}.png"
	h.loader.set(changed)

	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	f := h.factory()
	if n := f.Count(adaptertest.OpNew, "layer-100"); n != 1 {
		t.Fatalf("unchanged wms rebuilt: %d constructions", n)
	}
	if n := f.Count(adaptertest.OpNew, "layer-101"); n != 2 {
		t.Fatalf("changed xyz constructions=%d, want 2", n)
	}
	if !s.Map().Has("layer-100") {
		t.Fatal("reloaded visibility not applied")
	}
}

func TestSessionBasemap(t *testing.T) {
	h := newHarness(floodMap())
	s := h.session(t)

	if err := s.SetBasemap("bing"); !errors.Is(err, basemap.ErrUnknown) {
		t.Fatalf("err=%v, want ErrUnknown", err)
	}
	if err := s.SetBasemap("esri"); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	order := s.Map().PaintOrder()
	if order[0].ID != adapter.BasemapKey || order[0].Params["basemap"] != "esri" {
		t.Fatalf("bottom overlay=%+v, want the esri basemap", order[0])
	}
}

func TestSessionZoomAndLegend(t *testing.T) {
	h := newHarness(floodMap())
	s := h.session(t)
	ctx := context.Background()
	if _, err := s.ZoomToLayer(ctx, "layer-100"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v, want ErrNotReady", err)
	}
	if err := s.Load(ctx, "10"); err != nil {
		t.Fatal(err)
	}

	v, err := s.ZoomToLayer(ctx, "layer-100")
	if err != nil || v.Zoom != 8 {
		t.Fatalf("view=%+v, %v, want zoom 8", v, err)
	}
	if _, err := s.ZoomToLayer(ctx, "layer-nope"); !errors.Is(err, layerstate.ErrUnknownLayer) {
		t.Fatalf("err=%v, want ErrUnknownLayer", err)
	}

	lg, err := s.Legend(ctx, "layer-100")
	if err != nil || lg.Kind != legend.KindImage {
		t.Fatalf("legend=%+v, %v", lg, err)
	}
	if lg, _ := s.Legend(ctx, "layer-101"); lg.Kind != legend.KindNone {
		t.Fatalf("xyz legend=%+v", lg)
	}
}

func TestCloseTearsDown(t *testing.T) {
	h := newHarness(floodMap())
	s := NewSession("s2", h.cfg)
	if err := s.Load(context.Background(), "10"); err != nil {
		t.Fatal(err)
	}
	s.Settle()

	s.Close()
	s.Close()
	if s.Map().Len() != 0 {
		t.Fatalf("overlays=%d after close", s.Map().Len())
	}
	s.Settle()
}

func TestRegistry(t *testing.T) {
	h := newHarness(floodMap())
	r := NewRegistry(h.cfg)
	defer r.Close()

	a := r.Create("")
	b := r.Create("10")
	if a.ID() == b.ID() || r.Len() != 2 {
		t.Fatalf("ids %q %q, len %d", a.ID(), b.ID(), r.Len())
	}
	if got, err := r.Get(b.ID()); err != nil || got != b {
		t.Fatalf("get=%v, %v", got, err)
	}
	if list := r.List(); len(list) != 2 {
		t.Fatalf("list=%v", list)
	}
	if err := r.Delete(a.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if err := r.Delete(a.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	maps, err := r.Maps(context.Background())
	if err != nil || len(maps) != 1 {
		t.Fatalf("maps=%v, %v", maps, err)
	}
}
