package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joeblew999/plat-mapview/internal/adapter"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	cfg.Host, cfg.Port = "localhost", "0"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestViewerPageOpensSession(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	resp := get(t, ts.URL+"/viewer")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	sessions := srv.Sessions().List()
	if len(sessions) != 1 {
		t.Fatalf("sessions=%d, want 1", len(sessions))
	}
	if !strings.Contains(string(body), "/api/v1/panel/"+sessions[0].ID()+"/events") {
		t.Fatal("page does not subscribe to its session's panel")
	}

	resp = get(t, ts.URL+"/?map=1")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/viewer?map=1" {
		t.Fatalf("root status=%d location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestLocalCatalogServesMaps(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := get(t, ts.URL+"/api/v1/maps/1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var env struct {
		Status string `json:"status"`
		Data   struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Status != "success" || env.Data.Name != "Sample hazards" {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestBackendURL(t *testing.T) {
	// A second server whose catalog acts as the remote backend.
	_, remote := newTestServer(t, Config{})
	srv, _ := newTestServer(t, Config{BackendURL: remote.URL + "/api/v1"})

	s := srv.Sessions().Create("")
	if err := s.Load(t.Context(), "1"); err != nil {
		t.Fatal(err)
	}
	if v := s.View(); v.Map == nil || v.Map.Name != "Sample hazards" {
		t.Fatalf("view=%+v", v)
	}
}

func TestSessionLinks(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", strings.NewReader(`{"mapId":"1","wait":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	links := strings.Join(resp.Header.Values("Link"), ",")
	for _, rel := range []string{`rel="delete"`, `rel="show-all"`} {
		if !strings.Contains(links, rel) {
			t.Errorf("Link headers %q missing %s", links, rel)
		}
	}
}

func TestDefaultBasemapMustExist(t *testing.T) {
	_, err := New(Config{DataDir: t.TempDir(), DefaultBasemap: "nope", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err == nil {
		t.Fatal("expected an error for an unknown default basemap")
	}
}

func TestBasemapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "basemaps.yml")
	yml := "- id: local\n  name: Local tiles\n  url: http://localhost/tiles/{z}/{x}/{y}.png\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, Config{Basemaps: path, DefaultBasemap: "local"})

	var list []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(get(t, ts.URL+"/api/v1/basemaps").Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, b := range list {
		found = found || b.ID == "local"
	}
	if !found {
		t.Fatalf("basemaps=%+v, want local", list)
	}
}

func TestTilesCORS(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "tiles"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "tiles", "roads.pmtiles"), []byte("PMTiles"), 0644); err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, Config{DataDir: dataDir})

	resp := get(t, ts.URL+"/tiles/roads.pmtiles")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("status=%d headers=%v", resp.StatusCode, resp.Header)
	}
}

func TestOpenAPI(t *testing.T) {
	srv, _ := newTestServer(t, Config{})
	doc := srv.OpenAPI()
	for _, p := range []string{"/api/v1/sessions", "/api/v1/sessions/{id}/layers/{key}/toggle", "/api/v1/panel/{session}/events", "/api/v1/info"} {
		if doc.Paths[p] == nil {
			t.Errorf("OpenAPI missing %s", p)
		}
	}
}

func TestFloorsReachVectorTiles(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataDir, "maps"), 0755); err != nil {
		t.Fatal(err)
	}
	yml := `id: 7
name: Roads
layer_groups:
  - id: 1
    name: Transport
    layers:
      - id: 1
        name: Roads
        type: mvt
        url: https://tiles.example.com/roads
`
	if err := os.WriteFile(filepath.Join(dataDir, "maps", "roads.yml"), []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestServer(t, Config{DataDir: dataDir, Floors: &adapter.Floors{FillScale: 0.5, Fill: 0.8, Stroke: 0.7}})

	s := srv.Sessions().Create("")
	if err := s.Load(t.Context(), "7"); err != nil {
		t.Fatal(err)
	}
	s.Settle()
	ov, ok := s.Map().Get("layer-1")
	if !ok {
		t.Fatal("vector tile layer not on the map")
	}
	// layers start at 0.7, so the default floors would give a 0.35 fill
	if ov.FillOpacity != 0.8 || ov.StrokeOpacity != 0.7 {
		t.Fatalf("fill=%v stroke=%v, want the configured fill floor", ov.FillOpacity, ov.StrokeOpacity)
	}
}
