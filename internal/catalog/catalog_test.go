package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeblew999/plat-mapview/internal/backend"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "maps"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "maps", name), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(`
id: 7
name: Floods
center: {lat: -6.2, lng: 106.8}
layer_groups:
  - id: 3
    z_index: 2
    layers:
      - {id: 70, name: Extent, type: ArcGISMapServer, url: "https://h/MapServer", layer_id: "4"}
`), "floods.yml")
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "7" || def.ViewCenter() != (mapdef.LatLng{Lat: -6.2, Lng: 106.8}) {
		t.Fatalf("def=%+v", def)
	}
	l, ok := def.FindLayer("layer-70")
	if !ok || l.Kind() != mapdef.KindArcGIS {
		t.Fatalf("layer=%+v", l)
	}
	if n, ok := l.LayerID.Int(); !ok || n != 4 {
		t.Fatalf("sublayer=%v", l.LayerID)
	}
}

func TestParseDefaults(t *testing.T) {
	def, err := Parse([]byte(`{"layer_groups": []}`), "Coastal Risk.json")
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "coastal_risk" || def.Name != "coastal_risk" {
		t.Fatalf("id=%q name=%q", def.ID, def.Name)
	}
	if _, err := Parse([]byte(`{"id": [1]}`), "bad.json"); err == nil {
		t.Fatal("want error for array id")
	}
	if _, err := Parse([]byte("id: [unterminated"), "bad.yml"); err == nil {
		t.Fatal("want error for invalid YAML")
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "b.json", `{"id": 2, "name": "Beta", "layer_groups": []}`)
	write(t, dir, "a.yml", "id: 1\nname: Alpha\n")
	write(t, dir, "broken.json", `{`)
	write(t, dir, "notes.txt", "ignored")

	c, err := New(dir, quiet)
	if err != nil {
		t.Fatal(err)
	}
	list := c.List()
	if len(list) != 2 || list[0].Name != "Alpha" || list[1].Name != "Beta" {
		t.Fatalf("list=%+v", list)
	}

	def, err := c.GetMap(context.Background(), "2")
	if err != nil || def.Name != "Beta" {
		t.Fatalf("get=%+v, %v", def, err)
	}
	_, err = c.GetMap(context.Background(), "9")
	var lerr *backend.DefinitionLoadError
	if !errors.As(err, &lerr) || lerr.Status != 404 || !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want a 404 DefinitionLoadError", err)
	}

	write(t, dir, "c.json", `{"id": 3, "name": "Gamma"}`)
	if err := c.Reload(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("len=%d after reload, want 3", c.Len())
	}
}

func TestSeed(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatalf("len=%d, want empty catalog", c.Len())
	}
	if err := c.Seed(); err != nil {
		t.Fatal(err)
	}
	def, ok := c.Get("1")
	if !ok || len(def.Layers()) != 4 {
		t.Fatalf("sample=%+v", def)
	}
	for _, l := range def.Layers() {
		if _, bad := mapdef.Resolve(l).(mapdef.UnsupportedSpec); bad {
			t.Fatalf("sample layer %s has unsupported type %q", l.Key(), l.Type)
		}
	}

	// A second seed leaves existing documents alone.
	if err := c.Seed(); err != nil {
		t.Fatal(err)
	}
}
