package basemap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuiltin(t *testing.T) {
	c := NewCatalog()
	ids := []string{"osm", "google", "terrain", "carto", "esri"}
	list := c.List()
	if len(list) != len(ids) {
		t.Fatalf("len=%d, want %d", len(list), len(ids))
	}
	for i, id := range ids {
		if list[i].ID != id {
			t.Fatalf("list[%d]=%q, want %q", i, list[i].ID, id)
		}
	}
	b, err := c.Get(Default)
	if err != nil || b.Name != "CartoDB Positron" {
		t.Fatalf("default=%+v, %v", b, err)
	}
	if _, err := c.Get("bing"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err=%v, want ErrUnknown", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "basemaps.yml")
	os.WriteFile(path, []byte(`
- id: topo
  url: https://tiles.example.org/topo/{z}/{x}/{y}.png
  attribution: Example
- id: osm
  name: OSM (mirror)
  url: https://osm.example.org/{z}/{x}/{y}.png
`), 0o644)

	c := NewCatalog()
	if err := c.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	topo, err := c.Get("topo")
	if err != nil || topo.Name != "topo" {
		t.Fatalf("topo=%+v, %v", topo, err)
	}
	osm, _ := c.Get("osm")
	if osm.URL != "https://osm.example.org/{z}/{x}/{y}.png" {
		t.Fatalf("osm url=%q, want override", osm.URL)
	}
	if len(c.List()) != 6 {
		t.Fatalf("len=%d, want 6", len(c.List()))
	}

	if err := c.LoadFile(filepath.Join(dir, "missing.yml")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if c.Has("topo") {
		t.Fatal("missing file should reset to built-ins")
	}
}

func TestParseRejectsIncomplete(t *testing.T) {
	if _, err := Parse([]byte("- id: x\n")); err == nil {
		t.Fatal("basemap without url accepted")
	}
	if _, err := Parse([]byte("{not a list")); err == nil {
		t.Fatal("invalid yaml accepted")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "basemaps.yml")
	os.WriteFile(path, []byte("[]\n"), 0o644)

	c := NewCatalog()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 8)
	if err := c.Watch(ctx, path, nil, func() { reloaded <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(path, []byte("- id: night\n  url: https://night.example.org/{z}/{x}/{y}.png\n"), 0o644)

	deadline := time.After(5 * time.Second)
	for !c.Has("night") {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("catalog was not reloaded")
		}
	}
}
