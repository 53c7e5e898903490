package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func TestEmbeddedTemplates(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}

	html, err := r.Render("select-option", map[string]any{"Value": "carto", "Label": "Carto <Light>", "Selected": true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, `value="carto" selected`) || !strings.Contains(html, "Carto &lt;Light&gt;") {
		t.Fatalf("option=%s", html)
	}

	page := r.MustRender("viewer", map[string]any{
		"Title":   "Map viewer",
		"Session": "abc",
		"Center":  map[string]float64{"Lat": -2.5, "Lng": 118},
		"Zoom":    5,
	})
	for _, want := range []string{"<title>Map viewer</title>", "/api/v1/panel/abc/events", `const session = "abc";`} {
		if !strings.Contains(page, want) {
			t.Errorf("viewer page missing %q", want)
		}
	}
}

func TestLegendImageRemovesItselfOnError(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	html := r.MustRender("legend", map[string]any{
		"Legend": map[string]any{"Kind": "image", "ImageURL": "https://geo.example.org/wms?REQUEST=GetLegendGraphic", "Error": false},
	})
	if !strings.Contains(html, `<img src="https://geo.example.org/wms?REQUEST=GetLegendGraphic"`) {
		t.Fatalf("legend=%s", html)
	}
	if !strings.Contains(html, `onerror="this.closest('.legend').remove()"`) {
		t.Fatalf("legend image has no error handler: %s", html)
	}

	html = r.MustRender("legend", map[string]any{
		"Legend": map[string]any{"Kind": "image", "ImageURL": "https://x", "Error": true},
	})
	if strings.Contains(html, "<img") {
		t.Fatalf("failed legend rendered an image: %s", html)
	}
}

func TestUnknownTemplate(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Render("nope", nil); err == nil {
		t.Fatal("expected an error for an unknown template")
	}
}

func TestReload(t *testing.T) {
	fsys := fstest.MapFS{
		"fragments/a.html": {Data: []byte(`{{define "greet"}}hello {{.}}{{end}}`)},
		"pages/p.html":     {Data: []byte(`{{define "page"}}page{{end}}`)},
	}
	r, err := NewFS(fsys)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.MustRender("greet", "map"); got != "hello map" {
		t.Fatalf("greet=%q", got)
	}

	dir := t.TempDir()
	for name, body := range map[string]string{
		"fragments/a.html": `{{define "greet"}}hi {{.}}{{end}}`,
		"pages/p.html":     `{{define "page"}}page{{end}}`,
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Reload(dir); err != nil {
		t.Fatal(err)
	}
	if got := r.MustRender("greet", "map"); got != "hi map" {
		t.Fatalf("greet after reload=%q", got)
	}
}
