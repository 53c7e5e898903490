// Package catalog serves map documents from the data directory. It is the
// default backend of the viewer: documents in <data-dir>/maps/ are exposed
// with the same shape the map backend returns.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-mapview/internal/backend"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// ErrNotFound is returned for unknown map ids.
var ErrNotFound = errors.New("map not found")

//go:embed sample.yml
var sample []byte

// SampleFile is the name Seed writes the sample document under.
const SampleFile = "sample.yml"

// Catalog holds the map documents of a directory.
type Catalog struct {
	dataDir string
	log     *slog.Logger

	mu   sync.RWMutex
	maps map[string]*mapdef.MapDefinition
}

// New creates a catalog over <dataDir>/maps and loads it.
func New(dataDir string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Catalog{
		dataDir: dataDir,
		log:     log.With("component", "catalog"),
		maps:    make(map[string]*mapdef.MapDefinition),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the directory documents are read from.
func (c *Catalog) Dir() string {
	return filepath.Join(c.dataDir, "maps")
}

// Reload rereads every document. Unparseable files are logged and skipped.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.Dir())
	if errors.Is(err, os.ErrNotExist) {
		c.mu.Lock()
		c.maps = make(map[string]*mapdef.MapDefinition)
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading map catalog: %w", err)
	}

	maps := make(map[string]*mapdef.MapDefinition)
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		path := filepath.Join(c.Dir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.log.Warn("skipping map document", "file", path, "error", err)
			continue
		}
		def, err := Parse(data, e.Name())
		if err != nil {
			c.log.Warn("skipping map document", "file", path, "error", err)
			continue
		}
		if _, dup := maps[def.ID.String()]; dup {
			c.log.Warn("duplicate map id", "file", path, "map", def.ID)
			continue
		}
		maps[def.ID.String()] = def
	}

	c.mu.Lock()
	c.maps = maps
	c.mu.Unlock()
	c.log.Info("map catalog loaded", "dir", c.Dir(), "maps", len(maps))
	return nil
}

// Seed writes the sample document when the catalog directory holds no
// documents.
func (c *Catalog) Seed() error {
	if c.Len() > 0 {
		return nil
	}
	if err := os.MkdirAll(c.Dir(), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.Dir(), SampleFile), sample, 0644); err != nil {
		return err
	}
	return c.Reload()
}

// Len returns the number of documents.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.maps)
}

// List returns map summaries ordered by name, then id.
func (c *Catalog) List() []mapdef.MapDefinition {
	c.mu.RLock()
	out := make([]mapdef.MapDefinition, 0, len(c.maps))
	for _, m := range c.maps {
		out = append(out, mapdef.MapDefinition{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Center:      m.Center,
			Zoom:        m.Zoom,
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a map document by id.
func (c *Catalog) Get(id string) (*mapdef.MapDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.maps[id]
	return m, ok
}

// ListMaps implements viewer.Loader.
func (c *Catalog) ListMaps(ctx context.Context) ([]mapdef.MapDefinition, error) {
	return c.List(), nil
}

// GetMap implements viewer.Loader.
func (c *Catalog) GetMap(ctx context.Context, id string) (*mapdef.MapDefinition, error) {
	m, ok := c.Get(id)
	if !ok {
		return nil, &backend.DefinitionLoadError{MapID: id, Status: 404, Message: "Map not found", Err: ErrNotFound}
	}
	return m, nil
}

// Parse decodes a JSON or YAML map document; name selects the format by
// extension. Documents without an id take one from the file name.
func Parse(data []byte, name string) (*mapdef.MapDefinition, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yml" || ext == ".yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		// Round trip through JSON so the tolerant id and center decoding applies.
		js, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		data = js
	}

	var def mapdef.MapDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if def.ID == "" {
		def.ID = mapdef.ID(generateID(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))))
	}
	if def.ID == "" {
		return nil, fmt.Errorf("parsing %s: map has no id", name)
	}
	if def.Name == "" {
		def.Name = def.ID.String()
	}
	return &def, nil
}

func isDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yml", ".yaml":
		return true
	}
	return false
}

// generateID creates a URL-safe id from a name.
func generateID(name string) string {
	id := strings.ToLower(name)
	id = strings.ReplaceAll(id, " ", "_")
	var result strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
