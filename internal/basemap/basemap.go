// Package basemap is the catalog of background tile layers a viewer can pick
// from. The built-in catalog can be extended or overridden by a YAML file.
package basemap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Default is the basemap selected when a session starts.
const Default = "carto"

// ErrUnknown is returned for basemap ids not in the catalog.
var ErrUnknown = errors.New("unknown basemap")

// Basemap is one background tile layer.
type Basemap struct {
	ID          string `json:"id" yaml:"id" doc:"Basemap id"`
	Name        string `json:"name" yaml:"name" doc:"Display name"`
	URL         string `json:"url" yaml:"url" doc:"Tile URL template"`
	Attribution string `json:"attribution,omitempty" yaml:"attribution" doc:"Attribution HTML"`
}

// Builtin returns the built-in basemaps in display order.
func Builtin() []Basemap {
	return []Basemap{
		{
			ID:          "osm",
			Name:        "OpenStreetMap",
			URL:         "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: `&copy; <a href="http://osm.org/copyright">OpenStreetMap</a> contributors`,
		},
		{
			ID:          "google",
			Name:        "Google Satellite with Labels",
			URL:         "https://mt1.google.com/vt/lyrs=y&x={x}&y={y}&z={z}",
			Attribution: "&copy; Google",
		},
		{
			ID:          "terrain",
			Name:        "Google Terrain",
			URL:         "https://mt1.google.com/vt/lyrs=p&x={x}&y={y}&z={z}",
			Attribution: "&copy; Google",
		},
		{
			ID:          "carto",
			Name:        "CartoDB Positron",
			URL:         "https://{s}.basemaps.cartocdn.com/light_all/{z}/{x}/{y}{r}.png",
			Attribution: `&copy; <a href="https://www.openstreetmap.org/copyright">OpenStreetMap</a> contributors &copy; <a href="https://carto.com/attributions">CARTO</a>`,
		},
		{
			ID:          "esri",
			Name:        "Esri World Imagery",
			URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			Attribution: "&copy; Esri &mdash; Source: Esri, i-cubed, USDA, USGS, AEX, GeoEye, Getmapping, Aerogrid, IGN, IGP, UPR-EGP, and the GIS User Community",
		},
	}
}

// Catalog is a concurrency-safe set of basemaps.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Basemap
	order []string
}

// NewCatalog returns a catalog holding the built-in basemaps.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.set(Builtin())
	return c
}

func (c *Catalog) set(list []Basemap) {
	items := make(map[string]Basemap, len(list))
	order := make([]string, 0, len(list))
	for _, b := range list {
		if _, dup := items[b.ID]; !dup {
			order = append(order, b.ID)
		}
		items[b.ID] = b
	}
	c.mu.Lock()
	c.items = items
	c.order = order
	c.mu.Unlock()
}

// Get returns the basemap with the given id.
func (c *Catalog) Get(id string) (Basemap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.items[id]
	if !ok {
		return Basemap{}, fmt.Errorf("%q: %w", id, ErrUnknown)
	}
	return b, nil
}

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id string) bool {
	_, err := c.Get(id)
	return err == nil
}

// List returns every basemap in display order.
func (c *Catalog) List() []Basemap {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Basemap, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// IDs returns the sorted basemap ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	ids := append([]string(nil), c.order...)
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LoadFile replaces the catalog with the built-ins merged with the entries of a
// YAML file. File entries override built-ins with the same id. A missing file
// leaves only the built-ins.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.set(Builtin())
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading basemaps: %w", err)
	}
	extra, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.set(append(Builtin(), extra...))
	return nil
}

// Parse decodes a YAML list of basemaps.
func Parse(data []byte) ([]Basemap, error) {
	var list []Basemap
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing basemaps: %w", err)
	}
	for i, b := range list {
		b.ID = strings.TrimSpace(b.ID)
		if b.ID == "" || b.URL == "" {
			return nil, fmt.Errorf("basemap %d: id and url are required", i)
		}
		if b.Name == "" {
			b.Name = b.ID
		}
		list[i] = b
	}
	return list, nil
}
