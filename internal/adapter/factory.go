package adapter

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/joeblew999/plat-mapview/internal/extension"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// Factory creates adapters for layer targets.
type Factory interface {
	New(t Target) (Adapter, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(t Target) (Adapter, error)

func (f FactoryFunc) New(t Target) (Adapter, error) { return f(t) }

// Config configures the protocol adapters built by a Builder.
type Config struct {
	// Client fetches GeoJSON documents. Nil uses a client with a 30s timeout.
	Client *http.Client
	// Budget bounds extension waits. Zero uses extension.Budget.
	Budget time.Duration
	// Floors are the MVT opacity floors. Nil uses DefaultFloors.
	Floors *Floors
	Logger *slog.Logger
}

// Builder is the default Factory. It builds protocol adapters bound to one map.
type Builder struct {
	m      *mapview.Map
	client *http.Client
	budget time.Duration
	floors Floors
	log    *slog.Logger
}

// NewBuilder creates a Builder for the given map.
func NewBuilder(m *mapview.Map, cfg Config) *Builder {
	b := &Builder{
		m:      m,
		client: cfg.Client,
		budget: cfg.Budget,
		floors: DefaultFloors,
		log:    cfg.Logger,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 30 * time.Second}
	}
	if b.budget <= 0 {
		b.budget = extension.Budget
	}
	if cfg.Floors != nil {
		b.floors = *cfg.Floors
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "adapter")
	return b
}

// New returns the adapter for t's spec. Unsupported layers return an error
// wrapping ErrUnsupported and are logged.
func (b *Builder) New(t Target) (Adapter, error) {
	switch s := t.Spec.(type) {
	case mapdef.WMSSpec:
		return newWMS(b, t, s), nil
	case mapdef.XYZSpec:
		return newXYZ(b, t, s), nil
	case mapdef.ArcGISSpec:
		return newArcGIS(b, t, s), nil
	case mapdef.MVTSpec:
		return newMVT(b, t, s), nil
	case mapdef.GeoJSONSpec:
		return newGeoJSON(b, t, s), nil
	case mapdef.UnsupportedSpec:
		if s.Kind() == mapdef.KindWFS {
			b.log.Warn("wfs layers are not rendered", "layer", t.Key)
		} else {
			b.log.Warn("unknown layer type", "layer", t.Key, "type", s.Type)
		}
		return nil, fmt.Errorf("%s (%s): %w", t.Key, s.Type, ErrUnsupported)
	}
	return nil, fmt.Errorf("%s: %w", t.Key, ErrUnsupported)
}

var placeholder = regexp.MustCompile(`\{[^}]*\}`)

// checkURL validates an absolute http(s) URL. Tile template placeholders such
// as {z} and {s} are allowed anywhere.
func checkURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty url")
	}
	u, err := url.Parse(placeholder.ReplaceAllString(raw, "0"))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want an absolute http(s) url", raw)
	}
	return nil
}
