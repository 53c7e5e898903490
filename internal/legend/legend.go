// Package legend derives what the layer panel shows as a layer's legend: a
// remote image for WMS and ArcGIS layers, a style swatch for GeoJSON layers and
// nothing for tile and vector tile layers.
package legend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// Kind is the legend representation.
type Kind string

const (
	KindNone   Kind = "none"
	KindImage  Kind = "image"
	KindSwatch Kind = "swatch"
)

// Swatch is a style sample for vector layers.
type Swatch struct {
	FillColor   string  `json:"fillColor"`
	StrokeColor string  `json:"strokeColor"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// Legend is the resolved legend of a layer. Error is set when a legend was
// expected but could not be built or loaded; the panel then shows nothing.
type Legend struct {
	Kind     Kind    `json:"kind" enum:"none,image,swatch" doc:"Legend representation"`
	ImageURL string  `json:"imageUrl,omitempty" doc:"Legend image URL"`
	Swatch   *Swatch `json:"swatch,omitempty" doc:"Style swatch for vector layers"`
	Label    string  `json:"label,omitempty" doc:"Swatch label"`
	Error    bool    `json:"error,omitempty" doc:"Legend could not be resolved"`

	Cause error `json:"-"`
}

// ResolutionError reports a legend that could not be resolved.
type ResolutionError struct {
	Layer string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("legend for %s: %v", e.Layer, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func failed(l mapdef.Layer, err error) Legend {
	return Legend{Kind: KindNone, Error: true, Cause: &ResolutionError{Layer: l.Key(), Err: err}}
}

// Resolve builds the legend for a layer. It never fails; problems are reported
// through Legend.Error and Legend.Cause.
func Resolve(l mapdef.Layer) Legend {
	switch l.Kind() {
	case mapdef.KindWMS:
		return wmsLegend(l)
	case mapdef.KindArcGIS:
		return arcgisLegend(l)
	case mapdef.KindGeoJSON:
		return swatchLegend(l)
	}
	return Legend{Kind: KindNone}
}

func wmsLegend(l mapdef.Layer) Legend {
	name := l.LayerName
	if name == "" {
		name = l.Name
	}
	if strings.TrimSpace(l.URL) == "" || name == "" {
		return Legend{Kind: KindNone}
	}
	u, err := url.Parse(strings.TrimSpace(l.URL))
	if err != nil {
		return failed(l, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return failed(l, fmt.Errorf("invalid wms url %q", l.URL))
	}

	// fixed parameter order
	q := []string{
		"SERVICE=WMS",
		"VERSION=1.1.0",
		"REQUEST=GetLegendGraphic",
		"FORMAT=" + url.QueryEscape("image/png"),
		"LAYER=" + url.QueryEscape(name),
		"TRANSPARENT=true",
	}
	origin := u.Scheme + "://" + u.Host
	return Legend{Kind: KindImage, ImageURL: origin + u.EscapedPath() + "?" + strings.Join(q, "&")}
}

func arcgisLegend(l mapdef.Layer) Legend {
	if strings.TrimSpace(l.URL) == "" {
		return Legend{Kind: KindNone}
	}
	base := mapdef.NormalizeMapServerURL(l.URL)
	if _, err := url.Parse(base); err != nil {
		return failed(l, err)
	}
	if id := l.LayerID.String(); id != "" {
		return Legend{Kind: KindImage, ImageURL: base + "/" + id + "/legend?f=png"}
	}
	return Legend{Kind: KindImage, ImageURL: base + "/legend?f=png"}
}

func swatchLegend(l mapdef.Layer) Legend {
	// unparsable styles fall back to the default swatch
	st, _ := mapdef.ParseStyle(l.Style)

	fill := st.FillColor
	if fill == "" {
		fill = st.Color
	}
	if fill == "" {
		fill = mapdef.DefaultColor
	}
	stroke := st.Color
	if stroke == "" {
		stroke = fill
	}
	width := st.Weight
	if width == 0 {
		width = mapdef.DefaultStrokeWidth
	}
	return Legend{
		Kind:   KindSwatch,
		Label:  l.Name,
		Swatch: &Swatch{FillColor: fill, StrokeColor: stroke, StrokeWidth: width},
	}
}

// Resolver resolves legends and, when verification is on, checks that legend
// images load. Verified results are cached per image URL.
type Resolver struct {
	client *http.Client
	verify bool
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]error
}

// NewResolver creates a resolver. A nil client uses a 10s timeout client.
func NewResolver(client *http.Client, verify bool, log *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		client: client,
		verify: verify,
		log:    log.With("component", "legend"),
		cache:  make(map[string]error),
	}
}

// Legend resolves the legend of l.
func (r *Resolver) Legend(ctx context.Context, l mapdef.Layer) Legend {
	lg := Resolve(l)
	if lg.Error {
		r.log.Warn("legend resolution failed", "layer", l.Key(), "error", lg.Cause)
		return lg
	}
	if !r.verify || lg.Kind != KindImage {
		return lg
	}
	if err := r.check(ctx, lg.ImageURL); err != nil {
		r.log.Debug("legend image unavailable", "layer", l.Key(), "url", lg.ImageURL, "error", err)
		return failed(l, err)
	}
	return lg
}

func (r *Resolver) check(ctx context.Context, imageURL string) error {
	r.mu.Lock()
	err, ok := r.cache[imageURL]
	r.mu.Unlock()
	if ok {
		return err
	}

	err = r.fetch(ctx, imageURL)
	if ctx.Err() != nil {
		return err
	}
	r.mu.Lock()
	r.cache[imageURL] = err
	r.mu.Unlock()
	return err
}

func (r *Resolver) fetch(ctx context.Context, imageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("legend image: %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return fmt.Errorf("legend image: unexpected content type %q", ct)
	}
	return nil
}
