package adapter

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// MaxGeoJSONBytes caps the size of a fetched GeoJSON document.
const MaxGeoJSONBytes = 64 << 20

// FetchFeatures downloads a GeoJSON document in one request. A bare Feature is
// returned as a one-feature collection.
func FetchFeatures(ctx context.Context, client *http.Client, rawURL string) (*geojson.FeatureCollection, error) {
	if err := checkURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching geojson: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching geojson: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxGeoJSONBytes))
	if err != nil {
		return nil, fmt.Errorf("reading geojson: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err == nil {
		return fc, nil
	}
	if f, ferr := geojson.UnmarshalFeature(data); ferr == nil && f.Geometry != nil {
		fc = geojson.NewFeatureCollection()
		fc.Append(f)
		return fc, nil
	}
	return nil, fmt.Errorf("decoding geojson: %w", err)
}

// newGeoJSON fetches the collection once and rebuilds the overlay style on
// every opacity change.
func newGeoJSON(b *Builder, t Target, s mapdef.GeoJSONSpec) Adapter {
	var st mapdef.Style
	build := func(ctx context.Context) (mapview.Overlay, error) {
		fc, err := FetchFeatures(ctx, b.client, s.URL)
		if err != nil {
			return mapview.Overlay{}, err
		}
		parsed, err := mapdef.ParseStyle(s.RawStyle)
		if err != nil {
			b.log.Warn("invalid geojson style, using defaults", "layer", t.Key, "error", err)
		}
		st = parsed
		return mapview.Overlay{
			Kind:     OverlayGeoJSON,
			URL:      s.URL,
			Features: fc,
			Popup:    st.Popup,
		}, nil
	}
	restyle := func(ov mapview.Overlay, opacity float64) mapview.Overlay {
		ov.Opacity = opacity
		ov.Style = featureStyle(st, opacity)
		return ov
	}
	return newOverlayAdapter(b.m, t, b.log, build, restyle)
}

// featureStyle returns the layer's own style keys, or the default stroke style.
// The requested opacity applies unless the style sets one.
func featureStyle(st mapdef.Style, opacity float64) map[string]any {
	if st.IsZero() {
		return map[string]any{
			"color":   mapdef.DefaultColor,
			"weight":  mapdef.DefaultStrokeWidth,
			"opacity": opacity,
		}
	}
	out := maps.Clone(st.Raw)
	if st.Opacity == nil {
		out["opacity"] = opacity
	}
	return out
}
