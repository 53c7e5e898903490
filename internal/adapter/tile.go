package adapter

import (
	"context"
	"log/slog"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// Overlay kinds produced by the adapters.
const (
	OverlayTile       = "tile"
	OverlayWMS        = "wms"
	OverlayDynamic    = "dynamic"
	OverlayVectorGrid = "vectorgrid"
	OverlayGeoJSON    = "geojson"
)

// WMS request parameters.
const (
	WMSVersion = "1.1.0"
	WMSFormat  = "image/png"
)

// BasemapKey is the overlay id of the basemap.
const BasemapKey = "basemap"

// BasemapMaxZoom is the max zoom of basemap tiles.
const BasemapMaxZoom = 19

func newWMS(b *Builder, t Target, s mapdef.WMSSpec) Adapter {
	return newOverlayAdapter(b.m, t, b.log, func(ctx context.Context) (mapview.Overlay, error) {
		if err := checkURL(s.URL); err != nil {
			return mapview.Overlay{}, err
		}
		return mapview.Overlay{
			Kind: OverlayWMS,
			URL:  s.URL,
			Params: map[string]string{
				"layers":      s.LayerName,
				"format":      WMSFormat,
				"transparent": "true",
				"version":     WMSVersion,
			},
		}, nil
	}, nil)
}

func newXYZ(b *Builder, t Target, s mapdef.XYZSpec) Adapter {
	return newOverlayAdapter(b.m, t, b.log, func(ctx context.Context) (mapview.Overlay, error) {
		if err := checkURL(s.URL); err != nil {
			return mapview.Overlay{}, err
		}
		return mapview.Overlay{
			Kind:        OverlayTile,
			URL:         s.URL,
			Attribution: s.Attribution,
		}, nil
	}, nil)
}

// NewBasemap returns the adapter for a basemap tile layer. Once attached the
// basemap is sent to the back of the paint order.
func NewBasemap(m *mapview.Map, id, tileURL, attribution string, log *slog.Logger) Adapter {
	t := Target{
		Key:     BasemapKey,
		Spec:    mapdef.XYZSpec{URL: tileURL, Attribution: attribution},
		Opacity: 1,
	}
	a := newOverlayAdapter(m, t, log, func(ctx context.Context) (mapview.Overlay, error) {
		if err := checkURL(tileURL); err != nil {
			return mapview.Overlay{}, err
		}
		return mapview.Overlay{
			Kind:        OverlayTile,
			URL:         tileURL,
			Attribution: attribution,
			MaxZoom:     BasemapMaxZoom,
			Params:      map[string]string{"basemap": id},
		}, nil
	}, nil)
	a.afterAdd = func(m *mapview.Map, id string) error {
		return m.BringToBack(id)
	}
	return a
}
