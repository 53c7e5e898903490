package adapter

import (
	"context"
	"strconv"

	"github.com/joeblew999/plat-mapview/internal/extension"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
	"github.com/joeblew999/plat-mapview/internal/mapview"
)

// newArcGIS renders a MapServer as a dynamic layer. It needs the esri extension
// and fails once the wait budget is spent.
func newArcGIS(b *Builder, t Target, s mapdef.ArcGISSpec) Adapter {
	return newOverlayAdapter(b.m, t, b.log, func(ctx context.Context) (mapview.Overlay, error) {
		if err := checkURL(s.BaseURL); err != nil {
			return mapview.Overlay{}, err
		}
		if err := b.m.Extensions().Get(extension.Esri).Wait(ctx, b.budget); err != nil {
			return mapview.Overlay{}, err
		}
		ov := mapview.Overlay{
			Kind:        OverlayDynamic,
			URL:         s.BaseURL,
			Attribution: s.Attribution,
			Params:      map[string]string{"useCors": "true"},
		}
		if s.HasSublayer {
			ov.Params["layers"] = strconv.Itoa(s.Sublayer)
		}
		return ov, nil
	}, nil)
}
