package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-mapview/internal/viewer"
)

type InfoHandler struct {
	dataDir  string
	backend  string
	sessions *viewer.Registry
}

func NewInfoHandler(dataDir, backendURL string, sessions *viewer.Registry) *InfoHandler {
	return &InfoHandler{dataDir: dataDir, backend: backendURL, sessions: sessions}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name       string   `json:"name" doc:"Service name"`
	Version    string   `json:"version" doc:"Service version"`
	DataDir    string   `json:"data_dir" doc:"Data directory path"`
	Backend    string   `json:"backend" doc:"Map definition backend URL"`
	Sessions   int      `json:"sessions" doc:"Open viewer sessions"`
	Basemaps   []string `json:"basemaps" doc:"Available basemap IDs"`
	LayerTypes []string `json:"layer_types" doc:"Rendered layer types"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	return &struct{ Body InfoBody }{Body: InfoBody{
		Name:       "plat-mapview",
		Version:    Version,
		DataDir:    h.dataDir,
		Backend:    h.backend,
		Sessions:   h.sessions.Len(),
		Basemaps:   h.sessions.Basemaps().IDs(),
		LayerTypes: []string{"wms", "xyz", "arcgis", "mvt", "geojson"},
	}}, nil
}
