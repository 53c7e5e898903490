package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// Envelope is the response wrapper of the map backend.
type Envelope[T any] struct {
	Status string `json:"status" example:"success" doc:"Outcome"`
	Code   int    `json:"code" example:"200" doc:"HTTP status code"`
	Data   T      `json:"data" doc:"Payload"`
}

func ok[T any](data T) Envelope[T] {
	return Envelope[T]{Status: "success", Code: http.StatusOK, Data: data}
}

type MapIDInput struct {
	ID string `path:"id" doc:"Map ID" example:"1"`
}

// RegisterCatalog registers the read-only map catalog in the backend's
// wire format. It is a no-op when the server hosts no catalog.
func (h *Handler) RegisterCatalog(api huma.API) {
	if h.catalog == nil {
		return
	}
	huma.Get(api, "/api/v1/maps", h.ListMaps, huma.OperationTags("maps"))
	huma.Get(api, "/api/v1/maps/{id}", h.GetMap, huma.OperationTags("maps"))
}

func (h *Handler) ListMaps(ctx context.Context, input *struct{}) (*struct {
	Body Envelope[[]mapdef.MapDefinition]
}, error) {
	return &struct {
		Body Envelope[[]mapdef.MapDefinition]
	}{Body: ok(h.catalog.List())}, nil
}

func (h *Handler) GetMap(ctx context.Context, input *MapIDInput) (*struct {
	Body Envelope[*mapdef.MapDefinition]
}, error) {
	def, err := h.catalog.GetMap(ctx, input.ID)
	if err != nil {
		return nil, problem(err)
	}
	return &struct {
		Body Envelope[*mapdef.MapDefinition]
	}{Body: ok(def)}, nil
}
