// Package api defines the Huma REST routes of the map viewer.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-mapview/internal/adapter"
	"github.com/joeblew999/plat-mapview/internal/backend"
	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/catalog"
	"github.com/joeblew999/plat-mapview/internal/compose"
	"github.com/joeblew999/plat-mapview/internal/humastar"
	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/legend"
	"github.com/joeblew999/plat-mapview/internal/viewer"
)

// Version is the API version reported by /health and /api/v1/info.
const Version = "1.0.0"

// Types

type SessionInput struct {
	ID string `path:"id" doc:"Session ID" example:"5f0c6a2e-1d2b-4c1e-9a57-0b7f3c1d9e21"`
}

type LayerInput struct {
	SessionInput
	Key string `path:"key" doc:"Layer key" example:"layer-101"`
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}

// SessionBody is a session snapshot with the actions its state allows.
type SessionBody struct {
	viewer.View
}

var (
	sessionDelete = humastar.ActionDef{Rel: "delete", Pattern: "/api/v1/sessions/{session}", Method: http.MethodDelete, Title: "Close session"}
	sessionMap    = humastar.ActionDef{Rel: "switch-map", Pattern: "/api/v1/sessions/{session}/map", Method: http.MethodPut, Title: "Load a map"}
	sessionShow   = humastar.ActionDef{Rel: "show-all", Pattern: "/api/v1/sessions/{session}/layers/show-all", Method: http.MethodPost, Title: "Show all layers"}
	sessionHide   = humastar.ActionDef{Rel: "hide-all", Pattern: "/api/v1/sessions/{session}/layers/hide-all", Method: http.MethodPost, Title: "Hide all layers"}
	layerShow     = humastar.ActionDef{Rel: "show", Pattern: "/api/v1/sessions/{session}/layers/{key}/toggle", Method: http.MethodPost, Title: "Show layer"}
	layerHide     = humastar.ActionDef{Rel: "hide", Pattern: "/api/v1/sessions/{session}/layers/{key}/toggle", Method: http.MethodPost, Title: "Hide layer"}
	layerOpacity  = humastar.ActionDef{Rel: "opacity", Pattern: "/api/v1/sessions/{session}/layers/{key}/opacity", Method: http.MethodPut, Title: "Set opacity"}
	layerZoom     = humastar.ActionDef{Rel: "zoom", Pattern: "/api/v1/sessions/{session}/layers/{key}/zoom", Method: http.MethodPost, Title: "Zoom to layer"}
)

func (b SessionBody) Actions() []humastar.Action {
	defs := []humastar.ActionDef{sessionDelete, sessionMap}
	if b.Status == viewer.StatusReady {
		defs = append(defs, sessionShow, sessionHide)
	}
	return humastar.ActionsFor(map[string]string{"session": b.Session}, defs...)
}

// LayerBody is a layer row with the actions its state allows.
type LayerBody struct {
	viewer.LayerView
	Session string `json:"session" doc:"Owning session"`
}

func (b LayerBody) Actions() []humastar.Action {
	toggle := layerShow
	if b.Visible {
		toggle = layerHide
	}
	return humastar.ActionsFor(map[string]string{"session": b.Session, "key": b.Key}, toggle, layerOpacity, layerZoom)
}

// SessionSummary is an entry of the session list.
type SessionSummary struct {
	ID      string        `json:"id" doc:"Session ID"`
	MapID   string        `json:"mapId,omitempty" doc:"Shown map"`
	Status  viewer.Status `json:"status" enum:"idle,loading,ready,error" doc:"Load status"`
	Created string        `json:"created" format:"date-time" doc:"Creation time"`
}

type CreateSessionBody struct {
	MapID string `json:"mapId,omitempty" doc:"Map to open" example:"1"`
	Wait  bool   `json:"wait,omitempty" doc:"Wait for the map definition before responding"`
}

type SwitchMapBody struct {
	MapID string `json:"mapId" required:"true" minLength:"1" doc:"Map to show" example:"1"`
	Async bool   `json:"async,omitempty" doc:"Return at once with status loading"`
}

type VisibilityBody struct {
	Visible bool `json:"visible" doc:"Whether the layer is shown"`
}

type OpacityBody struct {
	Opacity float64 `json:"opacity" minimum:"0" maximum:"1" doc:"Layer opacity (0-1)" example:"0.7"`
}

type BasemapBody struct {
	ID string `json:"id" required:"true" minLength:"1" doc:"Basemap ID" example:"carto"`
}

type ViewportBody struct {
	Width  int `json:"width" minimum:"1" doc:"Map width in pixels" example:"1024"`
	Height int `json:"height" minimum:"1" doc:"Map height in pixels" example:"768"`
}

// Handler holds the REST handlers. Methods named Register* are discovered by
// huma.AutoRegister.
type Handler struct {
	sessions *viewer.Registry
	catalog  *catalog.Catalog
}

// NewHandler creates the REST handlers. cat may be nil when the server does
// not host a map catalog.
func NewHandler(sessions *viewer.Registry, cat *catalog.Catalog) *Handler {
	return &Handler{sessions: sessions, catalog: cat}
}

// problem maps domain errors onto HTTP errors.
func problem(err error) error {
	var lerr *backend.DefinitionLoadError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, viewer.ErrNotFound):
		return huma.Error404NotFound("session not found", err)
	case errors.Is(err, layerstate.ErrUnknownLayer):
		return huma.Error404NotFound("layer not found", err)
	case errors.Is(err, catalog.ErrNotFound):
		return huma.Error404NotFound("Map not found", err)
	case errors.Is(err, basemap.ErrUnknown):
		return huma.Error422UnprocessableEntity("unknown basemap", err)
	case errors.Is(err, viewer.ErrNotReady), errors.Is(err, viewer.ErrSuperseded), errors.Is(err, adapter.ErrStale):
		return huma.Error409Conflict(err.Error())
	case errors.As(err, &lerr):
		return huma.Error502BadGateway(lerr.Error(), err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("request cancelled", err)
	}
	return huma.Error500InternalServerError("internal error", err)
}

func (h *Handler) session(id string) (*viewer.Session, error) {
	s, err := h.sessions.Get(id)
	if err != nil {
		return nil, problem(err)
	}
	return s, nil
}

// RegisterHealth registers health check routes.
func (h *Handler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterBasemaps registers the basemap catalog route.
func (h *Handler) RegisterBasemaps(api huma.API) {
	huma.Get(api, "/api/v1/basemaps", h.GetBasemaps, huma.OperationTags("basemaps"))
}

// RegisterSessions registers session lifecycle routes.
func (h *Handler) RegisterSessions(api huma.API) {
	huma.Get(api, "/api/v1/sessions", h.ListSessions, huma.OperationTags("sessions"))
	huma.Post(api, "/api/v1/sessions", h.CreateSession, huma.OperationTags("sessions"), func(o *huma.Operation) {
		o.DefaultStatus = http.StatusCreated
	})
	huma.Get(api, "/api/v1/sessions/{id}", h.GetSession, huma.OperationTags("sessions"))
	huma.Delete(api, "/api/v1/sessions/{id}", h.DeleteSession, huma.OperationTags("sessions"))
	huma.Put(api, "/api/v1/sessions/{id}/map", h.PutMap, huma.OperationTags("sessions"))
	huma.Put(api, "/api/v1/sessions/{id}/basemap", h.PutBasemap, huma.OperationTags("sessions"))
	huma.Put(api, "/api/v1/sessions/{id}/viewport", h.PutViewport, huma.OperationTags("sessions"))
	huma.Get(api, "/api/v1/viewer/maps", h.ListViewerMaps, huma.OperationTags("sessions"))
}

// RegisterLayers registers layer state routes.
func (h *Handler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/sessions/{id}/layers", h.ListLayers, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/sessions/{id}/layers/show-all", h.ShowAll, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/sessions/{id}/layers/hide-all", h.HideAll, huma.OperationTags("layers"))
	huma.Get(api, "/api/v1/sessions/{id}/layers/{key}", h.GetLayer, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/sessions/{id}/layers/{key}/toggle", h.ToggleLayer, huma.OperationTags("layers"))
	huma.Put(api, "/api/v1/sessions/{id}/layers/{key}/visibility", h.PutVisibility, huma.OperationTags("layers"))
	huma.Put(api, "/api/v1/sessions/{id}/layers/{key}/opacity", h.PutOpacity, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/sessions/{id}/layers/{key}/zoom", h.ZoomToLayer, huma.OperationTags("layers"))
	huma.Get(api, "/api/v1/sessions/{id}/layers/{key}/legend", h.GetLegend, huma.OperationTags("layers"))
}

// Handlers

func (h *Handler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version}}, nil
}

func (h *Handler) GetBasemaps(ctx context.Context, input *struct{}) (*struct{ Body []basemap.Basemap }, error) {
	return &struct{ Body []basemap.Basemap }{Body: h.sessions.Basemaps().List()}, nil
}

func (h *Handler) ListSessions(ctx context.Context, input *humastar.PageInput) (*struct {
	Body humastar.PageBody[SessionSummary]
}, error) {
	var out []SessionSummary
	for _, s := range h.sessions.List() {
		status, _ := s.Status()
		out = append(out, SessionSummary{
			ID:      s.ID(),
			MapID:   s.MapID(),
			Status:  status,
			Created: s.Created().UTC().Format(time.RFC3339),
		})
	}
	return &struct {
		Body humastar.PageBody[SessionSummary]
	}{Body: humastar.Page(out, *input)}, nil
}

func (h *Handler) CreateSession(ctx context.Context, input *struct{ Body *CreateSessionBody }) (*struct{ Body SessionBody }, error) {
	var req CreateSessionBody
	if input.Body != nil {
		req = *input.Body
	}

	var s *viewer.Session
	if req.Wait && req.MapID != "" {
		s = h.sessions.Create("")
		// A failed load leaves the session in status error; the view reports it.
		_ = s.Load(ctx, req.MapID)
	} else {
		s = h.sessions.Create(req.MapID)
	}
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) GetSession(ctx context.Context, input *SessionInput) (*struct{ Body SessionBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) DeleteSession(ctx context.Context, input *SessionInput) (*struct{}, error) {
	if err := h.sessions.Delete(input.ID); err != nil {
		return nil, problem(err)
	}
	return nil, nil
}

func (h *Handler) PutMap(ctx context.Context, input *struct {
	SessionInput
	Body SwitchMapBody
}) (*struct{ Body SessionBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if input.Body.Async {
		s.SwitchMap(input.Body.MapID)
	} else if err := s.Load(ctx, input.Body.MapID); err != nil {
		return nil, problem(err)
	}
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) PutBasemap(ctx context.Context, input *struct {
	SessionInput
	Body BasemapBody
}) (*struct{ Body SessionBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.SetBasemap(input.Body.ID); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) PutViewport(ctx context.Context, input *struct {
	SessionInput
	Body ViewportBody
}) (*struct{}, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	s.SetViewport(input.Body.Width, input.Body.Height)
	return nil, nil
}

func (h *Handler) ListViewerMaps(ctx context.Context, input *struct{}) (*struct{ Body []viewer.MapInfo }, error) {
	maps, err := h.sessions.Maps(ctx)
	if err != nil {
		return nil, problem(err)
	}
	out := make([]viewer.MapInfo, 0, len(maps))
	for _, m := range maps {
		out = append(out, viewer.MapInfo{ID: m.ID.String(), Name: m.Name, Description: m.Description})
	}
	return &struct{ Body []viewer.MapInfo }{Body: out}, nil
}

func (h *Handler) ListLayers(ctx context.Context, input *SessionInput) (*struct{ Body []viewer.LayerView }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	out := []viewer.LayerView{}
	for _, g := range s.View().Groups {
		out = append(out, g.Layers...)
	}
	return &struct{ Body []viewer.LayerView }{Body: out}, nil
}

func (h *Handler) layer(s *viewer.Session, key string) (*struct{ Body LayerBody }, error) {
	for _, g := range s.View().Groups {
		for _, l := range g.Layers {
			if l.Key == key {
				return &struct{ Body LayerBody }{Body: LayerBody{LayerView: l, Session: s.ID()}}, nil
			}
		}
	}
	if _, err := s.Layer(key); err != nil {
		return nil, problem(err)
	}
	return nil, huma.Error404NotFound("layer not found")
}

func (h *Handler) GetLayer(ctx context.Context, input *LayerInput) (*struct{ Body LayerBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	return h.layer(s, input.Key)
}

func (h *Handler) ToggleLayer(ctx context.Context, input *LayerInput) (*struct{ Body LayerBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Toggle(input.Key); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return h.layer(s, input.Key)
}

func (h *Handler) PutVisibility(ctx context.Context, input *struct {
	LayerInput
	Body VisibilityBody
}) (*struct{ Body LayerBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.SetVisibility(input.Key, input.Body.Visible); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return h.layer(s, input.Key)
}

func (h *Handler) PutOpacity(ctx context.Context, input *struct {
	LayerInput
	Body OpacityBody
}) (*struct{ Body LayerBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.SetOpacity(input.Key, input.Body.Opacity); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return h.layer(s, input.Key)
}

func (h *Handler) ShowAll(ctx context.Context, input *SessionInput) (*struct{ Body SessionBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.ShowAll(); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) HideAll(ctx context.Context, input *SessionInput) (*struct{ Body SessionBody }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	if err := s.HideAll(); err != nil {
		return nil, problem(err)
	}
	s.Settle()
	return &struct{ Body SessionBody }{Body: SessionBody{s.View()}}, nil
}

func (h *Handler) ZoomToLayer(ctx context.Context, input *LayerInput) (*struct{ Body compose.View }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	v, err := s.ZoomToLayer(ctx, input.Key)
	if err != nil {
		return nil, problem(err)
	}
	return &struct{ Body compose.View }{Body: v}, nil
}

func (h *Handler) GetLegend(ctx context.Context, input *LayerInput) (*struct{ Body legend.Legend }, error) {
	s, err := h.session(input.ID)
	if err != nil {
		return nil, err
	}
	lg, err := s.Legend(ctx, input.Key)
	if err != nil {
		return nil, problem(err)
	}
	return &struct{ Body legend.Legend }{Body: lg}, nil
}
