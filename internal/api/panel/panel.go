// Package panel contains the Datastar SSE handlers of the layer control panel.
//
// The panel never touches adapters: every mutation goes through the
// session's layer state store, and the panel re-renders from session views.
package panel

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"regexp"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-mapview/internal/basemap"
	"github.com/joeblew999/plat-mapview/internal/humastar"
	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/legend"
	"github.com/joeblew999/plat-mapview/internal/templates"
	"github.com/joeblew999/plat-mapview/internal/viewer"
)

// BasePath prefixes every panel route.
const BasePath = "/api/v1/panel"

// Handler serves the panel fragments.
type Handler struct {
	humastar.Handler
	sessions *viewer.Registry
	log      *slog.Logger

	mu sync.Mutex
	ui map[string]*uiState
}

// uiState is presentation state that has no place in the layer state store.
// Groups start expanded and rows start collapsed.
type uiState struct {
	collapsed map[string]bool
	expanded  map[string]bool
}

// NewHandler creates the panel handlers.
func NewHandler(sessions *viewer.Registry, renderer *templates.Renderer, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Handler:  humastar.Handler{Renderer: renderer},
		sessions: sessions,
		log:      log.With("component", "panel"),
		ui:       make(map[string]*uiState),
	}
}

func (h *Handler) RegisterRoutes(api huma.API) {
	tags := huma.OperationTags("panel")
	huma.Get(api, BasePath+"/{session}", h.Render, tags)
	huma.Get(api, BasePath+"/{session}/events", h.Events, tags)
	huma.Post(api, BasePath+"/{session}/map", h.SwitchMap, tags)
	huma.Post(api, BasePath+"/{session}/basemap", h.SelectBasemap, tags)
	huma.Post(api, BasePath+"/{session}/layers/show-all", h.ShowAll, tags)
	huma.Post(api, BasePath+"/{session}/layers/hide-all", h.HideAll, tags)
	huma.Post(api, BasePath+"/{session}/layers/{key}/toggle", h.Toggle, tags)
	huma.Post(api, BasePath+"/{session}/layers/{key}/opacity", h.Opacity, tags)
	huma.Post(api, BasePath+"/{session}/layers/{key}/expand", h.Expand, tags)
	huma.Post(api, BasePath+"/{session}/layers/{key}/zoom", h.Zoom, tags)
	huma.Post(api, BasePath+"/{session}/groups/{group}/collapse", h.Collapse, tags)
}

// Inputs

type SessionInput struct {
	Session string `path:"session" doc:"Session ID"`
}

type LayerInput struct {
	SessionInput
	Key string `path:"key" doc:"Layer key" example:"layer-101"`
}

type GroupInput struct {
	SessionInput
	Group string `path:"group" doc:"Layer group ID"`
}

// SignalsInput carries the Datastar signals posted by the map and basemap
// selects.
type SignalsInput struct {
	SessionInput
	humastar.SignalsInput
}

// LayerSignalsInput carries the signals posted by a layer row's controls.
type LayerSignalsInput struct {
	LayerInput
	humastar.SignalsInput
}

func (h *Handler) session(id string) (*viewer.Session, error) {
	s, err := h.sessions.Get(id)
	if err != nil {
		h.forget(id)
		return nil, huma.Error404NotFound("session not found", err)
	}
	return s, nil
}

func (h *Handler) state(session string) *uiState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.ui[session]
	if !ok {
		st = &uiState{collapsed: map[string]bool{}, expanded: map[string]bool{}}
		h.ui[session] = st
	}
	return st
}

func (h *Handler) forget(session string) {
	h.mu.Lock()
	delete(h.ui, session)
	h.mu.Unlock()
}

// flip toggles a flag of the session's UI state and returns the new value.
func (h *Handler) flip(session string, pick func(*uiState) map[string]bool, key string) bool {
	st := h.state(session)
	h.mu.Lock()
	defer h.mu.Unlock()
	m := pick(st)
	m[key] = !m[key]
	return m[key]
}

// Render data

type PanelData struct {
	Base           string
	View           viewer.View
	Groups         []GroupData
	BasemapOptions template.HTML
	MapOptions     template.HTML
}

type GroupData struct {
	Base      string
	ID        string
	Name      string
	Collapsed bool
	Rows      []RowData
}

type RowData struct {
	viewer.LayerView
	Base        string
	Expanded    bool
	Legend      *legend.Legend
	SwatchStyle template.CSS
}

var cssColor = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]+|rgba?\([0-9., %]+\))$`)

func swatchStyle(lg *legend.Legend) template.CSS {
	if lg == nil || lg.Swatch == nil {
		return ""
	}
	sw := lg.Swatch
	if !cssColor.MatchString(sw.FillColor) || !cssColor.MatchString(sw.StrokeColor) {
		return ""
	}
	return template.CSS(fmt.Sprintf("background:%s;border:%.0fpx solid %s", sw.FillColor, sw.StrokeWidth, sw.StrokeColor))
}

func base(session string) string { return BasePath + "/" + session }

func (h *Handler) row(ctx context.Context, s *viewer.Session, lv viewer.LayerView) RowData {
	st := h.state(s.ID())
	h.mu.Lock()
	expanded := st.expanded[lv.Key]
	h.mu.Unlock()

	rd := RowData{LayerView: lv, Base: base(s.ID()), Expanded: expanded}
	if expanded {
		if lg, err := s.Legend(ctx, lv.Key); err == nil {
			rd.Legend = &lg
			rd.SwatchStyle = swatchStyle(&lg)
		}
	}
	return rd
}

func (h *Handler) panelData(ctx context.Context, s *viewer.Session) PanelData {
	v := s.View()
	st := h.state(s.ID())
	pd := PanelData{Base: base(s.ID()), View: v}

	for _, g := range v.Groups {
		h.mu.Lock()
		collapsed := st.collapsed[g.ID]
		h.mu.Unlock()

		gd := GroupData{Base: pd.Base, ID: g.ID, Name: g.Name, Collapsed: collapsed}
		for _, lv := range g.Layers {
			gd.Rows = append(gd.Rows, h.row(ctx, s, lv))
		}
		pd.Groups = append(pd.Groups, gd)
	}

	var bms []humastar.SelectOptionData
	for _, bm := range h.sessions.Basemaps().List() {
		bms = append(bms, humastar.SelectOptionData{Value: bm.ID, Label: bm.Name, Selected: bm.ID == v.Basemap})
	}
	pd.BasemapOptions = template.HTML(h.RenderSelect("", bms))

	var maps []humastar.SelectOptionData
	placeholder := "Choose a map…"
	if defs, err := h.sessions.Maps(ctx); err != nil {
		h.log.Warn("listing maps", "error", err)
		placeholder = "Maps unavailable"
	} else {
		for _, m := range defs {
			maps = append(maps, humastar.SelectOptionData{Value: m.ID.String(), Label: m.Name, Selected: m.ID.String() == v.MapID})
		}
	}
	pd.MapOptions = template.HTML(h.RenderSelect(placeholder, maps))
	return pd
}

func (h *Handler) renderPanel(ctx context.Context, s *viewer.Session) string {
	html, err := h.Renderer.Render("panel", h.panelData(ctx, s))
	if err != nil {
		h.log.Error("rendering panel", "session", s.ID(), "error", err)
	}
	return html
}

// renderGroups renders the contents of #layer-groups.
func (h *Handler) renderGroups(ctx context.Context, s *viewer.Session) string {
	pd := h.panelData(ctx, s)
	items := make([]any, len(pd.Groups))
	for i, g := range pd.Groups {
		items[i] = g
	}
	return h.RenderList("layer-group", items, "No layers", "This map has no layer groups")
}

func (h *Handler) renderRow(ctx context.Context, s *viewer.Session, key string) (string, bool) {
	for _, g := range s.View().Groups {
		for _, lv := range g.Layers {
			if lv.Key != key {
				continue
			}
			html, err := h.Renderer.Render("layer-row", h.row(ctx, s, lv))
			if err != nil {
				h.log.Error("rendering layer row", "layer", key, "error", err)
				return "", false
			}
			return html, true
		}
	}
	return "", false
}

// message turns a store or session error into text for the error signal.
func message(err error) string {
	switch {
	case errors.Is(err, layerstate.ErrUnknownLayer):
		return "Unknown layer"
	case errors.Is(err, viewer.ErrNotReady):
		return "The map is not loaded yet"
	case errors.Is(err, basemap.ErrUnknown):
		return "Unknown basemap"
	}
	return err.Error()
}

// Handlers

func (h *Handler) Render(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	return h.Stream(func(sse humastar.SSE) {
		sse.Replace(h.renderPanel(ctx, s), "#panel")
	}), nil
}

func (h *Handler) SwitchMap(ctx context.Context, input *SignalsInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	id := signals.String("mapId")
	if id == "" {
		return nil, huma.Error400BadRequest("Map ID is required")
	}
	return h.Stream(func(sse humastar.SSE) {
		s.SwitchMap(id)
		sse.Signals(map[string]any{"error": "", "success": ""})
		sse.Replace(h.renderPanel(ctx, s), "#panel")
		sse.Notify("map-changed", map[string]any{"map": id})
	}), nil
}

func (h *Handler) SelectBasemap(ctx context.Context, input *SignalsInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	id := signals.String("basemap")
	if id == "" {
		return nil, huma.Error400BadRequest("Basemap ID is required")
	}
	return h.Stream(func(sse humastar.SSE) {
		if err := s.SetBasemap(id); err != nil {
			sse.Error(message(err))
			return
		}
		s.Settle()
		if bm, err := h.sessions.Basemaps().Get(id); err == nil {
			sse.Success("Basemap: " + bm.Name)
		}
		sse.Notify("map-changed", map[string]any{"basemap": id})
	}), nil
}

func (h *Handler) ShowAll(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	return h.bulk(ctx, input.Session, (*viewer.Session).ShowAll, "All layers shown")
}

func (h *Handler) HideAll(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	return h.bulk(ctx, input.Session, (*viewer.Session).HideAll, "All layers hidden")
}

func (h *Handler) bulk(ctx context.Context, id string, op func(*viewer.Session) error, done string) (*huma.StreamResponse, error) {
	s, err := h.session(id)
	if err != nil {
		return nil, err
	}
	return h.Stream(func(sse humastar.SSE) {
		if err := op(s); err != nil {
			sse.Error(message(err))
			return
		}
		s.Settle()
		sse.Patch(h.renderGroups(ctx, s), "#layer-groups")
		sse.Success(done)
		sse.Notify("map-changed", nil)
	}), nil
}

func (h *Handler) Toggle(ctx context.Context, input *LayerInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	return h.Stream(func(sse humastar.SSE) {
		st, err := s.Toggle(input.Key)
		if err != nil {
			sse.Error(message(err))
			return
		}
		s.Settle()
		h.patchRow(ctx, sse, s, input.Key)
		sse.Notify("map-changed", map[string]any{"layer": input.Key, "visible": st.Visible})
	}), nil
}

func (h *Handler) Opacity(ctx context.Context, input *LayerSignalsInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	if !signals.Has("opacity") {
		return nil, huma.Error400BadRequest("Opacity is required")
	}
	pct := signals.Int("opacity")
	if pct < 0 || pct > 100 {
		return nil, huma.Error422UnprocessableEntity(fmt.Sprintf("Opacity %d is outside 0-100", pct))
	}
	return h.Stream(func(sse humastar.SSE) {
		st, err := s.SetOpacity(input.Key, float64(pct)/100)
		if err != nil {
			sse.Error(message(err))
			return
		}
		s.Settle()
		h.patchRow(ctx, sse, s, input.Key)
		sse.Notify("map-changed", map[string]any{"layer": input.Key, "opacity": st.Opacity})
	}), nil
}

func (h *Handler) Expand(ctx context.Context, input *LayerInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	if _, err := s.Layer(input.Key); err != nil {
		return nil, huma.Error404NotFound(message(err), err)
	}
	h.flip(s.ID(), func(st *uiState) map[string]bool { return st.expanded }, input.Key)
	return h.Stream(func(sse humastar.SSE) {
		h.patchRow(ctx, sse, s, input.Key)
	}), nil
}

func (h *Handler) Collapse(ctx context.Context, input *GroupInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	h.flip(s.ID(), func(st *uiState) map[string]bool { return st.collapsed }, input.Group)
	return h.Stream(func(sse humastar.SSE) {
		pd := h.panelData(ctx, s)
		for _, g := range pd.Groups {
			if g.ID != input.Group {
				continue
			}
			html, err := h.Renderer.Render("layer-group", g)
			if err != nil {
				h.log.Error("rendering group", "group", g.ID, "error", err)
				return
			}
			sse.Replace(html, "#group-"+g.ID)
			return
		}
		sse.Error("Unknown layer group")
	}), nil
}

func (h *Handler) Zoom(ctx context.Context, input *LayerInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	return h.Stream(func(sse humastar.SSE) {
		v, err := s.ZoomToLayer(ctx, input.Key)
		if err != nil {
			sse.Error(message(err))
			return
		}
		sse.Notify("map-view", map[string]any{"center": v.Center, "zoom": v.Zoom, "fitted": v.Fitted})
	}), nil
}

func (h *Handler) patchRow(ctx context.Context, sse humastar.SSE, s *viewer.Session, key string) {
	if html, ok := h.renderRow(ctx, s, key); ok {
		sse.Replace(html, "#row-"+key)
	}
}
