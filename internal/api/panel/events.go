package panel

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-mapview/internal/humastar"
	"github.com/joeblew999/plat-mapview/internal/viewer"
)

// PollInterval is how often the events stream checks for changes that do not
// go through the layer state store, such as a finished or failed map load.
var PollInterval = time.Second

// revision identifies what the panel last rendered.
type revision struct {
	status  viewer.Status
	mapID   string
	version uint64
}

func revisionOf(s *viewer.Session) revision {
	st, _ := s.Status()
	return revision{status: st, mapID: s.MapID(), version: s.Store().Version()}
}

// Events keeps the panel of a session current. It re-renders the panel when
// the store changes or the map load state moves, and tells the page to
// refresh its map. The stream ends when the session is deleted.
func (h *Handler) Events(ctx context.Context, input *SessionInput) (*huma.StreamResponse, error) {
	s, err := h.session(input.Session)
	if err != nil {
		return nil, err
	}
	return &huma.StreamResponse{
		Body: func(humaCtx huma.Context) {
			sse := humastar.NewSSE(humaCtx)
			bus := s.Store().Bus()
			ch := bus.Subscribe()
			defer bus.Unsubscribe(ch)

			tick := time.NewTicker(PollInterval)
			defer tick.Stop()

			last := revisionOf(s)
			sse.Replace(h.renderPanel(ctx, s), "#panel")

			refresh := func() {
				s.Settle()
				rev := revisionOf(s)
				if rev == last {
					return
				}
				last = rev
				sse.Replace(h.renderPanel(ctx, s), "#panel")
				sse.Notify("map-changed", map[string]any{"map": rev.mapID, "status": string(rev.status)})
			}

			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					refresh()
				case <-tick.C:
					if _, err := h.sessions.Get(s.ID()); err != nil {
						h.forget(s.ID())
						h.log.Debug("session gone, closing panel stream", "session", s.ID())
						return
					}
					refresh()
				}
			}
		},
	}, nil
}
