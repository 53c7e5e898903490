package humastar

import (
	"fmt"
	"strings"
)

// Action is a state-dependent hypermedia action link. Response bodies
// implement Actor to emit conditional RFC 8288 Link headers, for example
//
//	</api/v1/sessions/42/layers/layer-7/toggle>; rel="show"; method="POST"; title="Show layer"
type Action struct {
	Rel    string // IANA rel or custom (e.g., "show", "hide")
	Href   string // target URL
	Method string // HTTP method: POST, PUT, DELETE, etc.
	Title  string // optional human-readable label
}

// Actor is implemented by response bodies that provide state-dependent actions.
type Actor interface {
	Actions() []Action
}

// LinkHeader formats the action as an RFC 8288 Link header value
// with method and title extension parameters.
func (a Action) LinkHeader() string {
	h := fmt.Sprintf(`<%s>; rel="%s"`, a.Href, a.Rel)
	if a.Method != "" {
		h += fmt.Sprintf(`; method="%s"`, a.Method)
	}
	if a.Title != "" {
		h += fmt.Sprintf(`; title="%s"`, a.Title)
	}
	return h
}

// ActionDef is a reusable action template. Pattern holds {name} placeholders
// filled by ActionsFor.
type ActionDef struct {
	Rel     string
	Pattern string // e.g. "/api/v1/sessions/{session}/layers/{key}/toggle"
	Method  string
	Title   string
}

// ActionsFor expands defs with the given placeholder values.
func ActionsFor(vars map[string]string, defs ...ActionDef) []Action {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	actions := make([]Action, len(defs))
	for i, d := range defs {
		actions[i] = Action{
			Rel:    d.Rel,
			Href:   r.Replace(d.Pattern),
			Method: d.Method,
			Title:  d.Title,
		}
	}
	return actions
}
