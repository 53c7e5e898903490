package mapdef

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Default vector style values.
const (
	DefaultColor       = "#3388ff"
	DefaultStrokeWidth = 2.0
)

// Style is the parsed form of a layer's free-form style JSON. Only the keys the
// viewer understands are kept; Layers holds per-source-layer overrides for MVT.
type Style struct {
	Color       string
	FillColor   string
	Weight      float64
	Opacity     *float64
	FillOpacity *float64
	Layers      map[string]map[string]any
	// Popup is false only when the style explicitly disables feature popups.
	Popup bool
	Raw   map[string]any
}

// ParseStyle decodes a style string. An empty string yields an empty style and a
// nil error; malformed JSON returns an error and an empty style.
func ParseStyle(raw string) (Style, error) {
	st := Style{Popup: true}
	if strings.TrimSpace(raw) == "" {
		return st, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return st, fmt.Errorf("parsing style: %w", err)
	}
	st.Raw = m

	st.Color = firstString(m, "color", "stroke")
	st.FillColor = firstString(m, "fillColor", "fill")
	if w, ok := firstNumber(m, "weight", "strokeWidth"); ok && w != 0 {
		st.Weight = w
	}
	if v, ok := firstNumber(m, "opacity"); ok {
		st.Opacity = &v
	}
	if v, ok := firstNumber(m, "fillOpacity"); ok {
		st.FillOpacity = &v
	}
	if p, ok := m["popup"].(bool); ok {
		st.Popup = p
	}
	if layers, ok := m["layers"].(map[string]any); ok {
		st.Layers = make(map[string]map[string]any, len(layers))
		for name, v := range layers {
			if lm, ok := v.(map[string]any); ok {
				st.Layers[name] = lm
			}
		}
	}
	return st, nil
}

// IsZero reports whether no style keys were given.
func (s Style) IsZero() bool {
	return s.Raw == nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}
