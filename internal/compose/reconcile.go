// Package compose is the Map Composition Controller. It turns a map
// definition, the layer states and the basemap selection into adapter
// attach, detach and opacity calls on one map surface.
//
// Reconcile computes what has to change between two declared states and has
// no side effects. The Controller applies its plans.
package compose

import (
	"sort"

	"github.com/joeblew999/plat-mapview/internal/layerstate"
	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// Rank is the paint position of a layer: group z_index, layer z_index, then
// document order. Lower paints first.
type Rank struct {
	Group int
	Layer int
	Order int
}

// Less reports whether r paints below o.
func (r Rank) Less(o Rank) bool {
	if r.Group != o.Group {
		return r.Group < o.Group
	}
	if r.Layer != o.Layer {
		return r.Layer < o.Layer
	}
	return r.Order < o.Order
}

// Entry is the declared state of one layer.
type Entry struct {
	Key      string
	Identity string
	Rank     Rank
	Visible  bool
	Opacity  float64
}

// Desired is the declared state of every layer of a map, by layer key.
type Desired map[string]Entry

// Desire combines a map definition with layer states. Layers without a state
// get layerstate.Default.
func Desire(def *mapdef.MapDefinition, states map[string]layerstate.State) Desired {
	d := make(Desired)
	if def == nil {
		return d
	}
	order := 0
	for _, g := range def.LayerGroups {
		for _, l := range g.Layers {
			st, ok := states[l.Key()]
			if !ok {
				st = layerstate.Default
			}
			d[l.Key()] = Entry{
				Key:      l.Key(),
				Identity: mapdef.Resolve(l).Identity(),
				Rank:     Rank{Group: g.ZIndex, Layer: l.PaintZIndex(), Order: order},
				Visible:  st.Visible,
				Opacity:  st.Opacity,
			}
			order++
		}
	}
	return d
}

// OpacityOp sets the opacity of an existing adapter.
type OpacityOp struct {
	Key     string
	Opacity float64
}

// Plan is the set of operations moving the map from one declared state to
// the next. Operations apply in field order.
type Plan struct {
	// Detach lists attached layers to take off the map.
	Detach []string
	// Discard lists adapters to drop: the layer is gone or its identity changed.
	Discard []string
	// Create lists layers needing a new adapter.
	Create []string
	// Opacity lists opacity changes on adapters that are kept.
	Opacity []OpacityOp
	// Attach lists layers to put on the map, lowest rank first.
	Attach []string
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Detach) == 0 && len(p.Discard) == 0 && len(p.Create) == 0 &&
		len(p.Opacity) == 0 && len(p.Attach) == 0
}

// Reconcile computes the plan from prev to next.
//
// Visibility changes only attach or detach, and opacity changes only set
// opacity. An adapter is discarded and recreated only when the layer's
// identity changes.
func Reconcile(prev, next Desired) Plan {
	var p Plan

	for k, old := range prev {
		cur, ok := next[k]
		if ok && cur.Identity == old.Identity {
			continue
		}
		if old.Visible {
			p.Detach = append(p.Detach, k)
		}
		p.Discard = append(p.Discard, k)
	}

	for k, cur := range next {
		old, ok := prev[k]
		if !ok || old.Identity != cur.Identity {
			p.Create = append(p.Create, k)
			if cur.Visible {
				p.Attach = append(p.Attach, k)
			}
			continue
		}
		switch {
		case old.Visible && !cur.Visible:
			p.Detach = append(p.Detach, k)
		case !old.Visible && cur.Visible:
			p.Attach = append(p.Attach, k)
		}
		if old.Opacity != cur.Opacity {
			p.Opacity = append(p.Opacity, OpacityOp{Key: k, Opacity: cur.Opacity})
		}
	}

	sort.Strings(p.Detach)
	sort.Strings(p.Discard)
	sort.Slice(p.Create, func(i, j int) bool { return next[p.Create[i]].Rank.Less(next[p.Create[j]].Rank) })
	sort.Slice(p.Opacity, func(i, j int) bool { return p.Opacity[i].Key < p.Opacity[j].Key })
	sort.Slice(p.Attach, func(i, j int) bool { return next[p.Attach[i]].Rank.Less(next[p.Attach[j]].Rank) })
	return p
}
