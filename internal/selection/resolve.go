package selection

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Summary records how a selection was made.
type Summary struct {
	SelectionType       string    `json:"selection_type"`
	TotalItems          int       `json:"total_items"`
	SelectedCount       int       `json:"selected_count"`
	Indices             []int     `json:"indices,omitempty"`
	DroppedIndices      []int     `json:"dropped_indices,omitempty"`
	DroppedCount        int       `json:"dropped_count,omitempty"`
	Criteria            *Criteria `json:"criteria,omitempty"`
	ItemsWithoutContext int       `json:"items_without_context,omitempty"`
}

// Result is the outcome of Resolve. SelectedIDs is never nil.
type Result struct {
	SelectedIDs []int   `json:"selected_ids"`
	Summary     Summary `json:"selection_summary"`
}

// Resolve applies sel to h's items. A nil selector selects all items.
// An empty selection is a valid result.
func Resolve(h *handles.QueryHandle, sel Selector, now time.Time) Result {
	if sel == nil {
		sel = All{}
	}
	res := Result{
		SelectedIDs: []int{},
		Summary: Summary{
			SelectionType: sel.selectionType(),
			TotalItems:    len(h.ItemIDs),
		},
	}

	switch s := sel.(type) {
	case All:
		res.SelectedIDs = slices.Clone(h.ItemIDs)

	case Indices:
		res.Summary.Indices = slices.Clone(s.Positions)
		taken := make(map[int]bool, len(s.Positions))
		// Positions are applied in stored order, not request order.
		for _, p := range s.Positions {
			if p < 0 || p >= len(h.ItemIDs) {
				res.Summary.DroppedIndices = append(res.Summary.DroppedIndices, p)
				continue
			}
			taken[p] = true
		}
		for i, id := range h.ItemIDs {
			if taken[i] {
				res.SelectedIDs = append(res.SelectedIDs, id)
			}
		}
		res.Summary.DroppedCount = len(res.Summary.DroppedIndices)

	case Criteria:
		c := s
		res.Summary.Criteria = &c
		for _, id := range h.ItemIDs {
			ctx, ok := h.Context(id)
			if !ok {
				res.Summary.ItemsWithoutContext++
				continue
			}
			if s.Matches(ctx, now) {
				res.SelectedIDs = append(res.SelectedIDs, id)
			}
		}

	default:
		panic(fmt.Sprintf("selection: unhandled selector %T", sel))
	}

	res.Summary.SelectedCount = len(res.SelectedIDs)
	return res
}

// Matches reports whether an item's context satisfies every supplied field.
// A field the context lacks never matches.
func (c Criteria) Matches(ctx workitem.Context, now time.Time) bool {
	if len(c.States) > 0 && !slices.Contains(c.States, ctx.State) {
		return false
	}
	if len(c.Types) > 0 && !slices.Contains(c.Types, ctx.Type) {
		return false
	}
	if len(c.Tags) > 0 && !intersects(ctx.Tags, c.Tags) {
		return false
	}
	if c.AssignedTo != "" && !strings.EqualFold(ctx.AssignedTo, c.AssignedTo) {
		return false
	}
	if c.TitleContains != "" && !strings.Contains(strings.ToLower(ctx.Title), strings.ToLower(c.TitleContains)) {
		return false
	}
	if c.DaysInactiveMin != nil || c.DaysInactiveMax != nil {
		days, ok := ctx.DaysInactive(now)
		if !ok {
			return false
		}
		if c.DaysInactiveMin != nil && days < *c.DaysInactiveMin {
			return false
		}
		if c.DaysInactiveMax != nil && days > *c.DaysInactiveMax {
			return false
		}
	}
	return true
}

func intersects(have, want []string) bool {
	for _, t := range want {
		if workitem.HasTag(have, t) {
			return true
		}
	}
	return false
}
