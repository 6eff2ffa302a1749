package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/selection"
	"github.com/hpungsan/witkit/internal/undo"
)

// MsgNoMatch is returned when a selection resolves to zero items.
const MsgNoMatch = "No items matched the selection"

// BulkInput contains parameters for Bulk.
type BulkInput struct {
	Handle          string
	Selector        selection.Selector // nil selects all items
	Action          Action
	DryRun          bool
	MaxPreviewItems int // <= 0 uses the configured default
}

// BulkOutput is the result of a bulk action or its preview.
type BulkOutput struct {
	Success        bool              `json:"success"`
	Handle         string            `json:"handle"`
	Action         string            `json:"action"`
	DryRun         bool              `json:"dry_run"`
	Message        string            `json:"message"`
	Selection      selection.Summary `json:"selection"`
	ItemsSelected  int               `json:"items_selected"`
	ItemsSucceeded int               `json:"items_succeeded"`
	ItemsFailed    int               `json:"items_failed"`
	PreviewItems   []PreviewItem     `json:"preview_items,omitempty"`
	UndoToken      string            `json:"undo_token,omitempty"`
	UndoExpiresAt  *time.Time        `json:"undo_expires_at,omitempty"`
	Warnings       []string          `json:"warnings"`
	Errors         []ItemError       `json:"errors"`
}

// Bulk applies an action to the items a selector picks from a handle.
// Per-item failures are reported in the output, not as an error.
func Bulk(ctx context.Context, env *Env, input BulkInput) (*BulkOutput, error) {
	h, err := lookupHandle(env, input.Handle)
	if err != nil {
		return nil, err
	}
	action := input.Action
	if action == nil {
		return nil, errors.NewInvalidAction("unknown", "action is required")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	now := env.now()
	res := selection.Resolve(h, input.Selector, now)
	out := &BulkOutput{
		Success:       true,
		Handle:        h.ID,
		Action:        action.Type(),
		DryRun:        input.DryRun,
		Selection:     res.Summary,
		ItemsSelected: len(res.SelectedIDs),
		Warnings:      selectionWarnings(res.Summary),
		Errors:        []ItemError{},
	}
	if len(res.SelectedIDs) == 0 {
		out.Message = MsgNoMatch
		return out, nil
	}
	if action.templated() && !h.HasContext() {
		out.Warnings = append(out.Warnings, "action uses template variables but the handle has no item context; only {id} is substituted")
	}

	if input.DryRun {
		limit := env.Cfg.ClampPreviewItems(input.MaxPreviewItems)
		out.PreviewItems = previewItems(h, action, res.SelectedIDs, limit, now)
		out.Message = fmt.Sprintf("Dry run: would %s on %s", action.Describe(), plural(len(res.SelectedIDs), "item"))
		return out, nil
	}

	project := env.projectFor(h)
	failures := make(map[int]ItemError)
	var current map[int]map[string]any
	if fields := action.snapshotFields(); fields != nil {
		current, failures = env.snapshot(ctx, h, project, res.SelectedIDs, fields, now)
	}

	plans := make([]itemPlan, 0, len(res.SelectedIDs))
	for _, id := range res.SelectedIDs {
		if _, failed := failures[id]; failed {
			continue
		}
		plans = append(plans, action.plan(templateFor(h, id, now), current[id]))
	}

	results := env.submit(ctx, project, len(plans), func(b *batch.Builder, lo, hi int) error {
		for _, p := range plans[lo:hi] {
			if err := p.addTo(b); err != nil {
				return err
			}
		}
		return nil
	})

	var undoItems []undo.ItemOps
	for i, p := range plans {
		if !results[i].ok {
			failures[p.id] = results[i].itemError(p.id)
			continue
		}
		out.ItemsSucceeded++
		if action.reversible() && p.inverse != nil {
			undoItems = append(undoItems, undo.ItemOps{ID: p.id, Ops: p.inverse})
		}
	}
	for _, id := range res.SelectedIDs {
		if e, ok := failures[id]; ok {
			out.Errors = append(out.Errors, e)
		}
	}
	out.ItemsFailed = len(out.Errors)

	if len(undoItems) > 0 {
		rec, err := env.Undo.Put(undo.PutInput{
			SourceHandle: h.ID,
			Project:      project,
			ActionType:   action.Type(),
			Description:  action.Describe(),
			Items:        undoItems,
		})
		if err != nil {
			env.Log.Warn().Err(err).Str("handle", h.ID).Msg("undo not recorded")
			out.Warnings = append(out.Warnings, "undo could not be recorded")
		} else {
			out.UndoToken = rec.Token
			expires := rec.ExpiresAt
			out.UndoExpiresAt = &expires
		}
	}

	out.Message = fmt.Sprintf("Applied %s to %d of %s", action.Describe(), out.ItemsSucceeded, plural(out.ItemsSelected, "item"))
	if out.ItemsFailed > 0 {
		out.Message += fmt.Sprintf("; %d failed", out.ItemsFailed)
	}

	env.Log.Info().
		Str("handle", h.ID).
		Str("action", action.Type()).
		Int("selected", out.ItemsSelected).
		Int("succeeded", out.ItemsSucceeded).
		Int("failed", out.ItemsFailed).
		Msg("bulk action executed")
	return out, nil
}

func selectionWarnings(s selection.Summary) []string {
	warnings := []string{}
	if s.DroppedCount > 0 {
		warnings = append(warnings, fmt.Sprintf("out-of-range indices ignored: %v", s.DroppedIndices))
	}
	if s.ItemsWithoutContext > 0 {
		warnings = append(warnings, fmt.Sprintf("%s without context excluded from criteria matching", plural(s.ItemsWithoutContext, "item")))
	}
	return warnings
}

func templateFor(h *handles.QueryHandle, id int, now time.Time) templateData {
	d := templateData{id: id, now: now}
	if c, ok := h.Context(id); ok {
		d.ctx = &c
	}
	return d
}

// contextValues reads fields from an item's context. ok is false if the item
// has no context or any field is missing.
func contextValues(h *handles.QueryHandle, id int, fields []string) (map[string]any, bool) {
	c, ok := h.Context(id)
	if !ok {
		return nil, false
	}
	vals := make(map[string]any, len(fields))
	for _, ref := range fields {
		v, ok := c.FieldValue(ref)
		if !ok {
			return nil, false
		}
		vals[ref] = v
	}
	return vals, true
}

// snapshot returns the current values of fields for ids. Fresh handle
// context is used where complete; everything else is read from the backend.
func (e *Env) snapshot(ctx context.Context, h *handles.QueryHandle, project string, ids []int, fields []string, now time.Time) (map[int]map[string]any, map[int]ItemError) {
	current := make(map[int]map[string]any, len(ids))
	fresh := now.Sub(h.CreatedAt) < e.Cfg.ContextFreshness()

	var stale []int
	for _, id := range ids {
		if fresh {
			if vals, ok := contextValues(h, id, fields); ok {
				current[id] = vals
				continue
			}
		}
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return current, make(map[int]ItemError)
	}

	fetched, failed := e.fetchItems(ctx, project, stale, fields)
	for id, f := range fetched {
		current[id] = f
	}
	e.Log.Debug().Int("from_context", len(ids)-len(stale)).Int("fetched", len(fetched)).Int("failed", len(failed)).Msg("snapshot taken")
	return current, failed
}

func previewItems(h *handles.QueryHandle, action Action, ids []int, limit int, now time.Time) []PreviewItem {
	pos := make(map[int]int, len(h.ItemIDs))
	for i, id := range h.ItemIDs {
		pos[id] = i
	}

	n := min(limit, len(ids))
	items := make([]PreviewItem, 0, n)
	for _, id := range ids[:n] {
		var current map[string]any
		if fields := action.snapshotFields(); fields != nil {
			current, _ = contextValues(h, id, fields)
		}
		p := action.plan(templateFor(h, id, now), current)
		item := PreviewItem{Index: pos[id], ID: id, Change: p.change}
		if c, ok := h.Context(id); ok {
			item.Title = c.Title
			item.State = c.State
		}
		items = append(items, item)
	}
	return items
}
