package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/ids"
	"github.com/hpungsan/witkit/internal/undo"
)

// UndoInput contains parameters for Undo.
type UndoInput struct {
	Token           string
	DryRun          bool
	MaxPreviewItems int
}

// UndoOutput is the result of replaying or previewing an undo record.
type UndoOutput struct {
	Success        bool          `json:"success"`
	UndoToken      string        `json:"undo_token"`
	SourceHandle   string        `json:"source_handle"`
	Action         string        `json:"action"`
	DryRun         bool          `json:"dry_run"`
	Message        string        `json:"message"`
	ItemsTotal     int           `json:"items_total"`
	ItemsSucceeded int           `json:"items_succeeded"`
	ItemsFailed    int           `json:"items_failed"`
	PreviewItems   []PreviewItem `json:"preview_items,omitempty"`
	Remaining      bool          `json:"remaining"` // failed items kept for retry under the same token
	Warnings       []string      `json:"warnings"`
	Errors         []ItemError   `json:"errors"`
}

// Undo replays a record's inverse operations. A full replay consumes the
// record; a partial one puts it back narrowed to the items that failed.
// Success reports that the replay ran; see ItemsFailed for per-item outcomes.
func Undo(ctx context.Context, env *Env, input UndoInput) (*UndoOutput, error) {
	if strings.TrimSpace(input.Token) == "" {
		return nil, errors.NewInvalidInput("undo_token is required")
	}
	if !ids.HasPrefix(input.Token, ids.UndoPrefix) {
		return nil, errors.NewInvalidInput(fmt.Sprintf("%q is not an undo token", input.Token))
	}
	// A live replay claims the record so concurrent calls cannot both run it.
	var rec *undo.Record
	var err error
	if input.DryRun {
		rec, err = env.Undo.Lookup(input.Token)
	} else {
		rec, err = env.Undo.Take(input.Token)
	}
	if err != nil {
		return nil, err
	}

	out := &UndoOutput{
		Success:      true,
		UndoToken:    rec.Token,
		SourceHandle: rec.SourceHandle,
		Action:       rec.ActionType,
		DryRun:       input.DryRun,
		ItemsTotal:   len(rec.Items),
		Warnings:     []string{},
		Errors:       []ItemError{},
	}

	if input.DryRun {
		limit := env.Cfg.ClampPreviewItems(input.MaxPreviewItems)
		n := min(limit, len(rec.Items))
		out.PreviewItems = make([]PreviewItem, 0, n)
		for i, it := range rec.Items[:n] {
			out.PreviewItems = append(out.PreviewItems, PreviewItem{Index: i, ID: it.ID, Change: describeOps(it.Ops)})
		}
		out.Message = fmt.Sprintf("Dry run: would undo %q on %s", rec.Description, plural(len(rec.Items), "item"))
		return out, nil
	}

	results := env.submit(ctx, rec.Project, len(rec.Items), func(b *batch.Builder, lo, hi int) error {
		for _, it := range rec.Items[lo:hi] {
			if err := b.AddPatchRequest(it.ID, it.Ops); err != nil {
				return err
			}
		}
		return nil
	})

	var remaining []undo.ItemOps
	for i, it := range rec.Items {
		if results[i].ok {
			out.ItemsSucceeded++
			continue
		}
		out.Errors = append(out.Errors, results[i].itemError(it.ID))
		remaining = append(remaining, it)
	}
	out.ItemsFailed = len(out.Errors)

	if len(remaining) == 0 {
		out.Message = fmt.Sprintf("Undid %q on %s", rec.Description, plural(out.ItemsSucceeded, "item"))
	} else {
		if _, ok := env.Undo.Restore(rec, remaining); ok {
			out.Remaining = true
			out.Warnings = append(out.Warnings, "failed items remain under the same undo token and can be retried")
		}
		out.Message = fmt.Sprintf("Undid %q on %d of %s; %d failed", rec.Description, out.ItemsSucceeded, plural(out.ItemsTotal, "item"), out.ItemsFailed)
	}

	env.Log.Info().
		Str("undo_token", rec.Token).
		Str("handle", rec.SourceHandle).
		Int("succeeded", out.ItemsSucceeded).
		Int("failed", out.ItemsFailed).
		Msg("undo executed")
	return out, nil
}

func describeOps(ops []batch.PatchOp) string {
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		ref := strings.TrimPrefix(op.Path, "/fields/")
		if op.Op == "remove" {
			parts = append(parts, "clear "+ref)
			continue
		}
		parts = append(parts, fmt.Sprintf("restore %s = %v", ref, op.Value))
	}
	return strings.Join(parts, ", ")
}
