package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/db"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/selection"
	"github.com/hpungsan/witkit/internal/workitem"
)

func setState(state string) FieldUpdate {
	return FieldUpdate{Updates: []batch.PatchOp{{Op: "replace", Path: "/fields/System.State", Value: state}}}
}

func TestBulk_DryRunMakesNoBackendCalls(t *testing.T) {
	te := newTestEnv(t)
	q := te.queryHandle(t)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:          q.Handle,
		Action:          Comment{Text: "Closing #{id} ({title}), idle {daysInactive} days"},
		DryRun:          true,
		MaxPreviewItems: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, te.backend.calls())
	assert.True(t, out.Success)
	assert.True(t, out.DryRun)
	assert.Equal(t, 5, out.ItemsSelected)
	assert.Zero(t, out.ItemsSucceeded)
	assert.Empty(t, out.UndoToken)
	require.Len(t, out.PreviewItems, 2)
	assert.Equal(t, 0, out.PreviewItems[0].Index)
	assert.Equal(t, 2, out.PreviewItems[0].ID)
	assert.Equal(t, `comment "Closing #2 (Add SSO), idle 0 days"`, out.PreviewItems[0].Change)
	assert.Contains(t, out.Message, "Dry run")
}

func TestBulk_DryRunPreviewUsesContextValues(t *testing.T) {
	te := newTestEnv(t)
	q := te.queryHandle(t)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:   q.Handle,
		Selector: selection.Criteria{Tags: []string{"auth"}},
		Action:   AddTags{Tags: []string{"triaged"}},
		DryRun:   true,
	})
	require.NoError(t, err)
	require.Len(t, out.PreviewItems, 1)
	assert.Equal(t, 1, out.PreviewItems[0].ID)
	assert.Equal(t, "Login broken", out.PreviewItems[0].Title)
	assert.Equal(t, `tags: "auth" -> "auth; triaged"`, out.PreviewItems[0].Change)
	assert.Equal(t, 0, te.backend.calls())
}

func TestBulk_PartialFailure(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 1, 999, 2)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: setState("Closed")})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.ItemsSelected)
	assert.Equal(t, 2, out.ItemsSucceeded)
	assert.Equal(t, 1, out.ItemsFailed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 999, out.Errors[0].ID)
	assert.Equal(t, string(errors.ErrNotFound), out.Errors[0].ErrorCode)
	assert.Equal(t, 404, out.Errors[0].Status)
	assert.NotEmpty(t, out.UndoToken)

	assert.Equal(t, "Closed", te.field(t, 1, workitem.FieldState))
	assert.Equal(t, "Closed", te.field(t, 2, workitem.FieldState))

	// no context: one GET batch for the snapshot, one PATCH batch
	assert.Equal(t, 2, te.backend.calls())

	rec, ok := te.Undo.Get(out.UndoToken)
	require.True(t, ok)
	require.Len(t, rec.Items, 2, "only succeeded items are undoable")
	assert.Equal(t, "Web", rec.Project)
}

func TestBulk_PatchFailureReported(t *testing.T) {
	te := newTestEnv(t)
	q := te.queryHandle(t)

	// Item 4 disappears after the handle's context was captured.
	require.NoError(t, db.HardDelete(context.Background(), te.store.DB(), 4))

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:   q.Handle,
		Selector: selection.Indices{Positions: []int{1, 2, 3}},
		Action:   Assign{AssignTo: "bo@contoso.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, te.backend.calls(), "fresh context avoids a snapshot read")
	assert.Equal(t, 2, out.ItemsSucceeded)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 4, out.Errors[0].ID)
	assert.Contains(t, out.Errors[0].Message, "TF401232")
}

func TestBulk_TransportErrorFailsOnlyThatBatch(t *testing.T) {
	te := newTestEnv(t)
	te.Cfg.BatchSizeLimit = 2
	te.backend.failCall[2] = true
	h := te.plainHandle(t, 1, 2, 3, 4, 5)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: Comment{Text: "ping"}})
	require.NoError(t, err)

	assert.Equal(t, 3, te.backend.calls())
	assert.True(t, out.Success)
	assert.Equal(t, 3, out.ItemsSucceeded)
	assert.Equal(t, 2, out.ItemsFailed)
	require.Len(t, out.Errors, 2)
	assert.Equal(t, 3, out.Errors[0].ID)
	assert.Equal(t, 4, out.Errors[1].ID)
	assert.Equal(t, string(errors.ErrBackend), out.Errors[0].ErrorCode)
	assert.Empty(t, out.UndoToken, "comments are not undoable")
}

func TestBulk_AllItemsFailedStillExecuted(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 998, 999)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: setState("Closed")})
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Zero(t, out.ItemsSucceeded)
	assert.Equal(t, 2, out.ItemsFailed)
	require.Len(t, out.Errors, 2)
	assert.Empty(t, out.UndoToken)
}

func TestBulk_ConcurrentSubmission(t *testing.T) {
	te := newTestEnv(t)
	te.Cfg.BatchSizeLimit = 1
	te.Cfg.SubmitConcurrency = 3
	h := te.plainHandle(t, 5, 4, 3, 999, 2, 1)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: Comment{Text: "hello {id}"}})
	require.NoError(t, err)
	assert.Equal(t, 6, te.backend.calls())
	assert.Equal(t, 5, out.ItemsSucceeded)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 999, out.Errors[0].ID)

	comments, err := db.ListComments(context.Background(), te.store.DB(), 3)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "hello 3", comments[0].Text)
}

func TestBulk_ZeroMatchIsSuccess(t *testing.T) {
	te := newTestEnv(t)
	q := te.queryHandle(t)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:   q.Handle,
		Selector: selection.Criteria{States: []string{"Closed"}},
		Action:   setState("Resolved"),
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, MsgNoMatch, out.Message)
	assert.Zero(t, out.ItemsSelected)
	assert.Equal(t, 0, te.backend.calls())
	assert.NotNil(t, out.Errors)
}

func TestBulk_OutOfRangeIndicesWarn(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 1, 2)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:   h,
		Selector: selection.Indices{Positions: []int{1, 7}},
		Action:   Delete{},
		DryRun:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsSelected)
	assert.Equal(t, []int{7}, out.Selection.DroppedIndices)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, "out-of-range indices ignored: [7]", out.Warnings[0])
}

func TestBulk_TemplateWithoutContextWarns(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 2)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: Comment{Text: "#{id}: {title}"}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsSucceeded)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "no item context")

	comments, err := db.ListComments(context.Background(), te.store.DB(), 2)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "#2: {title}", comments[0].Text)
}

func TestBulk_StaleContextIsRefetched(t *testing.T) {
	te := newTestEnv(t)
	q := te.queryHandle(t)

	// Someone tags item 3 after the query ran.
	_, err := te.store.Seed(context.Background(), []db.SeedItem{{ID: 3, Title: "Flaky test", State: "Active", Tags: []string{"ci", "flaky", "p2"}}})
	require.NoError(t, err)
	te.clock.Advance(10 * time.Minute)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle:   q.Handle,
		Selector: selection.Indices{Positions: []int{1}},
		Action:   RemoveTags{Tags: []string{"FLAKY"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsSucceeded)
	assert.Equal(t, 2, te.backend.calls())
	assert.Equal(t, "ci; p2", te.field(t, 3, workitem.FieldTags))
}

func TestBulk_PartialCallerContextReadsMissingFields(t *testing.T) {
	te := newTestEnv(t)
	created, err := CreateHandle(te.Env, CreateHandleInput{
		ItemIDs:     []int{3},
		ItemContext: map[int]workitem.Context{3: {Title: "Flaky test", State: "Active"}},
	})
	require.NoError(t, err)

	out, err := Bulk(context.Background(), te.Env, BulkInput{
		Handle: created.Handle,
		Action: AddTags{Tags: []string{"triaged"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsSucceeded)
	assert.Equal(t, 2, te.backend.calls(), "tags were not in the context, so they are read first")
	assert.Equal(t, "ci; flaky; triaged", te.field(t, 3, workitem.FieldTags))
}

func TestBulk_Move(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 1)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: Move{AreaPath: `Web\Identity`, IterationPath: `Web\Sprint 9`}})
	require.NoError(t, err)
	require.Equal(t, 1, out.ItemsSucceeded)
	assert.Equal(t, `Web\Identity`, te.field(t, 1, workitem.FieldAreaPath))

	rec, ok := te.Undo.Get(out.UndoToken)
	require.True(t, ok)
	assert.Equal(t, []batch.PatchOp{
		{Op: "add", Path: "/fields/System.AreaPath", Value: `Web\Auth`},
		{Op: "remove", Path: "/fields/System.IterationPath"},
	}, rec.Items[0].Ops)
}

func TestBulk_Delete(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 4, 5)

	out, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: Delete{}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.ItemsSucceeded)
	assert.Empty(t, out.UndoToken)

	_, err = db.GetWorkItem(context.Background(), te.store.DB(), 4, false)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestBulk_HandleErrors(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()

	_, err := Bulk(ctx, te.Env, BulkInput{Handle: "", Action: Delete{}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	_, err = Bulk(ctx, te.Env, BulkInput{Handle: "qh_missing", Action: Delete{}})
	assert.True(t, errors.Is(err, errors.ErrHandleNotFound))

	out, err := CreateHandle(te.Env, CreateHandleInput{ItemIDs: []int{1}, TTL: time.Minute})
	require.NoError(t, err)
	te.clock.Advance(2 * time.Minute)

	_, err = Bulk(ctx, te.Env, BulkInput{Handle: out.Handle, Action: Delete{}})
	require.True(t, errors.Is(err, errors.ErrHandleNotFound))
	we, _ := errors.As(err)
	assert.NotEmpty(t, we.Details["expired_at"])
	assert.Equal(t, 0, te.backend.calls())
}

func TestBulk_InvalidAction(t *testing.T) {
	te := newTestEnv(t)
	h := te.plainHandle(t, 1)

	_, err := Bulk(context.Background(), te.Env, BulkInput{Handle: h, Action: FieldUpdate{}})
	assert.True(t, errors.Is(err, errors.ErrInvalidAction))

	_, err = Bulk(context.Background(), te.Env, BulkInput{Handle: h})
	assert.True(t, errors.Is(err, errors.ErrInvalidAction))
	assert.Equal(t, 0, te.backend.calls())
}
