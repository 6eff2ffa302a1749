package ops

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/errors"
)

// outcome is the result of one request in a submission.
type outcome struct {
	ok     bool
	status int
	code   errors.ErrorCode
	msg    string
	resp   batch.ItemResponse
}

func (o outcome) itemError(id int) ItemError {
	return ItemError{ID: id, Status: o.status, ErrorCode: string(o.code), Message: o.msg}
}

// buildFunc adds requests for items[lo:hi] to b.
type buildFunc func(b *batch.Builder, lo, hi int) error

// submit splits n requests into batches, sends each after the rate limiter
// admits it, and returns one outcome per request in input order. A failed
// batch only fails its own requests.
func (e *Env) submit(ctx context.Context, project string, n int, build buildFunc) []outcome {
	results := make([]outcome, n)
	if n == 0 {
		return results
	}

	limit := e.batchLimit()
	org := e.Cfg.EffectiveOrganization()

	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	type span struct{ lo, hi int }
	var spans []span
	for _, chunk := range batch.SplitIntoBatches(positions, limit) {
		spans = append(spans, span{chunk[0], chunk[len(chunk)-1] + 1})
	}

	run := func(s span) {
		slot := results[s.lo:s.hi:s.hi]
		if err := e.submitOne(ctx, org, project, limit, s.lo, s.hi, build, slot); err != nil {
			e.Log.Warn().Err(err).Int("batch_start", s.lo).Int("requests", s.hi-s.lo).Msg("batch failed")
			failAll(slot, err)
		}
	}

	workers := e.Cfg.SubmitConcurrency
	if workers <= 1 || len(spans) == 1 {
		for _, s := range spans {
			run(s)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, s := range spans {
		g.Go(func() error {
			run(s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Env) submitOne(ctx context.Context, org, project string, limit, lo, hi int, build buildFunc, slot []outcome) error {
	b := batch.NewBuilder(org, project, limit)
	if err := build(b, lo, hi); err != nil {
		return err
	}
	built, err := b.Build()
	if err != nil {
		return err
	}

	key := b.Organization()
	if e.Limiter.Available(key) < 1 {
		e.Log.Debug().Str("organization", key).Msg("waiting for rate limiter")
	}
	if err := e.Limiter.Throttle(ctx, key); err != nil {
		return errors.NewBackend(fmt.Errorf("rate limiter: %w", err))
	}

	raw, err := e.Backend.SubmitBatch(ctx, built)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.NewBackend(err)
	}
	resp, err := batch.ParseResponse(raw)
	if err != nil {
		return errors.NewBackend(err)
	}

	e.Log.Debug().Int("requests", len(built.Requests)).Interface("ops", b.OperationStats()).Msg("batch submitted")

	for i := range slot {
		if i >= len(resp.Value) {
			slot[i] = outcome{code: errors.ErrBackend, status: http.StatusBadGateway, msg: "no response for request"}
			continue
		}
		r := resp.Value[i]
		if r.OK() {
			slot[i] = outcome{ok: true, status: r.Code, resp: r}
			continue
		}
		slot[i] = outcome{status: r.Code, code: codeForStatus(r.Code), msg: r.ErrorMessage(), resp: r}
	}
	return nil
}

func failAll(slot []outcome, err error) {
	code, status, msg := errors.ErrBackend, http.StatusBadGateway, err.Error()
	if we, ok := errors.As(err); ok {
		code, status, msg = we.Code, we.Status, we.Message
	}
	for i := range slot {
		slot[i] = outcome{code: code, status: status, msg: msg}
	}
}

func codeForStatus(status int) errors.ErrorCode {
	switch status {
	case http.StatusNotFound:
		return errors.ErrNotFound
	case http.StatusBadRequest:
		return errors.ErrInvalidInput
	default:
		return errors.ErrBackend
	}
}

// workItemBody is the GET response body.
type workItemBody struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev"`
	Fields map[string]any `json:"fields"`
}

// fetchItems reads fields for ids through the batch endpoint. Items that
// could not be read are returned in failed.
func (e *Env) fetchItems(ctx context.Context, project string, ids []int, fields []string) (map[int]map[string]any, map[int]ItemError) {
	found := make(map[int]map[string]any, len(ids))
	failed := make(map[int]ItemError)

	results := e.submit(ctx, project, len(ids), func(b *batch.Builder, lo, hi int) error {
		want := ids[lo:hi]
		if added := b.AddGetRequests(want, fields); added != len(want) {
			return errors.NewCapacityExceeded(b.Limit())
		}
		return nil
	})

	for i, id := range ids {
		o := results[i]
		if !o.ok {
			failed[id] = o.itemError(id)
			continue
		}
		var body workItemBody
		if err := o.resp.DecodeBody(&body); err != nil {
			failed[id] = ItemError{ID: id, Status: o.status, ErrorCode: string(errors.ErrBackend), Message: "unreadable work item: " + err.Error()}
			continue
		}
		if body.Fields == nil {
			body.Fields = map[string]any{}
		}
		found[id] = normalizeFields(body.Fields)
	}
	return found, failed
}

// normalizeFields flattens identity objects to their unique name so values
// can be written back as-is.
func normalizeFields(fields map[string]any) map[string]any {
	for ref, v := range fields {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := m["uniqueName"].(string); ok && s != "" {
			fields[ref] = s
		} else if s, ok := m["displayName"].(string); ok {
			fields[ref] = s
		}
	}
	return fields
}

func (e *Env) batchLimit() int {
	limit := e.Cfg.BatchSizeLimit
	if limit <= 0 || limit > batch.DefaultLimit {
		return batch.DefaultLimit
	}
	return limit
}
