package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/workitem"
)

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	DefaultProject string
	CurrentUser    string // identity matched by an "@me" assignee filter
	Logger         zerolog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// LocalStore is a SQLite-backed work-item store that serves the same batch
// contract as the remote endpoint.
type LocalStore struct {
	db   *sql.DB
	opts LocalOptions
}

var _ backend.Backend = (*LocalStore)(nil)

// NewLocalStore wraps an initialized database.
func NewLocalStore(db *sql.DB, opts LocalOptions) *LocalStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LocalStore{db: db, opts: opts}
}

// DB returns the underlying database.
func (s *LocalStore) DB() *sql.DB { return s.db }

type itemResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

type batchResponse struct {
	Count int            `json:"count"`
	Value []itemResponse `json:"value"`
}

// SubmitBatch executes each request in its own transaction and reports a
// per-request status code, mirroring the remote batch endpoint.
func (s *LocalStore) SubmitBatch(ctx context.Context, b *batch.Batch) ([]byte, error) {
	if len(b.Requests) > batch.DefaultLimit {
		return nil, fmt.Errorf("batch of %d requests exceeds the limit of %d", len(b.Requests), batch.DefaultLimit)
	}

	resp := batchResponse{Value: make([]itemResponse, 0, len(b.Requests))}
	for _, r := range b.Requests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp.Value = append(resp.Value, s.execute(ctx, r))
	}
	resp.Count = len(resp.Value)
	return json.Marshal(resp)
}

func errorResponse(code int, format string, args ...any) itemResponse {
	return itemResponse{
		Code:    code,
		Headers: map[string]string{"Content-Type": batch.ContentTypeJSON},
		Body:    map[string]string{"message": fmt.Sprintf(format, args...)},
	}
}

func okResponse(body any) itemResponse {
	return itemResponse{
		Code:    http.StatusOK,
		Headers: map[string]string{"Content-Type": batch.ContentTypeJSON},
		Body:    body,
	}
}

// target is a parsed request URI.
type target struct {
	project      string
	id           int
	workItemType string // set for create
	comments     bool
	fields       []string
	destroy      bool
}

func parseTarget(uri string) (*target, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 5 || parts[1] != "_apis" || parts[2] != "wit" || !strings.EqualFold(parts[3], "workitems") {
		return nil, fmt.Errorf("unsupported uri %q", uri)
	}

	t := &target{project: parts[0]}
	switch {
	case strings.HasPrefix(parts[4], "$"):
		t.workItemType = parts[4][1:]
		if t.workItemType == "" || len(parts) != 5 {
			return nil, fmt.Errorf("unsupported uri %q", uri)
		}
	default:
		id, err := strconv.Atoi(parts[4])
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid work item id %q", parts[4])
		}
		t.id = id
		switch {
		case len(parts) == 6 && parts[5] == "comments":
			t.comments = true
		case len(parts) != 5:
			return nil, fmt.Errorf("unsupported uri %q", uri)
		}
	}

	q := u.Query()
	if f := q.Get("fields"); f != "" {
		t.fields = strings.Split(f, ",")
	}
	t.destroy = q.Get("destroy") == "true"
	return t, nil
}

func (s *LocalStore) execute(ctx context.Context, r batch.Request) itemResponse {
	t, err := parseTarget(r.URI)
	if err != nil {
		return errorResponse(http.StatusBadRequest, "%v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var resp itemResponse
	switch {
	case r.Method == http.MethodGet && !t.comments && t.id > 0:
		resp = s.get(ctx, tx, t)
	case r.Method == http.MethodPatch && !t.comments && t.id > 0:
		resp = s.patch(ctx, tx, t, r.Body)
	case r.Method == http.MethodPost && t.workItemType != "":
		resp = s.create(ctx, tx, t, r.Body)
	case r.Method == http.MethodPost && t.comments:
		resp = s.comment(ctx, tx, t, r.Body)
	case r.Method == http.MethodDelete && !t.comments && t.id > 0:
		resp = s.remove(ctx, tx, t)
	default:
		return errorResponse(http.StatusMethodNotAllowed, "%s is not supported for %s", r.Method, r.URI)
	}

	if resp.Code >= 200 && resp.Code < 300 {
		if err := tx.Commit(); err != nil {
			return errorResponse(http.StatusInternalServerError, "commit: %v", err)
		}
	}
	return resp
}

func (s *LocalStore) load(ctx context.Context, q Querier, t *target) (*WorkItem, *itemResponse) {
	w, err := GetWorkItem(ctx, q, t.id, false)
	if errors.Is(err, errors.ErrNotFound) {
		resp := errorResponse(http.StatusNotFound, "TF401232: Work item %d does not exist, or you do not have permissions to read it.", t.id)
		return nil, &resp
	}
	if err != nil {
		resp := errorResponse(http.StatusInternalServerError, "%v", err)
		return nil, &resp
	}
	if !strings.EqualFold(w.Project, t.project) {
		resp := errorResponse(http.StatusNotFound, "TF401232: Work item %d does not exist in project %s.", t.id, t.project)
		return nil, &resp
	}
	return w, nil
}

func itemBody(w *WorkItem, fields []string) map[string]any {
	out := w.Fields
	if len(fields) > 0 {
		out = make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := w.Fields[f]; ok {
				out[f] = v
			}
		}
	}
	return map[string]any{
		"id":     w.ID,
		"rev":    w.Rev,
		"fields": out,
	}
}

func (s *LocalStore) get(ctx context.Context, q Querier, t *target) itemResponse {
	w, fail := s.load(ctx, q, t)
	if fail != nil {
		return *fail
	}
	return okResponse(itemBody(w, t.fields))
}

func (s *LocalStore) patch(ctx context.Context, q Querier, t *target, body json.RawMessage) itemResponse {
	var ops []batch.PatchOp
	if err := json.Unmarshal(body, &ops); err != nil {
		return errorResponse(http.StatusBadRequest, "invalid patch document: %v", err)
	}
	if len(ops) == 0 {
		return errorResponse(http.StatusBadRequest, "patch document is empty")
	}

	w, fail := s.load(ctx, q, t)
	if fail != nil {
		return *fail
	}
	if err := ApplyPatch(w.Fields, ops); err != nil {
		return errorResponse(http.StatusBadRequest, "%v", err)
	}
	w.Rev++
	w.ChangedAt = s.opts.Now().Unix()
	if err := UpdateWorkItem(ctx, q, w); err != nil {
		return errorResponse(http.StatusInternalServerError, "%v", err)
	}
	return okResponse(itemBody(w, nil))
}

func (s *LocalStore) create(ctx context.Context, q Querier, t *target, body json.RawMessage) itemResponse {
	var ops []batch.PatchOp
	if err := json.Unmarshal(body, &ops); err != nil {
		return errorResponse(http.StatusBadRequest, "invalid patch document: %v", err)
	}

	fields := map[string]any{
		workitem.FieldType:  t.workItemType,
		workitem.FieldState: "New",
	}
	if err := ApplyPatch(fields, ops); err != nil {
		return errorResponse(http.StatusBadRequest, "%v", err)
	}
	if workitem.StringValue(fields[workitem.FieldTitle]) == "" {
		return errorResponse(http.StatusBadRequest, "TF401320: Rule Error for field Title. Error code: Required.")
	}

	now := s.opts.Now().Unix()
	w := &WorkItem{Project: t.project, Rev: 1, Fields: fields, CreatedAt: now, ChangedAt: now}
	if err := InsertWorkItem(ctx, q, w); err != nil {
		return errorResponse(http.StatusInternalServerError, "%v", err)
	}
	return okResponse(itemBody(w, nil))
}

func (s *LocalStore) comment(ctx context.Context, q Querier, t *target, body json.RawMessage) itemResponse {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &in); err != nil || strings.TrimSpace(in.Text) == "" {
		return errorResponse(http.StatusBadRequest, "comment text is required")
	}
	if _, fail := s.load(ctx, q, t); fail != nil {
		return *fail
	}

	c := &Comment{WorkItemID: t.id, Text: in.Text, CreatedAt: s.opts.Now().Unix()}
	if err := InsertComment(ctx, q, c); err != nil {
		return errorResponse(http.StatusInternalServerError, "%v", err)
	}
	return okResponse(map[string]any{"id": c.ID, "workItemId": c.WorkItemID, "text": c.Text})
}

func (s *LocalStore) remove(ctx context.Context, q Querier, t *target) itemResponse {
	if _, fail := s.load(ctx, q, t); fail != nil {
		return *fail
	}
	var err error
	if t.destroy {
		err = HardDelete(ctx, q, t.id)
	} else {
		err = SoftDelete(ctx, q, t.id, s.opts.Now())
	}
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "%v", err)
	}
	return okResponse(map[string]any{"id": t.id, "destroyed": t.destroy})
}

// ApplyPatch applies JSON-patch operations to a field map. Only /fields/*
// paths are supported.
func ApplyPatch(fields map[string]any, ops []batch.PatchOp) error {
	for i, op := range ops {
		ref, ok := strings.CutPrefix(op.Path, "/fields/")
		if !ok || ref == "" {
			return fmt.Errorf("operation %d: unsupported path %q", i, op.Path)
		}
		switch op.Op {
		case "add", "replace":
			if op.Value == nil {
				delete(fields, ref)
			} else {
				fields[ref] = op.Value
			}
		case "remove":
			delete(fields, ref)
		case "test":
			if !sameValue(fields[ref], op.Value) {
				return fmt.Errorf("operation %d: test failed for %s", i, ref)
			}
		default:
			return fmt.Errorf("operation %d: unsupported op %q", i, op.Op)
		}
	}
	return nil
}

// sameValue compares values after a JSON round trip so 1 and 1.0 agree.
func sameValue(a, b any) bool {
	norm := func(v any) any {
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var out any
		_ = json.Unmarshal(data, &out)
		return out
	}
	return reflect.DeepEqual(norm(a), norm(b))
}

// QueryIDs filters the project's live items. Raw WIQL is not supported.
func (s *LocalStore) QueryIDs(ctx context.Context, project string, q backend.Query) ([]int, error) {
	if !q.Structured() {
		return nil, errors.NewInvalidInput("WIQL queries require the azure backend")
	}
	if project == "" {
		project = s.opts.DefaultProject
	}

	items, err := ListWorkItems(ctx, s.db, project)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	ids := make([]int, 0)
	for _, w := range items {
		if !s.matches(w, q, now) {
			continue
		}
		ids = append(ids, w.ID)
		if q.Top > 0 && len(ids) >= q.Top {
			break
		}
	}
	return ids, nil
}

func (s *LocalStore) matches(w *WorkItem, q backend.Query, now time.Time) bool {
	c := workitem.FromFields(w.Fields)

	if len(q.States) > 0 {
		if !containsFold(q.States, c.State) {
			return false
		}
	} else if !q.IncludeRemoved && c.State == "Removed" {
		return false
	}
	if len(q.Types) > 0 && !containsFold(q.Types, c.Type) {
		return false
	}
	if len(q.Tags) > 0 {
		hit := false
		for _, tag := range q.Tags {
			if workitem.HasTag(c.Tags, tag) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if q.AssignedTo != "" {
		want := q.AssignedTo
		if strings.EqualFold(want, "@me") {
			want = s.opts.CurrentUser
		}
		if want == "" || !strings.EqualFold(c.AssignedTo, want) {
			return false
		}
	}
	if q.AreaPath != "" {
		if !strings.EqualFold(c.AreaPath, q.AreaPath) && !strings.HasPrefix(strings.ToLower(c.AreaPath), strings.ToLower(q.AreaPath)+`\`) {
			return false
		}
	}
	if q.TitleContains != "" && !strings.Contains(strings.ToLower(c.Title), strings.ToLower(q.TitleContains)) {
		return false
	}
	if q.ChangedDaysAgo > 0 {
		cutoff := now.Add(-time.Duration(q.ChangedDaysAgo) * 24 * time.Hour)
		if time.Unix(w.ChangedAt, 0).After(cutoff) {
			return false
		}
	}
	return true
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func itoa(n int) string { return strconv.Itoa(n) }
