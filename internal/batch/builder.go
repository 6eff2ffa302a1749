// Package batch builds bounded-size work-item batch requests and validates
// the batch endpoint's responses.
package batch

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strings"

	"github.com/hpungsan/witkit/internal/errors"
)

// DefaultLimit is the backing store's maximum requests per batch.
const DefaultLimit = 200

// API versions used in request URIs.
const (
	APIVersion        = "7.1"
	CommentAPIVersion = "7.1-preview.4"
)

// Content types.
const (
	ContentTypeJSONPatch = "application/json-patch+json"
	ContentTypeJSON      = "application/json"
)

// Operation types recorded in request metadata.
const (
	OpGet     = "get"
	OpPatch   = "patch"
	OpCreate  = "create"
	OpComment = "comment"
	OpDelete  = "delete"
)

// PatchOp is one JSON-patch operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Metadata ties a request back to the item it targets.
type Metadata struct {
	ItemID        int    `json:"item_id,omitempty"`
	OperationType string `json:"operation_type"`
}

// Request is one entry of a batch.
type Request struct {
	Method   string            `json:"method"`
	URI      string            `json:"uri"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Metadata Metadata          `json:"-"`
}

// Batch is an immutable snapshot produced by Builder.Build.
type Batch struct {
	Requests []Request
}

// MarshalJSON renders the batch as the array the endpoint expects.
func (b *Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Requests)
}

// Builder accumulates requests up to a fixed limit.
type Builder struct {
	organization string
	project      string
	limit        int
	requests     []Request
}

// NewBuilder creates a builder. A limit <= 0 uses DefaultLimit.
func NewBuilder(organization, project string, limit int) *Builder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Builder{organization: organization, project: project, limit: limit}
}

// Organization returns the organization the builder targets.
func (b *Builder) Organization() string { return b.organization }

// Limit returns the builder's capacity.
func (b *Builder) Limit() int { return b.limit }

func (b *Builder) itemURI(id int, query string) string {
	return fmt.Sprintf("/%s/_apis/wit/workitems/%d?%sapi-version=%s", url.PathEscape(b.project), id, query, APIVersion)
}

func (b *Builder) add(r Request) error {
	if len(b.requests) >= b.limit {
		return errors.NewCapacityExceeded(b.limit)
	}
	b.requests = append(b.requests, r)
	return nil
}

// AddGetRequest queues a read of one item, optionally restricted to fields.
func (b *Builder) AddGetRequest(id int, fields []string) error {
	query := ""
	if len(fields) > 0 {
		query = "fields=" + url.QueryEscape(strings.Join(fields, ",")) + "&"
	}
	return b.add(Request{
		Method:   "GET",
		URI:      b.itemURI(id, query),
		Metadata: Metadata{ItemID: id, OperationType: OpGet},
	})
}

// AddGetRequests queues reads until all ids are added or the builder is full.
// It returns how many were added.
func (b *Builder) AddGetRequests(ids []int, fields []string) int {
	added := 0
	for _, id := range ids {
		if err := b.AddGetRequest(id, fields); err != nil {
			break
		}
		added++
	}
	return added
}

// AddPatchRequest queues a JSON-patch update of one item.
func (b *Builder) AddPatchRequest(id int, ops []PatchOp) error {
	body, err := json.Marshal(ops)
	if err != nil {
		return errors.NewInternal(err)
	}
	return b.add(Request{
		Method:   "PATCH",
		URI:      b.itemURI(id, ""),
		Headers:  map[string]string{"Content-Type": ContentTypeJSONPatch},
		Body:     body,
		Metadata: Metadata{ItemID: id, OperationType: OpPatch},
	})
}

// AddPostRequest queues creation of a work item of the given type.
func (b *Builder) AddPostRequest(workItemType string, ops []PatchOp) error {
	body, err := json.Marshal(ops)
	if err != nil {
		return errors.NewInternal(err)
	}
	return b.add(Request{
		Method:   "POST",
		URI:      fmt.Sprintf("/%s/_apis/wit/workitems/$%s?api-version=%s", url.PathEscape(b.project), url.PathEscape(workItemType), APIVersion),
		Headers:  map[string]string{"Content-Type": ContentTypeJSONPatch},
		Body:     body,
		Metadata: Metadata{OperationType: OpCreate},
	})
}

// AddCommentRequest queues a comment on one item.
func (b *Builder) AddCommentRequest(id int, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.NewInternal(err)
	}
	return b.add(Request{
		Method:   "POST",
		URI:      fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments?api-version=%s", url.PathEscape(b.project), id, CommentAPIVersion),
		Headers:  map[string]string{"Content-Type": ContentTypeJSON},
		Body:     body,
		Metadata: Metadata{ItemID: id, OperationType: OpComment},
	})
}

// AddDeleteRequest queues deletion of one item. hard destroys it permanently.
func (b *Builder) AddDeleteRequest(id int, hard bool) error {
	query := ""
	if hard {
		query = "destroy=true&"
	}
	return b.add(Request{
		Method:   "DELETE",
		URI:      b.itemURI(id, query),
		Metadata: Metadata{ItemID: id, OperationType: OpDelete},
	})
}

// Build returns an independent snapshot of the queued requests.
func (b *Builder) Build() (*Batch, error) {
	if len(b.requests) == 0 {
		return nil, errors.NewEmptyBatch()
	}
	out := make([]Request, len(b.requests))
	for i, r := range b.requests {
		r.Headers = maps.Clone(r.Headers)
		if r.Body != nil {
			r.Body = append(json.RawMessage(nil), r.Body...)
		}
		out[i] = r
	}
	return &Batch{Requests: out}, nil
}

// OperationStats counts queued requests by operation type.
func (b *Builder) OperationStats() map[string]int {
	stats := make(map[string]int)
	for _, r := range b.requests {
		stats[r.Metadata.OperationType]++
	}
	return stats
}

// Clear drops all queued requests.
func (b *Builder) Clear() {
	b.requests = nil
}

// Count returns the number of queued requests.
func (b *Builder) Count() int { return len(b.requests) }

// CanAddMore reports whether another request fits.
func (b *Builder) CanAddMore() bool { return len(b.requests) < b.limit }

// RemainingCapacity returns how many more requests fit.
func (b *Builder) RemainingCapacity() int { return b.limit - len(b.requests) }
