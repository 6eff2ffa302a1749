// Package backend defines the backing work-item store contract and the
// Azure DevOps client that implements it over HTTP.
package backend

import (
	"context"

	"github.com/hpungsan/witkit/internal/batch"
)

// Backend is the backing work-item store.
type Backend interface {
	// SubmitBatch sends one batch and returns the raw batch response.
	// An error means the whole batch failed at the transport or server level.
	SubmitBatch(ctx context.Context, b *batch.Batch) ([]byte, error)

	// QueryIDs runs a query and returns matching ids in query order.
	QueryIDs(ctx context.Context, project string, q Query) ([]int, error)
}

// Query is a structured work-item filter. Empty fields are not applied.
type Query struct {
	States         []string `json:"states,omitempty"`
	Types          []string `json:"types,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AssignedTo     string   `json:"assigned_to,omitempty"`
	AreaPath       string   `json:"area_path,omitempty"`
	TitleContains  string   `json:"title_contains,omitempty"`
	ChangedDaysAgo int      `json:"changed_days_ago,omitempty"` // unchanged for at least this many days
	IncludeRemoved bool     `json:"include_removed,omitempty"`
	Top            int      `json:"top,omitempty"`

	// WIQL, when set, is sent verbatim and the structured fields are ignored.
	WIQL string `json:"wiql,omitempty"`
}

// Structured reports whether the query uses the structured filter.
func (q Query) Structured() bool {
	return q.WIQL == ""
}
