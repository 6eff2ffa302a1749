package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Query types recorded in handle metadata.
const (
	QueryTypeStructured = "structured"
	QueryTypeWIQL       = "wiql"
)

// QueryInput contains parameters for Query.
type QueryInput struct {
	Project        string // empty uses the configured project
	Query          backend.Query
	IncludeContext bool
	TTL            time.Duration // <= 0 uses the default
}

// ItemSummary is a short listing row for one handle item.
type ItemSummary struct {
	Index int    `json:"index"`
	ID    int    `json:"id"`
	Title string `json:"title,omitempty"`
	State string `json:"state,omitempty"`
	Type  string `json:"type,omitempty"`
}

// QueryOutput is the result of Query.
type QueryOutput struct {
	Handle       string        `json:"handle"`
	Project      string        `json:"project"`
	ItemCount    int           `json:"item_count"`
	ContextItems int           `json:"context_items"`
	Query        string        `json:"query"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Items        []ItemSummary `json:"items"`
	Message      string        `json:"message"`
	Warnings     []string      `json:"warnings"`
}

// Query runs a work-item query and stores the result under a new handle.
// Zero results is not an error; no handle is created.
func Query(ctx context.Context, env *Env, input QueryInput) (*QueryOutput, error) {
	q := input.Query
	if q.Top < 0 {
		return nil, errors.NewInvalidInput("top must not be negative")
	}
	if q.Top == 0 {
		q.Top = DefaultQueryTop
	}
	q.Top = min(q.Top, MaxQueryTop)
	if q.ChangedDaysAgo < 0 {
		return nil, errors.NewInvalidInput("changed_days_ago must not be negative")
	}

	project := strings.TrimSpace(input.Project)
	if project == "" {
		project = env.Cfg.EffectiveProject()
	}

	queryType, rawQuery := QueryTypeStructured, q.WIQL
	if q.Structured() {
		rawQuery = backend.BuildWIQL(project, q)
	} else {
		queryType = QueryTypeWIQL
	}

	itemIDs, err := env.Backend.QueryIDs(ctx, project, q)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewBackend(err)
	}

	out := &QueryOutput{
		Project:  project,
		Query:    rawQuery,
		Items:    []ItemSummary{},
		Warnings: []string{},
	}
	if len(itemIDs) == 0 {
		out.Message = "Query returned no work items; no handle was created"
		return out, nil
	}
	if len(itemIDs) > q.Top {
		itemIDs = itemIDs[:q.Top]
	}

	var itemContext map[int]workitem.Context
	if input.IncludeContext {
		fetched, failed := env.fetchItems(ctx, project, itemIDs, workitem.ContextFields)
		itemContext = make(map[int]workitem.Context, len(fetched))
		for id, fields := range fetched {
			itemContext[id] = workitem.FromFields(fields, workitem.ContextFields...)
		}
		if len(failed) > 0 {
			out.Warnings = append(out.Warnings, fmt.Sprintf("context unavailable for %s", plural(len(failed), "item")))
		}
	}

	h, err := env.Handles.Create(handles.CreateInput{
		ItemIDs:  itemIDs,
		RawQuery: rawQuery,
		Metadata: map[string]string{
			MetaProject:   project,
			MetaQueryType: queryType,
			MetaBackend:   env.Cfg.Backend,
		},
		TTL:         input.TTL,
		ItemContext: itemContext,
	})
	if err != nil {
		return nil, err
	}

	out.Handle = h.ID
	out.ItemCount = len(h.ItemIDs)
	out.ContextItems = len(h.ItemContext)
	expires := h.ExpiresAt
	out.ExpiresAt = &expires
	out.Items = summarizeItems(h, h.ItemIDs, env.Cfg.ClampPreviewItems(0))
	out.Message = fmt.Sprintf("Stored %s under handle %s", plural(out.ItemCount, "work item"), h.ID)

	env.Log.Info().Str("handle", h.ID).Str("project", project).Str("query_type", queryType).Int("items", out.ItemCount).Msg("query stored")
	return out, nil
}

// summarizeItems lists up to limit of ids with their handle positions.
func summarizeItems(h *handles.QueryHandle, ids []int, limit int) []ItemSummary {
	pos := make(map[int]int, len(h.ItemIDs))
	for i, id := range h.ItemIDs {
		pos[id] = i
	}
	n := min(limit, len(ids))
	items := make([]ItemSummary, 0, n)
	for _, id := range ids[:n] {
		row := ItemSummary{Index: pos[id], ID: id}
		if c, ok := h.Context(id); ok {
			row.Title, row.State, row.Type = c.Title, c.State, c.Type
		}
		items = append(items, row)
	}
	return items
}
