package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/selection"
	"github.com/hpungsan/witkit/internal/workitem"
)

// CreateHandleInput contains parameters for CreateHandle.
type CreateHandleInput struct {
	ItemIDs     []int
	ItemContext map[int]workitem.Context
	Project     string
	RawQuery    string
	Category    string
	TTL         time.Duration
}

// HandleOutput describes a stored handle.
type HandleOutput struct {
	Handle       string            `json:"handle"`
	ItemCount    int               `json:"item_count"`
	ContextItems int               `json:"context_items"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

func handleOutput(h *handles.QueryHandle) *HandleOutput {
	return &HandleOutput{
		Handle:       h.ID,
		ItemCount:    len(h.ItemIDs),
		ContextItems: len(h.ItemContext),
		Metadata:     h.Metadata,
		CreatedAt:    h.CreatedAt,
		ExpiresAt:    h.ExpiresAt,
	}
}

// CreateHandle stores an explicit id list, for results produced elsewhere.
func CreateHandle(env *Env, input CreateHandleInput) (*HandleOutput, error) {
	if len(input.ItemIDs) == 0 {
		return nil, errors.NewInvalidInput("item_ids is required")
	}
	for _, id := range input.ItemIDs {
		if id <= 0 {
			return nil, errors.NewInvalidInput(fmt.Sprintf("item id %d must be positive", id))
		}
	}

	meta := map[string]string{MetaProject: strings.TrimSpace(input.Project)}
	if meta[MetaProject] == "" {
		meta[MetaProject] = env.Cfg.EffectiveProject()
	}
	if input.Category != "" {
		meta[MetaCategory] = input.Category
	}

	h, err := env.Handles.Create(handles.CreateInput{
		ItemIDs:     input.ItemIDs,
		RawQuery:    input.RawQuery,
		Metadata:    meta,
		TTL:         input.TTL,
		ItemContext: input.ItemContext,
	})
	if err != nil {
		return nil, err
	}
	return handleOutput(h), nil
}

// ListHandlesInput contains parameters for ListHandles.
type ListHandlesInput struct {
	IncludeExpired bool
	Top            int
	Skip           int
}

// ListHandles pages through stored handles.
func ListHandles(env *Env, input ListHandlesInput) (*handles.ListOutput, error) {
	if input.Top < 0 || input.Skip < 0 {
		return nil, errors.NewInvalidInput("top and skip must not be negative")
	}
	out := env.Handles.List(handles.ListInput{
		IncludeExpired: input.IncludeExpired,
		Top:            input.Top,
		Skip:           input.Skip,
	})
	return &out, nil
}

// InspectHandleInput contains parameters for InspectHandle.
type InspectHandleInput struct {
	Handle   string
	MaxItems int
}

// InspectItem is one handle item with its context snapshot.
type InspectItem struct {
	Index   int               `json:"index"`
	ID      int               `json:"id"`
	Context *workitem.Context `json:"context,omitempty"`
}

// InspectHandleOutput is the result of InspectHandle.
type InspectHandleOutput struct {
	HandleOutput
	RawQuery         string        `json:"raw_query,omitempty"`
	ExpiresInSeconds int           `json:"expires_in_seconds"`
	Items            []InspectItem `json:"items"`
	ItemsShown       int           `json:"items_shown"`
}

// InspectHandle returns a handle's metadata and its first items.
func InspectHandle(env *Env, input InspectHandleInput) (*InspectHandleOutput, error) {
	h, err := lookupHandle(env, input.Handle)
	if err != nil {
		return nil, err
	}

	n := min(env.Cfg.ClampPreviewItems(input.MaxItems), len(h.ItemIDs))
	out := &InspectHandleOutput{
		HandleOutput:     *handleOutput(h),
		RawQuery:         h.RawQuery,
		ExpiresInSeconds: max(int(h.ExpiresAt.Sub(env.now()).Seconds()), 0),
		Items:            make([]InspectItem, 0, n),
		ItemsShown:       n,
	}
	for i, id := range h.ItemIDs[:n] {
		item := InspectItem{Index: i, ID: id}
		if c, ok := h.Context(id); ok {
			item.Context = &c
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// DeleteHandleOutput is the result of DeleteHandle.
type DeleteHandleOutput struct {
	Handle  string `json:"handle"`
	Deleted bool   `json:"deleted"`
}

// DeleteHandle removes a handle. Deleting an unknown handle is not an error.
func DeleteHandle(env *Env, handle string) (*DeleteHandleOutput, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, errors.NewInvalidInput("handle is required")
	}
	return &DeleteHandleOutput{Handle: handle, Deleted: env.Handles.Delete(handle)}, nil
}

// SelectItemsInput contains parameters for SelectItems.
type SelectItemsInput struct {
	Handle          string
	Selector        selection.Selector
	MaxPreviewItems int
}

// SelectItemsOutput is the result of SelectItems.
type SelectItemsOutput struct {
	Handle      string            `json:"handle"`
	SelectedIDs []int             `json:"selected_ids"`
	Selection   selection.Summary `json:"selection"`
	Items       []ItemSummary     `json:"items"`
	Message     string            `json:"message"`
	Warnings    []string          `json:"warnings"`
}

// SelectItems resolves a selector without acting on the result.
func SelectItems(env *Env, input SelectItemsInput) (*SelectItemsOutput, error) {
	h, err := lookupHandle(env, input.Handle)
	if err != nil {
		return nil, err
	}

	res := selection.Resolve(h, input.Selector, env.now())
	out := &SelectItemsOutput{
		Handle:      h.ID,
		SelectedIDs: res.SelectedIDs,
		Selection:   res.Summary,
		Items:       summarizeItems(h, res.SelectedIDs, env.Cfg.ClampPreviewItems(input.MaxPreviewItems)),
		Warnings:    selectionWarnings(res.Summary),
	}
	if len(res.SelectedIDs) == 0 {
		out.Message = MsgNoMatch
	} else {
		out.Message = fmt.Sprintf("Selected %s of %d (%s)", plural(len(res.SelectedIDs), "item"), len(h.ItemIDs), selection.Describe(input.Selector))
	}
	return out, nil
}

func lookupHandle(env *Env, handle string) (*handles.QueryHandle, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, errors.NewInvalidInput("handle is required")
	}
	return env.Handles.Lookup(handle)
}
