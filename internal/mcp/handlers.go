package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/ops"
	"github.com/hpungsan/witkit/internal/selection"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	env *ops.Env
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(env *ops.Env) *Handlers {
	return &Handlers{env: env}
}

// Request types for each tool

// QueryRequest represents the arguments for wit_query.
type QueryRequest struct {
	backend.Query
	Project        string `json:"project,omitempty"`
	IncludeContext *bool  `json:"include_context,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
}

// HandleCreateRequest represents the arguments for wit_handle_create.
type HandleCreateRequest struct {
	ItemIDs     []int                    `json:"item_ids"`
	ItemContext map[int]workitem.Context `json:"item_context,omitempty"`
	Project     string                   `json:"project,omitempty"`
	RawQuery    string                   `json:"raw_query,omitempty"`
	Category    string                   `json:"category,omitempty"`
	TTLSeconds  int                      `json:"ttl_seconds,omitempty"`
}

// HandleListRequest represents the arguments for wit_handle_list.
type HandleListRequest struct {
	IncludeExpired bool `json:"include_expired,omitempty"`
	Top            int  `json:"top,omitempty"`
	Skip           int  `json:"skip,omitempty"`
}

// HandleInspectRequest represents the arguments for wit_handle_inspect.
type HandleInspectRequest struct {
	Handle   string `json:"handle"`
	MaxItems int    `json:"max_items,omitempty"`
}

// HandleDeleteRequest represents the arguments for wit_handle_delete.
type HandleDeleteRequest struct {
	Handle string `json:"handle"`
}

// HandleSelectRequest represents the arguments for wit_handle_select.
type HandleSelectRequest struct {
	Handle          string          `json:"handle"`
	ItemSelector    json.RawMessage `json:"item_selector,omitempty"`
	MaxPreviewItems int             `json:"max_preview_items,omitempty"`
}

// BulkRequest represents the arguments for wit_bulk.
type BulkRequest struct {
	Handle          string          `json:"handle"`
	ItemSelector    json.RawMessage `json:"item_selector,omitempty"`
	Action          json.RawMessage `json:"action"`
	DryRun          bool            `json:"dry_run,omitempty"`
	MaxPreviewItems int             `json:"max_preview_items,omitempty"`
}

// UndoRequest represents the arguments for wit_undo.
type UndoRequest struct {
	UndoToken       string `json:"undo_token"`
	DryRun          bool   `json:"dry_run,omitempty"`
	MaxPreviewItems int    `json:"max_preview_items,omitempty"`
}

// Handler implementations

// HandleQuery handles the wit_query tool call.
func (h *Handlers) HandleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[QueryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	includeContext := true
	if input.IncludeContext != nil {
		includeContext = *input.IncludeContext
	}

	result, err := ops.Query(ctx, h.env, ops.QueryInput{
		Project:        input.Project,
		Query:          input.Query,
		IncludeContext: includeContext,
		TTL:            seconds(input.TTLSeconds),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleCreate handles the wit_handle_create tool call.
func (h *Handlers) HandleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HandleCreateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.CreateHandle(h.env, ops.CreateHandleInput{
		ItemIDs:     input.ItemIDs,
		ItemContext: input.ItemContext,
		Project:     input.Project,
		RawQuery:    input.RawQuery,
		Category:    input.Category,
		TTL:         seconds(input.TTLSeconds),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleList handles the wit_handle_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HandleListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.ListHandles(h.env, ops.ListHandlesInput{
		IncludeExpired: input.IncludeExpired,
		Top:            input.Top,
		Skip:           input.Skip,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleInspect handles the wit_handle_inspect tool call.
func (h *Handlers) HandleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HandleInspectRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.InspectHandle(h.env, ops.InspectHandleInput{
		Handle:   input.Handle,
		MaxItems: input.MaxItems,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDelete handles the wit_handle_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HandleDeleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.DeleteHandle(h.env, input.Handle)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleSelect handles the wit_handle_select tool call.
func (h *Handlers) HandleSelect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HandleSelectRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	sel, err := selection.Parse(input.ItemSelector)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.SelectItems(h.env, ops.SelectItemsInput{
		Handle:          input.Handle,
		Selector:        sel,
		MaxPreviewItems: input.MaxPreviewItems,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleBulk handles the wit_bulk tool call.
func (h *Handlers) HandleBulk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BulkRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	sel, err := selection.Parse(input.ItemSelector)
	if err != nil {
		return errorResult(err), nil
	}
	action, err := ops.ParseAction(input.Action)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := ops.Bulk(ctx, h.env, ops.BulkInput{
		Handle:          input.Handle,
		Selector:        sel,
		Action:          action,
		DryRun:          input.DryRun,
		MaxPreviewItems: input.MaxPreviewItems,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleUndo handles the wit_undo tool call.
func (h *Handlers) HandleUndo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UndoRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.Undo(ctx, h.env, ops.UndoInput{
		Token:           input.UndoToken,
		DryRun:          input.DryRun,
		MaxPreviewItems: input.MaxPreviewItems,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if witErr, ok := errors.As(err); ok {
		msg := witErr.Message
		// Keep any context added by wrapping, e.g. "items[2]: ".
		if prefix, found := strings.CutSuffix(err.Error(), witErr.Error()); found && prefix != "" {
			msg = prefix + msg
		}
		errorObj := map[string]any{
			"code":    witErr.Code,
			"message": msg,
			"status":  witErr.Status,
		}
		if witErr.Code != errors.ErrInternal && witErr.Details != nil {
			errorObj["details"] = witErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
