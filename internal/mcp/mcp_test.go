package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/db"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/ops"
	"github.com/hpungsan/witkit/internal/ratelimit"
	"github.com/hpungsan/witkit/internal/undo"
)

// testSetup creates a seeded local store and an environment around it.
func testSetup(t *testing.T) (*ops.Env, *db.LocalStore) {
	t.Helper()

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewLocalStore(database, db.LocalOptions{
		DefaultProject: "Web",
		CurrentUser:    "me@contoso.com",
		Logger:         zerolog.Nop(),
	})
	_, err = store.Seed(context.Background(), []db.SeedItem{
		{ID: 1, Title: "Login broken", State: "Active", Type: "Bug", Tags: []string{"auth"}},
		{ID: 2, Title: "Add SSO", State: "New", Type: "User Story"},
		{ID: 3, Title: "Flaky test", State: "Active", Type: "Bug"},
		{ID: 4, Title: "Old crash", State: "Removed", Type: "Bug"},
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Project = "Web"

	hs := handles.New(handles.OptionsFromConfig(cfg), zerolog.Nop())
	t.Cleanup(hs.Close)
	ledger := undo.New(undo.OptionsFromConfig(cfg), zerolog.Nop())
	t.Cleanup(ledger.Close)

	env := &ops.Env{
		Handles: hs,
		Undo:    ledger,
		Backend: store,
		Limiter: ratelimit.New(100, 0),
		Cfg:     cfg,
		Log:     zerolog.Nop(),
	}
	return env, store
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleQuery(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		wantCount float64
		wantError bool
		errorCode string
	}{
		{
			name:      "removed items are excluded",
			args:      map[string]any{},
			wantCount: 3,
		},
		{
			name:      "by state and type",
			args:      map[string]any{"states": []any{"Active"}, "types": []any{"Bug"}},
			wantCount: 2,
		},
		{
			name:      "top limits the result",
			args:      map[string]any{"top": 1},
			wantCount: 1,
		},
		{
			name:      "negative top",
			args:      map[string]any{"top": -1},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
		{
			name:      "wrong argument type",
			args:      map[string]any{"states": "Active"},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
		{
			name:      "raw wiql against the local store",
			args:      map[string]any{"wiql": "SELECT [System.Id] FROM WorkItems"},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleQuery(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}

			if tt.wantError {
				if !result.IsError {
					t.Fatalf("expected error result, got success")
				}
				assertErrorCode(t, result, tt.errorCode)
				return
			}

			output := parseOutput(t, result)
			if output["item_count"] != tt.wantCount {
				t.Errorf("item_count = %v, want %v", output["item_count"], tt.wantCount)
			}
			if output["handle"] == "" {
				t.Error("expected a handle")
			}
		})
	}
}

func TestHandleQuery_ContextDefaultsOn(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	result, _ := h.HandleQuery(ctx, makeRequest(map[string]any{}))
	output := parseOutput(t, result)
	if output["context_items"] != float64(3) {
		t.Errorf("context_items = %v, want 3", output["context_items"])
	}

	result, _ = h.HandleQuery(ctx, makeRequest(map[string]any{"include_context": false}))
	output = parseOutput(t, result)
	if output["context_items"] != float64(0) {
		t.Errorf("context_items = %v, want 0", output["context_items"])
	}
}

func TestHandleQuery_NoResults(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)

	result, _ := h.HandleQuery(context.Background(), makeRequest(map[string]any{"states": []any{"Resolved"}}))
	output := parseOutput(t, result)
	if output["handle"] != "" {
		t.Errorf("handle = %v, want empty", output["handle"])
	}
	if env.Handles.Len() != 0 {
		t.Errorf("stored handles = %d, want 0", env.Handles.Len())
	}
}

func TestHandleCreate(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		wantError bool
		errorCode string
	}{
		{
			name: "ids with context",
			args: map[string]any{
				"item_ids": []any{1, 3},
				"item_context": map[string]any{
					"1": map[string]any{"title": "Login broken", "state": "Active", "tags": []any{"auth"}},
				},
				"category": "triage",
			},
		},
		{
			name:      "missing ids",
			args:      map[string]any{},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
		{
			name:      "duplicate ids",
			args:      map[string]any{"item_ids": []any{1, 1}},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
		{
			name:      "non-numeric context key",
			args:      map[string]any{"item_ids": []any{1}, "item_context": map[string]any{"one": map[string]any{}}},
			wantError: true,
			errorCode: "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleCreate(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}

			if tt.wantError {
				if !result.IsError {
					t.Fatalf("expected error result, got success")
				}
				assertErrorCode(t, result, tt.errorCode)
				return
			}

			output := parseOutput(t, result)
			if output["item_count"] != float64(2) {
				t.Errorf("item_count = %v, want 2", output["item_count"])
			}
			if output["context_items"] != float64(1) {
				t.Errorf("context_items = %v, want 1", output["context_items"])
			}
		})
	}
}

func TestHandleList_InspectAndDelete(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	handle := createHandle(t, h, 1, 2)

	result, _ := h.HandleList(ctx, makeRequest(map[string]any{}))
	output := parseOutput(t, result)
	list := output["handles"].([]any)
	if len(list) != 1 {
		t.Fatalf("listed %d handles, want 1", len(list))
	}

	result, _ = h.HandleInspect(ctx, makeRequest(map[string]any{"handle": handle, "max_items": 1}))
	output = parseOutput(t, result)
	if output["items_shown"] != float64(1) {
		t.Errorf("items_shown = %v, want 1", output["items_shown"])
	}

	result, _ = h.HandleDelete(ctx, makeRequest(map[string]any{"handle": handle}))
	output = parseOutput(t, result)
	if output["deleted"] != true {
		t.Errorf("deleted = %v, want true", output["deleted"])
	}

	result, _ = h.HandleInspect(ctx, makeRequest(map[string]any{"handle": handle}))
	assertErrorCode(t, result, "HANDLE_NOT_FOUND")

	result, _ = h.HandleList(ctx, makeRequest(map[string]any{"skip": -1}))
	assertErrorCode(t, result, "INVALID_INPUT")
}

func TestHandleSelect(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	handle := queryHandle(t, h)

	tests := []struct {
		name      string
		selector  any
		wantIDs   []int
		errorCode string
	}{
		{name: "default selects all", selector: nil, wantIDs: []int{1, 2, 3}},
		{name: "all keyword", selector: "all", wantIDs: []int{1, 2, 3}},
		{name: "criteria", selector: map[string]any{"types": []any{"Bug"}}, wantIDs: []int{1, 3}},
		{name: "unknown keyword", selector: "some", errorCode: "INVALID_INPUT"},
		{name: "negative index", selector: []any{-1}, errorCode: "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{"handle": handle}
			if tt.selector != nil {
				args["item_selector"] = tt.selector
			}
			result, err := h.HandleSelect(ctx, makeRequest(args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if tt.errorCode != "" {
				assertErrorCode(t, result, tt.errorCode)
				return
			}

			output := parseOutput(t, result)
			var got []int
			for _, v := range output["selected_ids"].([]any) {
				got = append(got, int(v.(float64)))
			}
			slices.Sort(got)
			if !slices.Equal(got, tt.wantIDs) {
				t.Errorf("selected_ids = %v, want %v", got, tt.wantIDs)
			}
		})
	}
}

// TestBulkAndUndoFlow drives query, preview, apply and undo through the handlers.
func TestBulkAndUndoFlow(t *testing.T) {
	env, store := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	handle := queryHandle(t, h)
	selector := map[string]any{"states": []any{"Active"}, "types": []any{"Bug"}}
	action := map[string]any{"type": "add_tags", "tags": []any{"triaged"}}

	// Preview
	result, _ := h.HandleBulk(ctx, makeRequest(map[string]any{
		"handle":        handle,
		"item_selector": selector,
		"action":        action,
		"dry_run":       true,
	}))
	output := parseOutput(t, result)
	if output["dry_run"] != true {
		t.Errorf("dry_run = %v, want true", output["dry_run"])
	}
	if output["items_selected"] != float64(2) {
		t.Errorf("items_selected = %v, want 2", output["items_selected"])
	}
	if preview := output["preview_items"].([]any); len(preview) != 2 {
		t.Errorf("preview has %d items, want 2", len(preview))
	}
	if tags := itemField(t, store, 1, "System.Tags"); tags != "auth" {
		t.Fatalf("dry run changed tags to %v", tags)
	}

	// Apply
	result, _ = h.HandleBulk(ctx, makeRequest(map[string]any{
		"handle":        handle,
		"item_selector": selector,
		"action":        action,
	}))
	output = parseOutput(t, result)
	if output["success"] != true || output["items_succeeded"] != float64(2) {
		t.Fatalf("unexpected bulk result: %v", output)
	}
	token, _ := output["undo_token"].(string)
	if !strings.HasPrefix(token, "undo_") {
		t.Fatalf("undo_token = %q", token)
	}
	if tags := itemField(t, store, 1, "System.Tags"); tags != "auth; triaged" {
		t.Errorf("tags after bulk = %v", tags)
	}

	// Undo
	result, _ = h.HandleUndo(ctx, makeRequest(map[string]any{"undo_token": token}))
	output = parseOutput(t, result)
	if output["items_succeeded"] != float64(2) {
		t.Errorf("undo items_succeeded = %v, want 2", output["items_succeeded"])
	}
	if tags := itemField(t, store, 1, "System.Tags"); tags != "auth" {
		t.Errorf("tags after undo = %v", tags)
	}

	result, _ = h.HandleUndo(ctx, makeRequest(map[string]any{"undo_token": token}))
	assertErrorCode(t, result, "UNDO_NOT_FOUND")
}

func TestHandleBulk_Errors(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	handle := createHandle(t, h, 1)
	comment := map[string]any{"type": "comment", "text": "ping"}

	tests := []struct {
		name      string
		args      map[string]any
		errorCode string
	}{
		{
			name:      "missing handle",
			args:      map[string]any{"action": comment},
			errorCode: "INVALID_INPUT",
		},
		{
			name:      "unknown handle",
			args:      map[string]any{"handle": "qh_missing", "action": comment},
			errorCode: "HANDLE_NOT_FOUND",
		},
		{
			name:      "missing action",
			args:      map[string]any{"handle": handle},
			errorCode: "INVALID_ACTION",
		},
		{
			name:      "unknown action type",
			args:      map[string]any{"handle": handle, "action": map[string]any{"type": "archive"}},
			errorCode: "INVALID_ACTION",
		},
		{
			name:      "bad selector",
			args:      map[string]any{"handle": handle, "action": comment, "item_selector": 3},
			errorCode: "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleBulk(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got success: %v", extractErrorMessage(result))
			}
			assertErrorCode(t, result, tt.errorCode)
		})
	}
}

func TestHandleBulk_PartialFailure(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	handle := createHandle(t, h, 1, 999)

	result, _ := h.HandleBulk(ctx, makeRequest(map[string]any{
		"handle": handle,
		"action": map[string]any{"type": "comment", "text": "Seen by triage #{id}"},
	}))
	output := parseOutput(t, result)
	if output["success"] != true {
		t.Errorf("success = %v, want true", output["success"])
	}
	if output["items_failed"] != float64(1) {
		t.Errorf("items_failed = %v, want 1", output["items_failed"])
	}
	errs := output["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("errors has %d entries, want 1", len(errs))
	}
	first := errs[0].(map[string]any)
	if first["id"] != float64(999) || first["error_code"] != "NOT_FOUND" {
		t.Errorf("unexpected item error: %v", first)
	}
	if _, ok := output["undo_token"]; ok {
		t.Error("comments are not reversible; expected no undo_token")
	}
}

func TestHandleUndo_Errors(t *testing.T) {
	env, _ := testSetup(t)
	h := NewHandlers(env)
	ctx := context.Background()

	result, _ := h.HandleUndo(ctx, makeRequest(map[string]any{}))
	assertErrorCode(t, result, "INVALID_INPUT")

	result, _ = h.HandleUndo(ctx, makeRequest(map[string]any{"undo_token": "undo_01jaaaaaaaaaaaaaaaaaaaaaaa"}))
	assertErrorCode(t, result, "UNDO_NOT_FOUND")

	result, _ = h.HandleUndo(ctx, makeRequest(map[string]any{"undo_token": "qh_01jaaaaaaaaaaaaaaaaaaaaaaa"}))
	assertErrorCode(t, result, "INVALID_INPUT")
}

func TestServerRegistration(t *testing.T) {
	env, _ := testSetup(t)

	s := NewServer(env, "test")
	tools := s.ListTools()

	expectedTools := []string{
		"wit_query",
		"wit_handle_create",
		"wit_handle_list",
		"wit_handle_inspect",
		"wit_handle_delete",
		"wit_handle_select",
		"wit_bulk",
		"wit_undo",
	}

	if len(tools) != len(expectedTools) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expectedTools))
	}
	for _, name := range expectedTools {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	env, _ := testSetup(t)

	env.Cfg.DisabledTools = []string{"wit_bulk", "wit_undo", "wit_bulk"}
	tools := NewServer(env, "test").ListTools()

	if len(tools) != 6 {
		t.Errorf("registered tool count = %d, want 6", len(tools))
	}
	for _, name := range []string{"wit_bulk", "wit_undo"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
	if _, ok := tools["wit_query"]; !ok {
		t.Error("wit_query should be registered")
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	env, _ := testSetup(t)

	env.Cfg.DisabledTools = AllToolNames()
	if n := len(NewServer(env, "test").ListTools()); n != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", n)
	}
}

func TestToolDefinitions_RequiredArguments(t *testing.T) {
	tests := []struct {
		tool mcp.Tool
		want []string
	}{
		{queryToolDef, nil},
		{handleCreateToolDef, []string{"item_ids"}},
		{handleInspectToolDef, []string{"handle"}},
		{handleSelectToolDef, []string{"handle"}},
		{bulkToolDef, []string{"handle", "action"}},
		{undoToolDef, []string{"undo_token"}},
	}

	for _, tt := range tests {
		t.Run(tt.tool.Name, func(t *testing.T) {
			got := slices.Clone(tt.tool.InputSchema.Required)
			slices.Sort(got)
			want := slices.Clone(tt.want)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Errorf("required = %v, want %v", got, want)
			}
		})
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{name: "all valid", input: []string{"wit_bulk", "wit_undo"}, wantLen: 0},
		{name: "one unknown", input: []string{"wit_bulk", "fake_tool"}, wantLen: 1},
		{name: "all unknown", input: []string{"foo", "bar", "baz"}, wantLen: 3},
		{name: "empty list", input: []string{}, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != 8 {
		t.Errorf("AllToolNames() returned %d names, want 8", len(names))
	}
	if !slices.IsSorted(names) {
		t.Errorf("AllToolNames() not sorted: %v", names)
	}
	if unknown := ValidateDisabledTools(names); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("sql error: open /tmp/secret.db: permission denied")))
	errObj := errorObject(t, r)

	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
}

func TestErrorResult_WrappedErrorPreservesContext(t *testing.T) {
	wrapped := fmt.Errorf("items[2]: %w", errors.NewNotFound("42"))

	errObj := errorObject(t, errorResult(wrapped))

	if errObj["code"] != string(errors.ErrNotFound) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	msg := errObj["message"].(string)
	if !strings.HasPrefix(msg, "items[2]: ") {
		t.Errorf("message should keep wrapper context, got: %s", msg)
	}
	if strings.Contains(msg, "NOT_FOUND") {
		t.Errorf("message should not repeat the code, got: %s", msg)
	}
}

func TestErrorResult_NonInternalIncludesDetails(t *testing.T) {
	errObj := errorObject(t, errorResult(errors.NewHandleNotFound("qh_abc", "")))

	if errObj["code"] != string(errors.ErrHandleNotFound) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrHandleNotFound)
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

func TestErrorResult_PlainError(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("boom")))
	if errObj["code"] != string(errors.ErrInternal) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if errObj["message"] != "an internal error occurred" {
		t.Errorf("message=%v", errObj["message"])
	}
}

// Helper functions

func queryHandle(t *testing.T, h *Handlers) string {
	t.Helper()
	result, _ := h.HandleQuery(context.Background(), makeRequest(map[string]any{}))
	output := parseOutput(t, result)
	return output["handle"].(string)
}

func createHandle(t *testing.T, h *Handlers, ids ...int) string {
	t.Helper()
	raw := make([]any, len(ids))
	for i, id := range ids {
		raw[i] = id
	}
	result, _ := h.HandleCreate(context.Background(), makeRequest(map[string]any{"item_ids": raw}))
	output := parseOutput(t, result)
	return output["handle"].(string)
}

func itemField(t *testing.T, store *db.LocalStore, id int, ref string) any {
	t.Helper()
	w, err := db.GetWorkItem(context.Background(), store.DB(), id, false)
	if err != nil {
		t.Fatalf("get work item %d: %v", id, err)
	}
	return w.Fields[ref]
}

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if !result.IsError {
		t.Fatal("expected IsError=true")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()
	errObj := errorObject(t, result)
	if code, _ := errObj["code"].(string); code != expectedCode {
		t.Errorf("got error code %q, want %q (%v)", code, expectedCode, errObj["message"])
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}

	return text.Text
}
