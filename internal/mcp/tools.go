package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/witkit/internal/ops"
)

const selectorDescription = `Which handle items to target. "all" (default), an array of zero-based indices ` +
	`such as [0, 2, 5], or a criteria object with any of: states, types, tags, assigned_to, ` +
	`days_inactive_min, days_inactive_max, title_contains. Criteria need item context.`

const actionDescription = `Action object. "type" is one of comment, field_update, assign, add_tags, remove_tags, move, delete. ` +
	`comment: {"text"}; field_update: {"updates":[{"op":"add|replace|remove","path":"/fields/<ref>","value":...}]}; ` +
	`assign: {"assign_to"} ("" unassigns); add_tags/remove_tags: {"tags":[...]}; ` +
	`move: {"area_path","iteration_path"}; delete: {"hard"}. ` +
	`Text values may use {id}, {title}, {state}, {type}, {assignedTo}, {tags}, {daysInactive}.`

var queryToolDef = mcp.NewTool("wit_query",
	mcp.WithDescription("Query work items and store the result under a query handle. "+
		"Use the handle with wit_bulk instead of passing ids around."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("project", mcp.Description("Project name. Defaults to the configured project.")),
	mcp.WithArray("states", mcp.WithStringItems(), mcp.Description("Match any of these states.")),
	mcp.WithArray("types", mcp.WithStringItems(), mcp.Description("Match any of these work item types.")),
	mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Match items carrying any of these tags.")),
	mcp.WithString("assigned_to", mcp.Description(`Assignee unique name, or "@me".`)),
	mcp.WithString("area_path", mcp.Description("Match items under this area path.")),
	mcp.WithString("title_contains", mcp.Description("Case-insensitive title substring.")),
	mcp.WithNumber("changed_days_ago", mcp.Min(0), mcp.Description("Only items unchanged for at least this many days.")),
	mcp.WithBoolean("include_removed", mcp.Description("Include items in the Removed state.")),
	mcp.WithString("wiql", mcp.Description("Raw WIQL query. Overrides the structured filters (azure backend only).")),
	mcp.WithNumber("top", mcp.Min(1), mcp.Max(ops.MaxQueryTop), mcp.Description("Maximum items to keep (default 200).")),
	mcp.WithBoolean("include_context", mcp.DefaultBool(true), mcp.Description("Capture per-item context for criteria selection and templates.")),
	mcp.WithNumber("ttl_seconds", mcp.Description("Handle lifetime; clamped to the configured bounds.")),
)

var handleCreateToolDef = mcp.NewTool("wit_handle_create",
	mcp.WithDescription("Store an explicit list of work item ids under a new query handle."),
	mcp.WithArray("item_ids", mcp.Required(), mcp.WithNumberItems(), mcp.Description("Work item ids in display order. Duplicates are rejected.")),
	mcp.WithObject("item_context", mcp.Description(`Optional per-item context keyed by id, e.g. {"42":{"title":"...","state":"Active","tags":["a"]}}.`)),
	mcp.WithString("project", mcp.Description("Project the items belong to.")),
	mcp.WithString("raw_query", mcp.Description("Query text that produced the ids, kept for reference.")),
	mcp.WithString("category", mcp.Description("Free-form label stored in handle metadata.")),
	mcp.WithNumber("ttl_seconds", mcp.Description("Handle lifetime; clamped to the configured bounds.")),
)

var handleListToolDef = mcp.NewTool("wit_handle_list",
	mcp.WithDescription("List stored query handles, oldest first."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithBoolean("include_expired", mcp.Description("Include handles that expired but were not yet swept.")),
	mcp.WithNumber("top", mcp.Min(1), mcp.Description("Page size.")),
	mcp.WithNumber("skip", mcp.Min(0), mcp.Description("Handles to skip.")),
)

var handleInspectToolDef = mcp.NewTool("wit_handle_inspect",
	mcp.WithDescription("Show a handle's metadata, expiry and its first items with context."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("handle", mcp.Required(), mcp.Description("Query handle (qh_...).")),
	mcp.WithNumber("max_items", mcp.Min(1), mcp.Description("Items to show; clamped to the preview bounds.")),
)

var handleDeleteToolDef = mcp.NewTool("wit_handle_delete",
	mcp.WithDescription("Delete a query handle. Deleting an unknown handle is not an error."),
	mcp.WithIdempotentHintAnnotation(true),
	mcp.WithString("handle", mcp.Required(), mcp.Description("Query handle (qh_...).")),
)

var handleSelectToolDef = mcp.NewTool("wit_handle_select",
	mcp.WithDescription("Resolve a selector against a handle and show which items it picks, without changing anything."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("handle", mcp.Required(), mcp.Description("Query handle (qh_...).")),
	mcp.WithAny("item_selector", mcp.Description(selectorDescription)),
	mcp.WithNumber("max_preview_items", mcp.Min(1), mcp.Description("Selected items to list.")),
)

var bulkToolDef = mcp.NewTool("wit_bulk",
	mcp.WithDescription("Apply one action to the selected items of a query handle. "+
		"Run with dry_run=true first to preview. Reversible actions return an undo_token."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithString("handle", mcp.Required(), mcp.Description("Query handle (qh_...).")),
	mcp.WithAny("item_selector", mcp.Description(selectorDescription)),
	mcp.WithObject("action", mcp.Required(), mcp.Description(actionDescription)),
	mcp.WithBoolean("dry_run", mcp.Description("Preview without calling the backing store.")),
	mcp.WithNumber("max_preview_items", mcp.Min(1), mcp.Description("Preview size; clamped to the configured bounds.")),
)

var undoToolDef = mcp.NewTool("wit_undo",
	mcp.WithDescription("Reverse a previous wit_bulk action using its undo_token. "+
		"If some items fail, the token stays valid for those items."),
	mcp.WithDestructiveHintAnnotation(true),
	mcp.WithString("undo_token", mcp.Required(), mcp.Description("Token returned by wit_bulk (undo_...).")),
	mcp.WithBoolean("dry_run", mcp.Description("Preview the inverse operations.")),
	mcp.WithNumber("max_preview_items", mcp.Min(1), mcp.Description("Preview size.")),
)
