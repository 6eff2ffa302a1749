package mcp

import (
	"context"
	"log"
	"maps"
	"os"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/witkit/internal/ops"
)

// ServerName is the MCP implementation name.
const ServerName = "witkit"

const instructions = `witkit lets you act on large sets of work items without restating their ids.
Run wit_query (or wit_handle_create) to get a query handle, inspect or narrow it with
wit_handle_inspect and wit_handle_select, then apply changes with wit_bulk.
Always call wit_bulk with dry_run=true first. Reversible actions return an undo_token for wit_undo.`

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"wit_query": {
		def:     queryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleQuery },
	},
	"wit_handle_create": {
		def:     handleCreateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCreate },
	},
	"wit_handle_list": {
		def:     handleListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"wit_handle_inspect": {
		def:     handleInspectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleInspect },
	},
	"wit_handle_delete": {
		def:     handleDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDelete },
	},
	"wit_handle_select": {
		def:     handleSelectToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSelect },
	},
	"wit_bulk": {
		def:     bulkToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleBulk },
	},
	"wit_undo": {
		def:     undoToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUndo },
	},
}

// AllToolNames returns every valid tool name, sorted.
func AllToolNames() []string {
	return slices.Sorted(maps.Keys(toolRegistry))
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the work-item tools registered.
// Tools listed in DisabledTools are excluded from registration.
func NewServer(env *ops.Env, version string) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	h := NewHandlers(env)

	disabled := make(map[string]bool, len(env.Cfg.DisabledTools))
	for _, name := range env.Cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	env.Log.Debug().Int("tools", len(s.ListTools())).Msg("mcp server ready")
	return s
}

// Run serves MCP over stdio until stdin closes or ctx is cancelled.
func Run(ctx context.Context, env *ops.Env, version string) error {
	s := NewServer(env, version)
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(env.Log, "", 0))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
