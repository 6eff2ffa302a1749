// Package ops implements the tool operations: queries that produce handles,
// handle management, and the bulk mutation executor with undo.
package ops

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/ratelimit"
	"github.com/hpungsan/witkit/internal/undo"
)

// Query limits
const (
	DefaultQueryTop = 200
	MaxQueryTop     = 1000
)

// Env holds the collaborators an operation needs.
type Env struct {
	Handles *handles.Store
	Undo    *undo.Ledger
	Backend backend.Backend
	Limiter *ratelimit.Limiter
	Cfg     *config.Config
	Log     zerolog.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// projectFor returns the project a handle's items live in.
func (e *Env) projectFor(h *handles.QueryHandle) string {
	if p := h.Metadata[MetaProject]; p != "" {
		return p
	}
	return e.Cfg.EffectiveProject()
}

// Handle metadata keys.
const (
	MetaProject   = "project"
	MetaQueryType = "query_type"
	MetaBackend   = "backend"
	MetaCategory  = "category"
)

// ItemError reports why one work item failed.
type ItemError struct {
	ID        int    `json:"id"`
	Status    int    `json:"status,omitempty"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// PreviewItem shows what an action would do to one item.
type PreviewItem struct {
	Index  int    `json:"index"`
	ID     int    `json:"id"`
	Title  string `json:"title,omitempty"`
	State  string `json:"state,omitempty"`
	Change string `json:"change"`
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return itoa(n) + " " + word + "s"
}
