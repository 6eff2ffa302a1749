package handles

import (
	"time"

	"github.com/hpungsan/witkit/internal/workitem"
)

// QueryHandle is a stored query result. Values are immutable once stored;
// callers must not modify the slices or maps they receive.
type QueryHandle struct {
	ID          string                   `json:"handle"`
	ItemIDs     []int                    `json:"item_ids"`
	RawQuery    string                   `json:"raw_query,omitempty"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	ItemContext map[int]workitem.Context `json:"-"`
	CreatedAt   time.Time                `json:"created_at"`
	ExpiresAt   time.Time                `json:"expires_at"`

	seq uint64
}

// Expired reports whether the handle is logically dead at now.
func (h *QueryHandle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Context returns the snapshot for an item, if one was captured.
func (h *QueryHandle) Context(id int) (workitem.Context, bool) {
	c, ok := h.ItemContext[id]
	return c, ok
}

// HasContext reports whether any item carries a context snapshot.
func (h *QueryHandle) HasContext() bool {
	return len(h.ItemContext) > 0
}

// Summary is the listing view of a handle.
type Summary struct {
	Handle     string            `json:"handle"`
	ItemCount  int               `json:"item_count"`
	HasContext bool              `json:"has_context"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Expired    bool              `json:"expired"`
}

func (h *QueryHandle) summary(now time.Time) Summary {
	return Summary{
		Handle:     h.ID,
		ItemCount:  len(h.ItemIDs),
		HasContext: h.HasContext(),
		Metadata:   h.Metadata,
		CreatedAt:  h.CreatedAt,
		ExpiresAt:  h.ExpiresAt,
		Expired:    h.Expired(now),
	}
}

// Status describes a handle's lifecycle state.
type Status int

const (
	StatusAbsent Status = iota
	StatusActive
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return "absent"
	}
}
