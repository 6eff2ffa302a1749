// Package handles implements the query handle store: a TTL-bound,
// concurrently accessed mapping from opaque handle tokens to ordered
// work-item sets with optional per-item context.
package handles

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/ids"
	"github.com/hpungsan/witkit/internal/sweep"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Options configures a Store.
type Options struct {
	DefaultTTL     time.Duration
	MinTTL         time.Duration
	MaxTTL         time.Duration
	SweepInterval  time.Duration
	ListTopDefault int
	ListTopMax     int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig builds store options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTTL:     cfg.HandleTTL(),
		MinTTL:         cfg.HandleTTLMin(),
		MaxTTL:         cfg.HandleTTLMax(),
		SweepInterval:  cfg.SweepInterval(),
		ListTopDefault: cfg.ListTopDefault,
		ListTopMax:     cfg.ListTopMax,
	}
}

func (o Options) withDefaults() Options {
	d := config.DefaultConfig()
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = d.HandleTTL()
	}
	if o.MinTTL <= 0 {
		o.MinTTL = d.HandleTTLMin()
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = d.HandleTTLMax()
	}
	if o.ListTopDefault <= 0 {
		o.ListTopDefault = d.ListTopDefault
	}
	if o.ListTopMax <= 0 {
		o.ListTopMax = d.ListTopMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store owns query handle lifetimes.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*QueryHandle
	seq     uint64

	job *sweep.Job
}

// New creates a store and starts its sweep job. Call Close to stop it.
func New(opts Options, logger zerolog.Logger) *Store {
	s := &Store{
		opts:    opts.withDefaults(),
		log:     logger,
		entries: make(map[string]*QueryHandle),
	}
	s.job = sweep.Start(context.Background(), s.opts.SweepInterval, s.SweepExpired, logger)
	return s
}

// Close stops the sweep job. The store remains usable.
func (s *Store) Close() {
	s.job.Stop()
}

// CreateInput contains parameters for Create.
type CreateInput struct {
	ItemIDs     []int
	RawQuery    string
	Metadata    map[string]string
	TTL         time.Duration // <= 0 uses the default
	ItemContext map[int]workitem.Context
}

// Create stores a new handle.
func (s *Store) Create(input CreateInput) (*QueryHandle, error) {
	if len(input.ItemIDs) == 0 {
		return nil, errors.NewInvalidInput("item_ids must not be empty")
	}
	seen := make(map[int]struct{}, len(input.ItemIDs))
	for _, id := range input.ItemIDs {
		if _, dup := seen[id]; dup {
			return nil, errors.NewInvalidInput(fmt.Sprintf("item_ids contains duplicate id %d", id))
		}
		seen[id] = struct{}{}
	}

	now := s.opts.Now()
	token, err := ids.New(ids.HandlePrefix, now)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	h := &QueryHandle{
		ID:        token,
		ItemIDs:   slices.Clone(input.ItemIDs),
		RawQuery:  input.RawQuery,
		Metadata:  maps.Clone(input.Metadata),
		CreatedAt: now,
		ExpiresAt: now.Add(s.clampTTL(input.TTL)),
	}
	if len(input.ItemContext) > 0 {
		// Context for ids outside the set is ignored.
		h.ItemContext = make(map[int]workitem.Context, len(input.ItemContext))
		for id, c := range input.ItemContext {
			if _, ok := seen[id]; ok {
				h.ItemContext[id] = c
			}
		}
	}

	s.mu.Lock()
	s.seq++
	h.seq = s.seq
	s.entries[h.ID] = h
	s.mu.Unlock()

	s.log.Debug().Str("handle", h.ID).Int("items", len(h.ItemIDs)).Time("expires_at", h.ExpiresAt).Msg("handle created")
	return h, nil
}

func (s *Store) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	return min(max(ttl, s.opts.MinTTL), s.opts.MaxTTL)
}

// Get returns an unexpired handle. Absent and expired handles both report false.
func (s *Store) Get(id string) (*QueryHandle, bool) {
	now := s.opts.Now()
	s.mu.RLock()
	h, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || h.Expired(now) {
		return nil, false
	}
	return h, true
}

// Status reports a handle's lifecycle state for diagnostics.
// expiresAt is zero when the handle is absent.
func (s *Store) Status(id string) (Status, time.Time) {
	now := s.opts.Now()
	s.mu.RLock()
	h, ok := s.entries[id]
	s.mu.RUnlock()
	switch {
	case !ok:
		return StatusAbsent, time.Time{}
	case h.Expired(now):
		return StatusExpired, h.ExpiresAt
	default:
		return StatusActive, h.ExpiresAt
	}
}

// Lookup returns an unexpired handle or a HANDLE_NOT_FOUND error that says
// whether the handle expired.
func (s *Store) Lookup(id string) (*QueryHandle, error) {
	if h, ok := s.Get(id); ok {
		return h, nil
	}
	st, expiresAt := s.Status(id)
	if st == StatusExpired {
		return nil, errors.NewHandleNotFound(id, expiresAt.UTC().Format(time.RFC3339))
	}
	return nil, errors.NewHandleNotFound(id, "")
}

// ListInput contains parameters for List.
type ListInput struct {
	IncludeExpired bool
	Top            int // <= 0 uses the default
	Skip           int
}

// Pagination contains pagination metadata for List.
type Pagination struct {
	Total    int  `json:"total"`
	Returned int  `json:"returned"`
	Skip     int  `json:"skip"`
	Top      int  `json:"top"`
	HasMore  bool `json:"has_more"`
	NextSkip *int `json:"next_skip,omitempty"`
}

// ListOutput contains the result of List.
type ListOutput struct {
	Handles    []Summary  `json:"handles"`
	Pagination Pagination `json:"pagination"`
}

// List returns handle summaries in creation order.
func (s *Store) List(input ListInput) ListOutput {
	top := input.Top
	if top <= 0 {
		top = s.opts.ListTopDefault
	}
	top = min(top, s.opts.ListTopMax)
	skip := max(input.Skip, 0)

	now := s.opts.Now()
	s.mu.RLock()
	all := make([]*QueryHandle, 0, len(s.entries))
	for _, h := range s.entries {
		if input.IncludeExpired || !h.Expired(now) {
			all = append(all, h)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := ListOutput{Handles: []Summary{}}
	total := len(all)
	if skip < total {
		end := min(skip+top, total)
		for _, h := range all[skip:end] {
			out.Handles = append(out.Handles, h.summary(now))
		}
	}

	out.Pagination = Pagination{
		Total:    total,
		Returned: len(out.Handles),
		Skip:     skip,
		Top:      top,
		HasMore:  skip+len(out.Handles) < total,
	}
	if out.Pagination.HasMore {
		next := skip + len(out.Handles)
		out.Pagination.NextSkip = &next
	}
	return out
}

// Delete removes a handle. It reports whether anything was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// ClearAll removes every handle.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.entries = make(map[string]*QueryHandle)
	s.mu.Unlock()
}

// Len returns the number of physically present handles, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SweepExpired removes expired handles and returns how many were removed.
func (s *Store) SweepExpired() int {
	now := s.opts.Now()

	s.mu.RLock()
	var expired []string
	for id, h := range s.entries {
		if h.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range expired {
		// Re-check under the write lock; a handle is never revived, but it may
		// already have been deleted.
		if h, ok := s.entries[id]; ok && h.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
