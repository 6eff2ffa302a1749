// Package undo keeps TTL-bound records of reversible bulk mutations.
package undo

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/ids"
	"github.com/hpungsan/witkit/internal/sweep"
)

// ItemOps holds the inverse patch for one work item.
type ItemOps struct {
	ID  int             `json:"id"`
	Ops []batch.PatchOp `json:"ops"`
}

// Record is an undoable bulk action. Records are immutable once stored.
type Record struct {
	Token        string    `json:"undo_token"`
	SourceHandle string    `json:"source_handle"`
	Project      string    `json:"project"`
	ActionType   string    `json:"action_type"`
	Description  string    `json:"description,omitempty"`
	Items        []ItemOps `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the record is logically dead at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Options configures a Ledger.
type Options struct {
	DefaultTTL    time.Duration
	MinTTL        time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig builds ledger options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTTL:    cfg.UndoTTL(),
		MinTTL:        cfg.UndoTTLMin(),
		MaxTTL:        cfg.UndoTTLMax(),
		SweepInterval: cfg.SweepInterval(),
	}
}

// Ledger owns undo record lifetimes.
type Ledger struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	records map[string]*Record

	job *sweep.Job
}

// New creates a ledger and starts its sweep job. Call Close to stop it.
func New(opts Options, logger zerolog.Logger) *Ledger {
	d := config.DefaultConfig()
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = d.UndoTTL()
	}
	if opts.MinTTL <= 0 {
		opts.MinTTL = d.UndoTTLMin()
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = d.UndoTTLMax()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Ledger{
		opts:    opts,
		log:     logger,
		records: make(map[string]*Record),
	}
	l.job = sweep.Start(context.Background(), opts.SweepInterval, l.SweepExpired, logger)
	return l
}

// Close stops the sweep job.
func (l *Ledger) Close() {
	l.job.Stop()
}

// PutInput contains parameters for Put.
type PutInput struct {
	SourceHandle string
	Project      string
	ActionType   string
	Description  string
	Items        []ItemOps
	TTL          time.Duration // <= 0 uses the default
}

// Put stores a new record under a fresh token.
func (l *Ledger) Put(input PutInput) (*Record, error) {
	if len(input.Items) == 0 {
		return nil, errors.NewInvalidInput("undo record must contain at least one item")
	}

	now := l.opts.Now()
	token, err := ids.New(ids.UndoPrefix, now)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = l.opts.DefaultTTL
	}
	ttl = min(max(ttl, l.opts.MinTTL), l.opts.MaxTTL)

	r := &Record{
		Token:        token,
		SourceHandle: input.SourceHandle,
		Project:      input.Project,
		ActionType:   input.ActionType,
		Description:  input.Description,
		Items:        slices.Clone(input.Items),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	l.mu.Lock()
	l.records[r.Token] = r
	l.mu.Unlock()

	l.log.Debug().Str("undo_token", r.Token).Str("handle", r.SourceHandle).Int("items", len(r.Items)).Msg("undo recorded")
	return r, nil
}

// Get returns an unexpired record.
func (l *Ledger) Get(token string) (*Record, bool) {
	now := l.opts.Now()
	l.mu.RLock()
	r, ok := l.records[token]
	l.mu.RUnlock()
	if !ok || r.Expired(now) {
		return nil, false
	}
	return r, true
}

// Lookup returns an unexpired record or UNDO_NOT_FOUND.
func (l *Ledger) Lookup(token string) (*Record, error) {
	if r, ok := l.Get(token); ok {
		return r, nil
	}
	return nil, errors.NewUndoNotFound(token)
}

// Take removes and returns an unexpired record, so only one caller can
// replay it. A missing or expired token is UNDO_NOT_FOUND.
func (l *Ledger) Take(token string) (*Record, error) {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[token]
	if !ok || r.Expired(now) {
		return nil, errors.NewUndoNotFound(token)
	}
	delete(l.records, token)
	return r, nil
}

// Restore puts back a taken record narrowed to items, keeping its token and
// expiry. It reports false if the record expired while it was out.
func (l *Ledger) Restore(taken *Record, items []ItemOps) (*Record, bool) {
	if taken.Expired(l.opts.Now()) {
		return nil, false
	}
	r := *taken
	r.Items = slices.Clone(items)

	l.mu.Lock()
	l.records[r.Token] = &r
	l.mu.Unlock()
	return &r, true
}

// Len returns the number of physically present records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// SweepExpired removes expired records and returns how many were removed.
func (l *Ledger) SweepExpired() int {
	now := l.opts.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for token, r := range l.records {
		if r.Expired(now) {
			delete(l.records, token)
			removed++
		}
	}
	return removed
}
