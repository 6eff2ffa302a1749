package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/witkit/internal/backend"
	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/config"
	"github.com/hpungsan/witkit/internal/db"
	"github.com/hpungsan/witkit/internal/handles"
	"github.com/hpungsan/witkit/internal/ratelimit"
	"github.com/hpungsan/witkit/internal/undo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingBackend wraps the local store, counting submissions and
// optionally failing chosen batch calls at the transport level.
type countingBackend struct {
	inner backend.Backend

	mu       sync.Mutex
	batches  int
	requests int
	methods  []string
	failCall map[int]bool // 1-based batch call numbers that fail
}

func (c *countingBackend) SubmitBatch(ctx context.Context, b *batch.Batch) ([]byte, error) {
	c.mu.Lock()
	c.batches++
	call := c.batches
	c.requests += len(b.Requests)
	for _, r := range b.Requests {
		c.methods = append(c.methods, r.Method)
	}
	fail := c.failCall[call]
	c.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return c.inner.SubmitBatch(ctx, b)
}

func (c *countingBackend) QueryIDs(ctx context.Context, project string, q backend.Query) ([]int, error) {
	return c.inner.QueryIDs(ctx, project, q)
}

func (c *countingBackend) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

func (c *countingBackend) reset() {
	c.mu.Lock()
	c.batches, c.requests, c.methods = 0, 0, nil
	c.mu.Unlock()
}

type testEnv struct {
	*Env
	clock   *fakeClock
	backend *countingBackend
	store   *db.LocalStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)}

	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := db.NewLocalStore(database, db.LocalOptions{
		DefaultProject: "Web",
		CurrentUser:    "me@contoso.com",
		Logger:         zerolog.Nop(),
		Now:            clock.Now,
	})
	stale := clock.Now().Add(-45 * 24 * time.Hour)
	_, err = store.Seed(context.Background(), []db.SeedItem{
		{ID: 1, Title: "Login broken", State: "Active", Type: "Bug", Tags: []string{"auth"}, AssignedTo: "ana@contoso.com", AreaPath: `Web\Auth`, ChangedAt: &stale},
		{ID: 2, Title: "Add SSO", State: "New", Type: "User Story"},
		{ID: 3, Title: "Flaky test", State: "Active", Type: "Bug", Tags: []string{"ci", "flaky"}},
		{ID: 4, Title: "Update docs", State: "Active", Type: "Task"},
		{ID: 5, Title: "Bump deps", State: "New", Type: "Task"},
	})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Project = "Web"

	hopts := handles.OptionsFromConfig(cfg)
	hopts.Now = clock.Now
	hs := handles.New(hopts, zerolog.Nop())
	t.Cleanup(hs.Close)

	uopts := undo.OptionsFromConfig(cfg)
	uopts.Now = clock.Now
	ledger := undo.New(uopts, zerolog.Nop())
	t.Cleanup(ledger.Close)

	cb := &countingBackend{inner: store, failCall: map[int]bool{}}
	return &testEnv{
		Env: &Env{
			Handles: hs,
			Undo:    ledger,
			Backend: cb,
			Limiter: ratelimit.New(100, 0),
			Cfg:     cfg,
			Log:     zerolog.Nop(),
			Now:     clock.Now,
		},
		clock:   clock,
		backend: cb,
		store:   store,
	}
}

// queryHandle stores every live Web item with context and returns the handle.
func (te *testEnv) queryHandle(t *testing.T) *QueryOutput {
	t.Helper()
	out, err := Query(context.Background(), te.Env, QueryInput{IncludeContext: true})
	require.NoError(t, err)
	require.NotEmpty(t, out.Handle)
	te.backend.reset()
	return out
}

// plainHandle stores ids without context.
func (te *testEnv) plainHandle(t *testing.T, ids ...int) string {
	t.Helper()
	out, err := CreateHandle(te.Env, CreateHandleInput{ItemIDs: ids})
	require.NoError(t, err)
	return out.Handle
}

func (te *testEnv) field(t *testing.T, id int, ref string) any {
	t.Helper()
	w, err := db.GetWorkItem(context.Background(), te.store.DB(), id, false)
	require.NoError(t, err)
	return w.Fields[ref]
}
