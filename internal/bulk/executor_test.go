package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/db"
	"stageline/internal/migrate"
	"stageline/internal/remote"
	"stageline/internal/repo"
	"stageline/internal/resilience"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	block chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeRemote) SyncTarget(ctx context.Context, targetID string) error {
	f.mu.Lock()
	f.calls[targetID]++
	err := f.fail[targetID]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	return err
}

func (f *fakeRemote) Distribute(ctx context.Context, targetIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["distribute"]++
	return f.fail["distribute"]
}

func (f *fakeRemote) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

func newTestExecutor(t *testing.T, rem remote.Executor) *Executor {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	x := New(rem, repo.New(conn), nil, nil)
	x.Retry = resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	x.Limiter = resilience.NewLimiter(100, 100)
	x.Breaker = resilience.NewBreaker(100)
	x.MaxConcurrent = 2
	return x
}

func TestSyncAllPartialFailure(t *testing.T) {
	rem := newFakeRemote()
	rem.fail["t2"] = &remote.Error{Code: "request", Message: "unknown target", Transient: false}
	x := newTestExecutor(t, rem)
	ctx := context.Background()

	results, err := x.SyncAll(ctx, "pilot", []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)

	// Per-target operations record the terminal state.
	op1, err := x.Repo.GetOperation(ctx, results[0].OperationID)
	require.NoError(t, err)
	assert.Equal(t, "completed", op1.Status)
	assert.Equal(t, 100, op1.Progress)

	op2, err := x.Repo.GetOperation(ctx, results[1].OperationID)
	require.NoError(t, err)
	assert.Equal(t, "failed", op2.Status)
	require.NotNil(t, op2.Error)
	assert.Contains(t, *op2.Error, "unknown target")

	log, err := x.Repo.ListOperationLog(ctx, results[1].OperationID)
	require.NoError(t, err)
	require.NotEmpty(t, log)
}

func TestSyncAllRetriesTransientFailures(t *testing.T) {
	rem := newFakeRemote()
	rem.fail["t1"] = &remote.Error{Code: "upstream", Message: "bad gateway", Transient: true}
	x := newTestExecutor(t, rem)
	x.Retry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	results, err := x.SyncAll(context.Background(), "pilot", []string{"t1"})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	assert.Equal(t, 3, rem.callCount("t1"))

	var ae *resilience.AttemptsError
	require.ErrorAs(t, results[0].Err, &ae)
	assert.Equal(t, 3, ae.Attempts)
}

func TestSyncAllBreakerFailsFast(t *testing.T) {
	rem := newFakeRemote()
	x := newTestExecutor(t, rem)
	x.Breaker = resilience.NewBreaker(1)
	require.Error(t, x.Breaker.Do(context.Background(), func(context.Context) error {
		return &remote.Error{Code: "auth", Message: "forbidden", Transient: false}
	}))
	require.True(t, x.Breaker.Open())

	// An open breaker rejects every target without reaching the remote.
	results, err := x.SyncAll(context.Background(), "pilot", []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	for i, res := range results {
		require.ErrorIs(t, res.Err, resilience.ErrCircuitOpen, "target %d", i)
		assert.Equal(t, 0, rem.callCount(res.TargetID))

		op, err := x.Repo.GetOperation(context.Background(), res.OperationID)
		require.NoError(t, err)
		assert.Equal(t, "failed", op.Status)
	}
}

func TestSyncAllRateLimited(t *testing.T) {
	rem := newFakeRemote()
	x := newTestExecutor(t, rem)
	x.Limiter = resilience.NewLimiter(1, 0.0001)
	x.MaxConcurrent = 1

	results, err := x.SyncAll(context.Background(), "pilot", []string{"t1", "t2", "t3"})
	require.NoError(t, err)

	rejected := 0
	for _, res := range results {
		if errors.Is(res.Err, resilience.ErrRateLimited) {
			rejected++
			op, err := x.Repo.GetOperation(context.Background(), res.OperationID)
			require.NoError(t, err)
			assert.Equal(t, "failed", op.Status)
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestCancelOperation(t *testing.T) {
	rem := newFakeRemote()
	rem.block = make(chan struct{})
	x := newTestExecutor(t, rem)
	ctx := context.Background()

	done := make(chan []TargetResult, 1)
	go func() {
		results, err := x.SyncAll(ctx, "pilot", []string{"t1"})
		if err == nil {
			done <- results
		}
		close(done)
	}()

	// Wait for the operation to reach running, then cancel it.
	var opID string
	require.Eventually(t, func() bool {
		ops, err := x.Repo.ListOperationsByPhase(ctx, "pilot")
		if err != nil || len(ops) == 0 || ops[0].Status != "running" {
			return false
		}
		opID = ops[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, x.Cancel(opID))

	results, ok := <-done
	require.True(t, ok)
	require.Error(t, results[0].Err)

	op, err := x.Repo.GetOperation(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", op.Status)
	assert.False(t, x.Cancel(opID), "finished operation is not cancellable")
}

func TestDistribute(t *testing.T) {
	rem := newFakeRemote()
	x := newTestExecutor(t, rem)

	op, err := x.Distribute(context.Background(), "pilot", []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	assert.Equal(t, "distribute", op.Kind)
	assert.Equal(t, "completed", op.Status)
	assert.Equal(t, 3, op.Processed)
	assert.Equal(t, 3, op.Total)
	assert.Equal(t, 1, rem.callCount("distribute"))
}
