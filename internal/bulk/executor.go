package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/remote"
	"stageline/internal/repo"
	"stageline/internal/resilience"
	"stageline/internal/stream"
)

// Executor fans a remote operation out over N targets with bounded
// concurrency. Every call passes the rate limiter, the circuit breaker, and
// retry-with-backoff; partial failure is the expected outcome and callers
// inspect per-target results.
type Executor struct {
	Remote  remote.Executor
	Repo    repo.Repo
	Hub     *stream.Hub
	Logger  *slog.Logger
	Now     func() time.Time
	Limiter *resilience.Limiter
	Breaker *resilience.Breaker
	Retry   resilience.RetryConfig

	MaxConcurrent int

	cancels sync.Map
}

// TargetResult is one target's outcome within a batch.
type TargetResult struct {
	TargetID    string `json:"target_id"`
	OperationID string `json:"operation_id"`
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
}

func New(rem remote.Executor, r repo.Repo, hub *stream.Hub, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Remote:        rem,
		Repo:          r,
		Hub:           hub,
		Logger:        logger,
		Now:           time.Now,
		Limiter:       resilience.NewLimiter(10, 5),
		Breaker:       resilience.NewBreaker(10),
		MaxConcurrent: 4,
	}
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// SyncAll syncs every target concurrently and returns per-target results in
// input order. The batch never blocks indefinitely: an open breaker fails
// remaining calls immediately, and a drained limiter surfaces backpressure
// as a per-target rejection.
func (x *Executor) SyncAll(ctx context.Context, phaseID string, targets []string) ([]TargetResult, error) {
	results := make([]TargetResult, len(targets))
	for i, target := range targets {
		op, err := x.createOperation(ctx, "sync", phaseID, target, 1)
		if err != nil {
			return nil, err
		}
		results[i] = TargetResult{TargetID: target, OperationID: op.ID}
	}

	sem := make(chan struct{}, x.maxConcurrent())
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(res *TargetResult) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			res.Err = x.runOne(ctx, res.OperationID, res.TargetID)
			if res.Err != nil {
				res.Error = res.Err.Error()
			}
		}(&results[i])
	}
	wg.Wait()
	return results, nil
}

// Distribute runs a single distribution job over the target set.
func (x *Executor) Distribute(ctx context.Context, phaseID string, targets []string) (domain.SyncOperation, error) {
	op, err := x.createOperation(ctx, "distribute", phaseID, "batch", len(targets))
	if err != nil {
		return op, err
	}
	if err := x.execute(ctx, &op, "distributing", func(c context.Context) error {
		return x.Remote.Distribute(c, targets)
	}); err != nil {
		return x.Repo.GetOperation(ctx, op.ID)
	}
	return x.Repo.GetOperation(ctx, op.ID)
}

// Cancel cancels a running operation without touching its siblings.
func (x *Executor) Cancel(operationID string) bool {
	if c, ok := x.cancels.Load(operationID); ok {
		c.(context.CancelFunc)()
		return true
	}
	return false
}

func (x *Executor) maxConcurrent() int {
	if x.MaxConcurrent > 0 {
		return x.MaxConcurrent
	}
	return 4
}

func (x *Executor) createOperation(ctx context.Context, kind, phaseID, target string, total int) (domain.SyncOperation, error) {
	now := x.now().UTC().Format(time.RFC3339)
	op := domain.SyncOperation{
		ID:        uuid.New().String(),
		Kind:      kind,
		TargetID:  target,
		PhaseID:   phaseID,
		Status:    "pending",
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := x.Repo.InsertOperation(ctx, op); err != nil {
		return op, err
	}
	return op, nil
}

func (x *Executor) runOne(ctx context.Context, operationID, target string) error {
	op, err := x.Repo.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	return x.execute(ctx, &op, "syncing "+target, func(c context.Context) error {
		return x.Remote.SyncTarget(c, target)
	})
}

// execute drives one operation through the resilience stack and records its
// terminal state. Terminal states are written exactly once.
func (x *Executor) execute(ctx context.Context, op *domain.SyncOperation, step string, call func(context.Context) error) error {
	if !x.Limiter.TryAcquire() {
		x.finish(ctx, op, "failed", resilience.ErrRateLimited)
		return resilience.ErrRateLimited
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	x.cancels.Store(op.ID, cancel)
	defer x.cancels.Delete(op.ID)

	op.Status = "running"
	op.Step = step
	x.update(ctx, op, "started: "+step)

	err := resilience.Retry(opCtx, x.Retry, func(c context.Context) error {
		return x.Breaker.Do(c, call)
	})
	switch {
	case err == nil:
		op.Processed = op.Total
		x.finish(ctx, op, "completed", nil)
	case opCtx.Err() != nil && ctx.Err() == nil:
		x.finish(ctx, op, "cancelled", nil)
	case errors.Is(err, context.Canceled):
		x.finish(ctx, op, "cancelled", nil)
	default:
		x.finish(ctx, op, "failed", err)
	}
	return err
}

func (x *Executor) update(ctx context.Context, op *domain.SyncOperation, message string) {
	now := x.now().UTC()
	op.UpdatedAt = now.Format(time.RFC3339)
	if err := x.Repo.UpdateOperation(ctx, *op); err != nil {
		x.Logger.Error("update operation", "op", op.ID, "err", err)
	}
	if err := x.Repo.AppendOperationLog(ctx, domain.OperationLogEntry{
		OperationID: op.ID,
		TS:          now.Format(time.RFC3339Nano),
		Message:     message,
	}); err != nil {
		x.Logger.Error("append operation log", "op", op.ID, "err", err)
	}
	if x.Hub != nil {
		x.Hub.PublishProgress(stream.ProgressUpdate{
			OperationID: op.ID,
			Timestamp:   now.UnixMilli(),
			Status:      op.Status,
			Progress:    op.Progress,
			Step:        op.Step,
		})
	}
}

func (x *Executor) finish(ctx context.Context, op *domain.SyncOperation, status string, cause error) {
	op.Status = status
	message := status
	if status == "completed" {
		op.Progress = 100
	}
	if cause != nil {
		msg := cause.Error()
		op.Error = &msg
		message = status + ": " + msg
	}
	// Use the parent context even when the per-target one was cancelled;
	// the terminal state must still be recorded.
	x.update(context.WithoutCancel(ctx), op, message)
}
