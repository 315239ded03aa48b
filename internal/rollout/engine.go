package rollout

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/stream"
)

// Engine drives the rollout: phase lifecycle, per-user onboarding, metrics,
// and reports. Every mutation runs in its own transaction with the event
// appended in-tx; realtime fan-out and notifications happen after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Hub    *stream.Hub
	Logger *slog.Logger
	Now    func() time.Time

	// plan is swapped atomically on import; StartOnboarding reads step
	// templates from it concurrently with imports.
	plan atomic.Pointer[config.Config]

	// Per-entity locks linearize transitions: at most one phase transition
	// per phase and one step mutation per user at a time.
	phaseLocks sync.Map
	userLocks  sync.Map
}

func New(db *sql.DB, cfg *config.Config, hub *stream.Hub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.New(db),
		Events: events.Writer{DB: db},
		Hub:    hub,
		Logger: logger,
		Now:    time.Now,
	}
	e.plan.Store(cfg)
	return e
}

// Plan returns the active rollout plan.
func (e *Engine) Plan() *config.Config { return e.plan.Load() }

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	m, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (e *Engine) phaseLock(phaseID string) *sync.Mutex {
	m, _ := e.phaseLocks.LoadOrStore(phaseID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// publish pushes an already-committed event onto the realtime channel.
func (e *Engine) publish(topic, evtType string, payload any) {
	if e.Hub == nil {
		return
	}
	msg, err := stream.NewMessage(evtType, payload)
	if err != nil {
		e.Logger.Error("marshal event", "type", evtType, "err", err)
		return
	}
	e.Hub.Publish(topic, msg)
}

// ImportPlan persists the declarative rollout plan: the deployment, its
// ordered phases, and the initial target assignments.
func (e *Engine) ImportPlan(ctx context.Context, plan *config.Config) (domain.Deployment, error) {
	if plan == nil {
		return domain.Deployment{}, validationf("plan is required")
	}
	if err := plan.Validate(); err != nil {
		return domain.Deployment{}, validationf("invalid plan: %v", err)
	}
	now := e.nowStr()
	d := domain.Deployment{
		ID:        plan.Deployment.ID,
		Name:      plan.Deployment.Name,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDeployment(ctx, tx, d); err != nil {
		return d, err
	}
	for i, pp := range plan.Phases {
		p := domain.Phase{
			ID:           pp.ID,
			DeploymentID: d.ID,
			Name:         pp.Name,
			Position:     i,
			Status:       "pending",
		}
		p.Criteria.MinCompletionRate = pp.Criteria.MinCompletionRate
		p.Criteria.MaxErrorRate = pp.Criteria.MaxErrorRate
		p.Criteria.TargetDurationDays = pp.Criteria.TargetDurationDays
		if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
			return d, err
		}
		for _, userID := range pp.Targets {
			if err := e.Repo.UpsertUser(ctx, tx, domain.User{ID: userID, Name: userID, CreatedAt: now}); err != nil {
				return d, err
			}
			if err := e.Repo.EnsureOnboardingStub(ctx, tx, userID, p.ID); err != nil {
				return d, err
			}
		}
		if len(pp.Targets) > 0 {
			if err := e.Repo.AddTargets(ctx, tx, p.ID, pp.Targets); err != nil {
				return d, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "deployment.created", d.ID, "deployment", d.ID, events.EventPayload{
		"name":   d.Name,
		"phases": len(plan.Phases),
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	// The imported plan governs onboarding steps from now on.
	e.plan.Store(plan)
	e.publish(stream.TopicPhases, "deployment.created", map[string]any{"deployment_id": d.ID})
	return d, nil
}

// StartPhase transitions a pending phase to in_progress. Phases start
// strictly in position order; concurrent starts of the same phase are
// serialized and the loser gets an explicit error instead of a no-op.
func (e *Engine) StartPhase(ctx context.Context, deploymentID, phaseID string) (domain.Phase, error) {
	mu := e.phaseLock(phaseID)
	if !mu.TryLock() {
		return domain.Phase{}, alreadyStartingf("phase %s is already being started", phaseID)
	}
	defer mu.Unlock()

	d, err := e.Repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Phase{}, notFoundf("deployment %s not found", deploymentID)
		}
		return domain.Phase{}, err
	}
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Phase{}, notFoundf("phase %s not found in deployment %s", phaseID, deploymentID)
		}
		return domain.Phase{}, err
	}
	if p.Status == "completed" {
		return p, invalidStatef("phase %s is already completed", phaseID)
	}
	if p.Status != "pending" {
		return p, invalidStatef("phase %s is %s; only pending phases can start", phaseID, p.Status)
	}
	phases, err := e.Repo.ListPhases(ctx, deploymentID)
	if err != nil {
		return p, err
	}
	for _, prev := range phases {
		if prev.Position < p.Position && prev.Status != "completed" {
			return p, orderViolationf("phase %s cannot start: phase %s (position %d) is %s, not completed",
				phaseID, prev.ID, prev.Position, prev.Status)
		}
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, phaseID, "in_progress", &now, nil); err != nil {
		return p, err
	}
	if err := e.Repo.UpdateDeployment(ctx, tx, d.ID, "in_progress", phaseID, now); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "phase.started", d.ID, "phase", phaseID, events.EventPayload{
		"phase_name": p.Name,
		"position":   p.Position,
		"targets":    len(p.TargetUsers),
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.Repo.InvalidatePhase(phaseID)
	e.Repo.InvalidateDeployment(d.ID)
	p.Status = "in_progress"
	p.StartDate = &now
	// Notification delivery is best-effort: the dispatcher consuming this
	// event logs failures and never fails the start.
	e.publish(stream.TopicPhases, "phase.started", map[string]any{
		"deployment_id": d.ID,
		"phase_id":      phaseID,
		"phase_name":    p.Name,
	})
	return p, nil
}

// CriteriaResult reports a success-criteria evaluation with the dimensions
// that missed their thresholds.
type CriteriaResult struct {
	Passed  bool     `json:"passed"`
	Failing []string `json:"failing,omitempty"`
}

// EvaluateSuccessCriteria compares metrics against criteria. Pure: used for
// automated completion gating and for manual review surfaces.
func EvaluateSuccessCriteria(c domain.SuccessCriteria, m domain.PhaseMetrics) CriteriaResult {
	var failing []string
	if m.CompletionRate < c.MinCompletionRate {
		failing = append(failing, "completion_rate")
	}
	if m.ErrorRate > c.MaxErrorRate {
		failing = append(failing, "error_rate")
	}
	if c.TargetDurationDays > 0 && m.AvgOnboardingDays > float64(c.TargetDurationDays) {
		failing = append(failing, "avg_onboarding_days")
	}
	return CriteriaResult{Passed: len(failing) == 0, Failing: failing}
}

// EvaluatePhase refreshes a phase's metrics and evaluates its criteria.
func (e *Engine) EvaluatePhase(ctx context.Context, deploymentID, phaseID string) (CriteriaResult, error) {
	if _, err := e.RefreshPhaseMetrics(ctx, phaseID); err != nil {
		return CriteriaResult{}, err
	}
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return CriteriaResult{}, notFoundf("phase %s not found", phaseID)
		}
		return CriteriaResult{}, err
	}
	return EvaluateSuccessCriteria(p.Criteria, p.Metrics), nil
}

// CompletePhase completes an in_progress phase. Criteria failure blocks
// completion unless force is set, which records a distinct override event.
func (e *Engine) CompletePhase(ctx context.Context, deploymentID, phaseID string, force bool) (domain.Phase, error) {
	mu := e.phaseLock(phaseID)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return p, notFoundf("phase %s not found in deployment %s", phaseID, deploymentID)
		}
		return p, err
	}
	if p.Status != "in_progress" {
		return p, invalidStatef("phase %s is %s; only in_progress phases can complete", phaseID, p.Status)
	}
	if _, err := e.RefreshPhaseMetrics(ctx, phaseID); err != nil {
		return p, err
	}
	p, err = e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		return p, err
	}
	res := EvaluateSuccessCriteria(p.Criteria, p.Metrics)
	if !res.Passed && !force {
		return p, invalidStatef("phase %s does not meet success criteria (failing: %v); use force to override", phaseID, res.Failing)
	}
	return e.completePhase(ctx, p, !res.Passed && force)
}

func (e *Engine) completePhase(ctx context.Context, p domain.Phase, override bool) (domain.Phase, error) {
	now := e.nowStr()
	phases, err := e.Repo.ListPhases(ctx, p.DeploymentID)
	if err != nil {
		return p, err
	}
	final := true
	for _, other := range phases {
		if other.ID != p.ID && other.Status != "completed" {
			final = false
			break
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, p.ID, "completed", nil, &now); err != nil {
		return p, err
	}
	evtType := "phase.completed"
	if override {
		evtType = "phase.completed.override"
		e.Logger.Warn("phase completed by manual override despite failing criteria", "phase", p.ID)
	}
	if err := e.Events.Append(ctx, tx, evtType, p.DeploymentID, "phase", p.ID, events.EventPayload{
		"phase_name": p.Name,
		"metrics":    p.Metrics,
	}); err != nil {
		return p, err
	}
	if final {
		if err := e.Repo.UpdateDeployment(ctx, tx, p.DeploymentID, "completed", "", now); err != nil {
			return p, err
		}
		if err := e.Events.Append(ctx, tx, "deployment.completed", p.DeploymentID, "deployment", p.DeploymentID, nil); err != nil {
			return p, err
		}
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.Repo.InvalidatePhase(p.ID)
	if final {
		e.Repo.InvalidateDeployment(p.DeploymentID)
	}
	p.Status = "completed"
	p.EndDate = &now
	e.publish(stream.TopicPhases, evtType, map[string]any{
		"deployment_id": p.DeploymentID,
		"phase_id":      p.ID,
		"phase_name":    p.Name,
	})
	if final {
		e.publish(stream.TopicPhases, "deployment.completed", map[string]any{"deployment_id": p.DeploymentID})
	}
	return p, nil
}

// FailPhase marks an in_progress phase failed after an unrecoverable error.
func (e *Engine) FailPhase(ctx context.Context, deploymentID, phaseID, reason string) (domain.Phase, error) {
	mu := e.phaseLock(phaseID)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return p, notFoundf("phase %s not found in deployment %s", phaseID, deploymentID)
		}
		return p, err
	}
	if p.Status != "in_progress" {
		return p, invalidStatef("phase %s is %s; only in_progress phases can fail", phaseID, p.Status)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdatePhaseStatus(ctx, tx, phaseID, "failed", nil, &now); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "phase.failed", deploymentID, "phase", phaseID, events.EventPayload{"reason": reason}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.Repo.InvalidatePhase(phaseID)
	p.Status = "failed"
	e.publish(stream.TopicPhases, "phase.failed", map[string]any{"phase_id": phaseID, "reason": reason})
	return p, nil
}

// AssignUsers adds users to a phase's target cohort, creating user records
// as needed. Welcome notifications go out via the dispatcher.
func (e *Engine) AssignUsers(ctx context.Context, deploymentID, phaseID string, users []domain.User) error {
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return notFoundf("phase %s not found in deployment %s", phaseID, deploymentID)
		}
		return err
	}
	if p.Status == "completed" || p.Status == "failed" {
		return invalidStatef("phase %s is %s; cannot assign users", phaseID, p.Status)
	}
	if len(users) == 0 {
		return validationf("no users to assign")
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u.ID == "" {
			return validationf("user id is required")
		}
		if u.Name == "" {
			u.Name = u.ID
		}
		u.CreatedAt = now
		if err := e.Repo.UpsertUser(ctx, tx, u); err != nil {
			return err
		}
		if err := e.Repo.EnsureOnboardingStub(ctx, tx, u.ID, phaseID); err != nil {
			return err
		}
		ids = append(ids, u.ID)
	}
	if err := e.Repo.AddTargets(ctx, tx, phaseID, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.Events.Append(ctx, tx, "user.assigned", deploymentID, "user", id, events.EventPayload{"phase_id": phaseID}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Repo.InvalidatePhase(phaseID)
	for _, id := range ids {
		e.publish(stream.TopicOnboarding, "user.assigned", map[string]any{"user_id": id, "phase_id": phaseID})
	}
	return nil
}

// maybeCompletePhase runs the auto-completion path after a user finishes
// onboarding: all targets completed AND criteria passing. Criteria failure
// blocks and is recorded distinctly for manual review.
func (e *Engine) maybeCompletePhase(ctx context.Context, deploymentID, phaseID string) error {
	mu := e.phaseLock(phaseID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := e.RefreshPhaseMetrics(ctx, phaseID); err != nil {
		return err
	}
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		return err
	}
	if p.Status != "in_progress" {
		return nil
	}
	if len(p.TargetUsers) == 0 || len(p.CompletedUsers) < len(p.TargetUsers) {
		return nil
	}
	res := EvaluateSuccessCriteria(p.Criteria, p.Metrics)
	if !res.Passed {
		e.Logger.Warn("phase completion blocked by success criteria", "phase", phaseID, "failing", res.Failing)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, "phase.completion.blocked", deploymentID, "phase", phaseID, events.EventPayload{
			"failing": res.Failing,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	_, err = e.completePhase(ctx, p, false)
	return err
}
