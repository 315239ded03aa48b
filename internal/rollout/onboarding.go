package rollout

import (
	"context"
	"encoding/json"
	"math"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
	"stageline/internal/stream"
)

// StartOnboarding assigns the phase's step sequence to a user. The target
// phase must be in_progress, and the user must not have an unfinished
// onboarding already.
func (e *Engine) StartOnboarding(ctx context.Context, userID, phaseID string) (domain.OnboardingStatus, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var ob domain.OnboardingStatus
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		if err == repo.ErrNotFound {
			return ob, notFoundf("user %s not found", userID)
		}
		return ob, err
	}
	deploymentID, err := e.Repo.PhaseDeployment(ctx, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return ob, notFoundf("phase %s not found", phaseID)
		}
		return ob, err
	}
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		return ob, err
	}
	if p.Status != "in_progress" {
		return ob, invalidStatef("phase %s is %s; onboarding requires an in_progress phase", phaseID, p.Status)
	}
	existing, err := e.Repo.GetOnboarding(ctx, userID)
	if err != nil && err != repo.ErrNotFound {
		return ob, err
	}
	// A not_started stub from assignment, or a finished record being
	// re-assigned, gets replaced; only an in-flight onboarding blocks.
	if err == nil && existing.Status == "in_progress" {
		return ob, invalidStatef("user %s already has an unfinished onboarding in phase %s", userID, existing.PhaseID)
	}

	now := e.nowStr()
	ob = domain.OnboardingStatus{
		UserID:    userID,
		PhaseID:   phaseID,
		Status:    "in_progress",
		Progress:  0,
		StartedAt: now,
	}
	for _, s := range e.Plan().Steps {
		ob.Steps = append(ob.Steps, domain.OnboardingStep{
			ID:       s.ID,
			Name:     s.Name,
			Required: s.Required,
			Status:   "pending",
		})
	}
	if len(ob.Steps) > 0 {
		ob.CurrentStep = ob.Steps[0].ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ob, err
	}
	defer tx.Rollback()
	// A completed onboarding is immutable; a re-assignment replaces it.
	if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_statuses WHERE user_id=?`, userID); err != nil {
		return ob, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_steps WHERE user_id=?`, userID); err != nil {
		return ob, err
	}
	if err := e.Repo.InsertOnboarding(ctx, tx, ob); err != nil {
		return ob, err
	}
	if err := e.Events.Append(ctx, tx, "onboarding.started", deploymentID, "user", userID, events.EventPayload{
		"phase_id": phaseID,
		"steps":    len(ob.Steps),
	}); err != nil {
		return ob, err
	}
	if err := tx.Commit(); err != nil {
		return ob, err
	}
	e.publish(stream.TopicOnboarding, "onboarding.started", map[string]any{"user_id": userID, "phase_id": phaseID})
	return ob, nil
}

// CompleteStep marks a step completed. A required step completes only after
// every required step before it; a failed call leaves state untouched so the
// caller can retry through the resilience layer.
func (e *Engine) CompleteStep(ctx context.Context, userID, stepID string, data map[string]any) (domain.OnboardingStatus, error) {
	return e.finishStep(ctx, userID, stepID, data, false)
}

// SkipStep marks an optional step skipped and advances identically to
// completion. Required steps cannot be skipped.
func (e *Engine) SkipStep(ctx context.Context, userID, stepID string) (domain.OnboardingStatus, error) {
	return e.finishStep(ctx, userID, stepID, nil, true)
}

func (e *Engine) finishStep(ctx context.Context, userID, stepID string, data map[string]any, skip bool) (domain.OnboardingStatus, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	ob, err := e.Repo.GetOnboarding(ctx, userID)
	if err != nil {
		if err == repo.ErrNotFound {
			return ob, notFoundf("user %s has no onboarding", userID)
		}
		return ob, err
	}
	if ob.Status == "completed" {
		return ob, invalidStatef("onboarding for user %s is already completed", userID)
	}
	if ob.Status == "not_started" {
		return ob, invalidStatef("onboarding for user %s has not started", userID)
	}
	idx := -1
	for i, s := range ob.Steps {
		if s.ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ob, notFoundf("step %s not found for user %s", stepID, userID)
	}
	step := ob.Steps[idx]
	if step.Status == "completed" || step.Status == "skipped" {
		return ob, invalidStatef("step %s is already %s", stepID, step.Status)
	}
	if skip {
		if step.Required {
			return ob, validationf("step %s is required and cannot be skipped", stepID)
		}
		step.Status = "skipped"
	} else {
		if step.Required {
			for _, prev := range ob.Steps[:idx] {
				if prev.Required && prev.Status != "completed" {
					return ob, orderViolationf("step %s requires completing %s first", stepID, prev.ID)
				}
			}
		}
		step.Status = "completed"
		if data != nil {
			b, err := json.Marshal(data)
			if err != nil {
				return ob, validationf("step data: %v", err)
			}
			s := string(b)
			step.Data = &s
		}
	}
	now := e.nowStr()
	step.CompletedAt = &now
	ob.Steps[idx] = step

	ob.Progress = progress(ob.Steps)
	ob.CurrentStep = nextPendingStep(ob.Steps)
	done := ob.CurrentStep == "" && !anyInProgress(ob.Steps)
	if done {
		ob.Status = "completed"
		ob.CompletedAt = &now
	}

	deploymentID, err := e.Repo.PhaseDeployment(ctx, ob.PhaseID)
	if err != nil {
		return ob, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ob, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStep(ctx, tx, userID, step); err != nil {
		return ob, err
	}
	if err := e.Repo.UpdateOnboarding(ctx, tx, ob); err != nil {
		return ob, err
	}
	evtType := "onboarding.step.completed"
	if skip {
		evtType = "onboarding.step.skipped"
	}
	if err := e.Events.Append(ctx, tx, evtType, deploymentID, "user", userID, events.EventPayload{
		"step_id":  stepID,
		"progress": ob.Progress,
	}); err != nil {
		return ob, err
	}
	if done {
		if err := e.Repo.MarkTargetCompleted(ctx, tx, ob.PhaseID, userID); err != nil && err != repo.ErrNotFound {
			return ob, err
		}
		if err := e.Events.Append(ctx, tx, "onboarding.completed", deploymentID, "user", userID, events.EventPayload{
			"phase_id": ob.PhaseID,
		}); err != nil {
			return ob, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ob, err
	}
	if done {
		e.Repo.InvalidatePhase(ob.PhaseID)
	}
	e.publish(stream.TopicOnboarding, evtType, map[string]any{
		"user_id":  userID,
		"step_id":  stepID,
		"progress": ob.Progress,
	})
	if done {
		e.publish(stream.TopicOnboarding, "onboarding.completed", map[string]any{
			"user_id":  userID,
			"phase_id": ob.PhaseID,
		})
		if err := e.maybeCompletePhase(ctx, deploymentID, ob.PhaseID); err != nil {
			e.Logger.Error("phase auto-completion check failed", "phase", ob.PhaseID, "err", err)
		}
	}
	return ob, nil
}

// progress is round(100 * finished / total), where skipped counts as finished.
func progress(steps []domain.OnboardingStep) int {
	if len(steps) == 0 {
		return 0
	}
	finished := 0
	for _, s := range steps {
		if s.Status == "completed" || s.Status == "skipped" {
			finished++
		}
	}
	return int(math.Round(100 * float64(finished) / float64(len(steps))))
}

func nextPendingStep(steps []domain.OnboardingStep) string {
	for _, s := range steps {
		if s.Status == "pending" {
			return s.ID
		}
	}
	return ""
}

func anyInProgress(steps []domain.OnboardingStep) bool {
	for _, s := range steps {
		if s.Status == "in_progress" {
			return true
		}
	}
	return false
}
