package rollout

import (
	"context"
	"math"
	"time"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Rate returns round(100 * part / whole), or 0 for an empty whole.
func Rate(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(whole)))
}

// RefreshPhaseMetrics recomputes and persists a phase's metrics from the
// current onboarding, operation, and feedback data. Reads elsewhere may
// observe slightly stale aggregates; entity invariants never depend on them.
func (e *Engine) RefreshPhaseMetrics(ctx context.Context, phaseID string) (domain.PhaseMetrics, error) {
	deploymentID, err := e.Repo.PhaseDeployment(ctx, phaseID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.PhaseMetrics{}, notFoundf("phase %s not found", phaseID)
		}
		return domain.PhaseMetrics{}, err
	}
	p, err := e.Repo.GetPhase(ctx, deploymentID, phaseID)
	if err != nil {
		return domain.PhaseMetrics{}, err
	}

	var m domain.PhaseMetrics
	m.CompletionRate = Rate(len(p.CompletedUsers), len(p.TargetUsers))

	total, failed, err := e.Repo.CountOperations(ctx, phaseID)
	if err != nil {
		return m, err
	}
	m.ErrorRate = Rate(failed, total)

	durations, err := e.Repo.OnboardingDurations(ctx, phaseID)
	if err != nil {
		return m, err
	}
	m.AvgOnboardingDays = avgDays(durations)

	m.UserSatisfaction, err = e.Repo.PhaseSatisfaction(ctx, phaseID)
	if err != nil {
		return m, err
	}

	if err := e.Repo.UpdatePhaseMetrics(ctx, phaseID, m); err != nil {
		return m, err
	}
	return m, nil
}

// avgDays is the mean (completed - started) in days across completed users.
func avgDays(pairs [][2]string) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for _, pair := range pairs {
		started, err1 := time.Parse(time.RFC3339, pair[0])
		completed, err2 := time.Parse(time.RFC3339, pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		sum += completed.Sub(started).Hours() / 24
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
