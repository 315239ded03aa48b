package server

import (
	"stageline/internal/config"
	"stageline/internal/domain"
)

// Request payloads

type PlanPhaseRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Criteria struct {
		MinCompletionRate  int `json:"min_completion_rate" minimum:"0" maximum:"100"`
		MaxErrorRate       int `json:"max_error_rate" minimum:"0" maximum:"100"`
		TargetDurationDays int `json:"target_duration_days"`
	} `json:"criteria"`
	Targets []string `json:"targets,omitempty"`
}

type PlanStepRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type ImportPlanRequest struct {
	Deployment struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"deployment"`
	Phases []PlanPhaseRequest `json:"phases"`
	Steps  []PlanStepRequest  `json:"steps"`
}

func (r ImportPlanRequest) toPlan() *config.Config {
	cfg := &config.Config{}
	cfg.Deployment.ID = r.Deployment.ID
	cfg.Deployment.Name = r.Deployment.Name
	for _, p := range r.Phases {
		pp := config.PhasePlan{ID: p.ID, Name: p.Name, Targets: p.Targets}
		pp.Criteria.MinCompletionRate = p.Criteria.MinCompletionRate
		pp.Criteria.MaxErrorRate = p.Criteria.MaxErrorRate
		pp.Criteria.TargetDurationDays = p.Criteria.TargetDurationDays
		cfg.Phases = append(cfg.Phases, pp)
	}
	for _, s := range r.Steps {
		cfg.Steps = append(cfg.Steps, config.StepPlan{ID: s.ID, Name: s.Name, Required: s.Required})
	}
	return cfg
}

type CompletePhaseRequest struct {
	Force bool `json:"force,omitempty"`
}

type FailPhaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AssignUserRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
}

type AssignUsersRequest struct {
	Users []AssignUserRequest `json:"users"`
}

func (r AssignUsersRequest) toUsers() []domain.User {
	out := make([]domain.User, 0, len(r.Users))
	for _, u := range r.Users {
		out = append(out, domain.User{
			ID:         u.ID,
			Name:       u.Name,
			Email:      u.Email,
			Department: u.Department,
			Role:       u.Role,
		})
	}
	return out
}

type StartOnboardingRequest struct {
	PhaseID string `json:"phase_id"`
}

type CompleteStepRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

type SyncRequest struct {
	// Targets overrides the phase target list; empty means all targets.
	Targets []string `json:"targets,omitempty"`
}

type SubmitFeedbackRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Category string `json:"category" enum:"issue,suggestion,praise,question"`
	Rating   *int   `json:"rating,omitempty" minimum:"0" maximum:"5"`
	Severity string `json:"severity,omitempty"`
	Text     string `json:"text"`
}

// Response payloads

type SyncResultResponse struct {
	TargetID    string `json:"target_id"`
	OperationID string `json:"operation_id"`
	Status      string `json:"status" enum:"completed,failed,cancelled"`
	Error       string `json:"error,omitempty"`
}

type EvaluationResponse struct {
	PhaseID string              `json:"phase_id"`
	Passed  bool                `json:"passed"`
	Failing []string            `json:"failing,omitempty"`
	Metrics domain.PhaseMetrics `json:"metrics"`
}
