package domain

type Deployment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status" enum:"pending,in_progress,completed"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type Phase struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
	Name         string `json:"name"`
	// Position is the persisted order of the phase within its deployment,
	// starting at 0. Gating compares positions, never slice indexes.
	Position  int             `json:"position"`
	Status    string          `json:"status" enum:"pending,in_progress,completed,failed"`
	Criteria  SuccessCriteria `json:"criteria"`
	Metrics   PhaseMetrics    `json:"metrics"`
	StartDate *string         `json:"start_date,omitempty" format:"date-time"`
	EndDate   *string         `json:"end_date,omitempty" format:"date-time"`
	// TargetUsers keeps assignment order; CompletedUsers is a subset of it.
	TargetUsers    []string `json:"target_users,omitempty"`
	CompletedUsers []string `json:"completed_users,omitempty"`
}

type SuccessCriteria struct {
	MinCompletionRate  int `json:"min_completion_rate"`
	MaxErrorRate       int `json:"max_error_rate"`
	TargetDurationDays int `json:"target_duration_days"`
}

type PhaseMetrics struct {
	CompletionRate    int     `json:"completion_rate"`
	ErrorRate         int     `json:"error_rate"`
	AvgOnboardingDays float64 `json:"avg_onboarding_days"`
	UserSatisfaction  float64 `json:"user_satisfaction"`
}

type User struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Department string            `json:"department,omitempty"`
	Role       string            `json:"role,omitempty"`
	Onboarding *OnboardingStatus `json:"onboarding,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type OnboardingStatus struct {
	UserID      string           `json:"user_id"`
	PhaseID     string           `json:"phase_id"`
	Status      string           `json:"status" enum:"not_started,in_progress,completed"`
	Progress    int              `json:"progress" minimum:"0" maximum:"100"`
	CurrentStep string           `json:"current_step,omitempty"`
	Steps       []OnboardingStep `json:"steps"`
	StartedAt   string           `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
}

type OnboardingStep struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Required    bool    `json:"required"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,skipped"`
	Data        *string `json:"data,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type SyncOperation struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind" enum:"sync,distribute"`
	TargetID  string  `json:"target_id"`
	PhaseID   string  `json:"phase_id,omitempty"`
	Status    string  `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Progress  int     `json:"progress" minimum:"0" maximum:"100"`
	Error     *string `json:"error,omitempty"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Step      string  `json:"step,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type OperationLogEntry struct {
	OperationID string `json:"operation_id"`
	TS          string `json:"ts" format:"date-time"`
	Message     string `json:"message"`
}

type WeeklyReport struct {
	ID              string   `json:"id"`
	Week            string   `json:"week"`
	NewOnboardings  int      `json:"new_onboardings"`
	Completed       int      `json:"completed"`
	ActiveIssues    int      `json:"active_issues"`
	AvgSatisfaction float64  `json:"avg_satisfaction"`
	Milestones      []string `json:"milestones,omitempty"`
	GeneratedAt     string   `json:"generated_at" format:"date-time"`
}

// ReportComparison holds signed deltas against the immediately preceding week.
type ReportComparison struct {
	Week            string  `json:"week"`
	PreviousWeek    string  `json:"previous_week"`
	NewOnboardings  int     `json:"new_onboardings"`
	Completed       int     `json:"completed"`
	ActiveIssues    int     `json:"active_issues"`
	AvgSatisfaction float64 `json:"avg_satisfaction"`
}

type Feedback struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Category  string `json:"category"`
	Rating    *int   `json:"rating,omitempty" minimum:"0" maximum:"5"`
	Severity  string `json:"severity,omitempty"`
	Text      string `json:"text"`
	Resolved  bool   `json:"resolved"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	Payload      string `json:"payload_json"`
}
