package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stageline/internal/bulk"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/resilience"
	"stageline/internal/rollout"
	"stageline/internal/stream"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *rollout.Engine
	Bulk     *bulk.Executor
	Hub      *stream.Hub
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"order_violation"`
	Message string         `json:"message" example:"phase department cannot start before pilot completes"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPlan(group, cfg.Engine)
	registerDeployments(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerOnboarding(group, cfg.Engine)
	registerOperations(group, cfg.Engine, cfg.Bulk)
	registerFeedback(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Hub != nil {
		router.Get(path.Join(basePath, "ws"), cfg.Hub.ServeWS)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch kind := rollout.KindOf(err); kind {
	case rollout.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case rollout.KindInvalidState:
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case rollout.KindAlreadyStarting:
		return newAPIError(http.StatusConflict, "already_starting", err.Error(), nil)
	case rollout.KindOrderViolation:
		return newAPIError(http.StatusUnprocessableEntity, "order_violation", err.Error(), nil)
	case rollout.KindValidation:
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, resilience.ErrRateLimited) {
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return newAPIError(http.StatusServiceUnavailable, "circuit_open", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "circuit_open"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerPlan(api huma.API, e *rollout.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-plan",
		Method:        http.MethodPost,
		Path:          "/plan",
		Summary:       "Import rollout plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ImportPlanRequest `json:"body"`
	}) (*struct {
		Body domain.Deployment `json:"body"`
	}, error) {
		plan := input.Body.toPlan()
		if err := plan.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		d, err := e.ImportPlan(ctx, plan)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deployment `json:"body"`
		}{Body: d}, nil
	})
}

func registerDeployments(api huma.API, e *rollout.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List deployments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Deployment `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeployments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Deployment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deployment",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}",
		Summary:     "Get deployment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body domain.Deployment `json:"body"`
	}, error) {
		d, err := e.Repo.GetDeployment(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deployment `json:"body"`
		}{Body: d}, nil
	})
}

func registerPhases(api huma.API, e *rollout.Engine) {
	type phasePath struct {
		DeploymentID string `path:"deployment_id"`
		PhaseID      string `path:"phase_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/phases",
		Summary:     "List phases in rollout order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDeployment(ctx, input.DeploymentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPhases(ctx, input.DeploymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-phase",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/start",
		Summary:     "Start phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.StartPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/complete",
		Summary:     "Complete phase",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DeploymentID string               `path:"deployment_id"`
		PhaseID      string               `path:"phase_id"`
		Body         CompletePhaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.CompletePhase(ctx, input.DeploymentID, input.PhaseID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-phase",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/fail",
		Summary:     "Mark phase failed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DeploymentID string           `path:"deployment_id"`
		PhaseID      string           `path:"phase_id"`
		Body         FailPhaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.FailPhase(ctx, input.DeploymentID, input.PhaseID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-phase",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/evaluation",
		Summary:     "Evaluate phase success criteria",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body EvaluationResponse `json:"body"`
	}, error) {
		res, err := e.EvaluatePhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvaluationResponse `json:"body"`
		}{Body: EvaluationResponse{
			PhaseID: p.ID,
			Passed:  res.Passed,
			Failing: res.Failing,
			Metrics: p.Metrics,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-users",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/users",
		Summary:     "Assign users to phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string             `path:"deployment_id"`
		PhaseID      string             `path:"phase_id"`
		Body         AssignUsersRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		if len(input.Body.Users) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "users is required", nil)
		}
		for _, u := range input.Body.Users {
			if u.ID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "user id is required", nil)
			}
		}
		if err := e.AssignUsers(ctx, input.DeploymentID, input.PhaseID, input.Body.toUsers()); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})
}

func registerOnboarding(api huma.API, e *rollout.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-onboarding",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/onboarding",
		Summary:       "Start onboarding for a user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		UserID string                 `path:"user_id"`
		Body   StartOnboardingRequest `json:"body"`
	}) (*struct {
		Body domain.OnboardingStatus `json:"body"`
	}, error) {
		if input.Body.PhaseID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase_id is required", nil)
		}
		ob, err := e.StartOnboarding(ctx, input.UserID, input.Body.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OnboardingStatus `json:"body"`
		}{Body: ob}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-onboarding",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/onboarding",
		Summary:     "Get onboarding status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.OnboardingStatus `json:"body"`
	}, error) {
		ob, err := e.Repo.GetOnboarding(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OnboardingStatus `json:"body"`
		}{Body: ob}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/onboarding/steps/{step_id}/complete",
		Summary:     "Complete onboarding step",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		UserID string              `path:"user_id"`
		StepID string              `path:"step_id"`
		Body   CompleteStepRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.OnboardingStatus `json:"body"`
	}, error) {
		ob, err := e.CompleteStep(ctx, input.UserID, input.StepID, input.Body.Data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OnboardingStatus `json:"body"`
		}{Body: ob}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-step",
		Method:      http.MethodPost,
		Path:        "/users/{user_id}/onboarding/steps/{step_id}/skip",
		Summary:     "Skip optional onboarding step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		StepID string `path:"step_id"`
	}) (*struct {
		Body domain.OnboardingStatus `json:"body"`
	}, error) {
		ob, err := e.SkipStep(ctx, input.UserID, input.StepID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OnboardingStatus `json:"body"`
		}{Body: ob}, nil
	})
}

func registerOperations(api huma.API, e *rollout.Engine, x *bulk.Executor) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-phase",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/sync",
		Summary:     "Sync all phase targets",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string      `path:"deployment_id"`
		PhaseID      string      `path:"phase_id"`
		Body         SyncRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body []SyncResultResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		targets := input.Body.Targets
		if len(targets) == 0 {
			targets = p.TargetUsers
		}
		if len(targets) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase has no targets", nil)
		}
		results, err := x.SyncAll(ctx, p.ID, targets)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SyncResultResponse, len(results))
		for i, res := range results {
			out[i] = SyncResultResponse{
				TargetID:    res.TargetID,
				OperationID: res.OperationID,
				Status:      "completed",
				Error:       res.Error,
			}
			switch {
			case errors.Is(res.Err, context.Canceled):
				out[i].Status = "cancelled"
			case res.Err != nil:
				out[i].Status = "failed"
			}
		}
		return &struct {
			Body []SyncResultResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "distribute-phase",
		Method:      http.MethodPost,
		Path:        "/deployments/{deployment_id}/phases/{phase_id}/distribute",
		Summary:     "Distribute to all phase targets",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
		PhaseID      string `path:"phase_id"`
	}) (*struct {
		Body domain.SyncOperation `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.DeploymentID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(p.TargetUsers) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase has no targets", nil)
		}
		op, err := x.Distribute(ctx, p.ID, p.TargetUsers)
		if err != nil && op.ID == "" {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncOperation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}",
		Summary:     "Get operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
	}) (*struct {
		Body domain.SyncOperation `json:"body"`
	}, error) {
		op, err := e.Repo.GetOperation(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncOperation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation-log",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/log",
		Summary:     "Get operation log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
	}) (*struct {
		Body []domain.OperationLogEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetOperation(ctx, input.OperationID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListOperationLog(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OperationLogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-operation",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/cancel",
		Summary:     "Cancel running operation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
	}) (*struct {
		Body domain.SyncOperation `json:"body"`
	}, error) {
		op, err := e.Repo.GetOperation(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		if !x.Cancel(input.OperationID) {
			return nil, newAPIError(http.StatusConflict, "invalid_state",
				fmt.Sprintf("operation %s is not running", input.OperationID), nil)
		}
		// Cancellation lands asynchronously; wait briefly so the response
		// carries the terminal row instead of the stale running one.
		deadline := time.Now().Add(2 * time.Second)
		for {
			op, err = e.Repo.GetOperation(ctx, input.OperationID)
			if err != nil {
				return nil, handleError(err)
			}
			if op.Status != "running" || time.Now().After(deadline) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		return &struct {
			Body domain.SyncOperation `json:"body"`
		}{Body: op}, nil
	})
}

func registerFeedback(api huma.API, e *rollout.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-feedback",
		Method:        http.MethodPost,
		Path:          "/feedback",
		Summary:       "Submit feedback",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SubmitFeedbackRequest `json:"body"`
	}) (*struct {
		Body domain.Feedback `json:"body"`
	}, error) {
		f, err := e.SubmitFeedback(ctx, domain.Feedback{
			UserID:   input.Body.UserID,
			Category: input.Body.Category,
			Rating:   input.Body.Rating,
			Severity: input.Body.Severity,
			Text:     input.Body.Text,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Feedback `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-feedback",
		Method:      http.MethodGet,
		Path:        "/feedback",
		Summary:     "List feedback",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category" enum:"issue,suggestion,praise,question,"`
	}) (*struct {
		Body []domain.Feedback `json:"body"`
	}, error) {
		items, err := e.Repo.ListFeedback(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Feedback `json:"body"`
		}{Body: items}, nil
	})
}

func registerReports(api huma.API, e *rollout.Engine) {
	parseDate := func(s string) (time.Time, huma.StatusError) {
		if s == "" {
			return time.Now().UTC(), nil
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", nil)
		}
		return t, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-weekly-report",
		Method:      http.MethodGet,
		Path:        "/reports/weekly",
		Summary:     "Get weekly report",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date"`
	}) (*struct {
		Body domain.WeeklyReport `json:"body"`
	}, error) {
		t, herr := parseDate(input.Date)
		if herr != nil {
			return nil, herr
		}
		rep, err := e.WeeklyReport(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WeeklyReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate-weekly-report",
		Method:      http.MethodPost,
		Path:        "/reports/weekly/regenerate",
		Summary:     "Regenerate weekly report",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date"`
	}) (*struct {
		Body domain.WeeklyReport `json:"body"`
	}, error) {
		t, herr := parseDate(input.Date)
		if herr != nil {
			return nil, herr
		}
		rep, err := e.RegenerateReport(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WeeklyReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-weekly-reports",
		Method:      http.MethodGet,
		Path:        "/reports/weekly/comparison",
		Summary:     "Compare weekly report with previous week",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date"`
	}) (*struct {
		Body domain.ReportComparison `json:"body"`
	}, error) {
		t, herr := parseDate(input.Date)
		if herr != nil {
			return nil, herr
		}
		cmp, err := e.CompareWeeklyReports(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportComparison `json:"body"`
		}{Body: cmp}, nil
	})
}

func registerEvents(api huma.API, e *rollout.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/deployments/{deployment_id}/events",
		Summary:     "List deployment events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeploymentID string `path:"deployment_id"`
		Limit        int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDeployment(ctx, input.DeploymentID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, input.DeploymentID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
