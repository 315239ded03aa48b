package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL      string
	DeploymentID string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, deploymentID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		DeploymentID: deploymentID,
		Timeout:      10 * time.Second,
	}
}

// Phase represents the API phase model.
type Phase struct {
	ID             string   `json:"id"`
	DeploymentID   string   `json:"deployment_id"`
	Name           string   `json:"name"`
	Position       int      `json:"position"`
	Status         string   `json:"status"`
	StartDate      *string  `json:"start_date,omitempty"`
	EndDate        *string  `json:"end_date,omitempty"`
	TargetUsers    []string `json:"target_users,omitempty"`
	CompletedUsers []string `json:"completed_users,omitempty"`
}

// Onboarding represents a user's onboarding state.
type Onboarding struct {
	UserID      string `json:"user_id"`
	PhaseID     string `json:"phase_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"current_step,omitempty"`
	Steps       []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Required bool   `json:"required"`
		Status   string `json:"status"`
	} `json:"steps"`
}

// Operation represents a sync or distribute operation.
type Operation struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	TargetID  string  `json:"target_id"`
	PhaseID   string  `json:"phase_id,omitempty"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Error     *string `json:"error,omitempty"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
}

// SyncResult is one target's outcome within a bulk sync.
type SyncResult struct {
	TargetID    string `json:"target_id"`
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// WeeklyReport summarizes one rollout week.
type WeeklyReport struct {
	ID              string   `json:"id"`
	Week            string   `json:"week"`
	NewOnboardings  int      `json:"new_onboardings"`
	Completed       int      `json:"completed"`
	ActiveIssues    int      `json:"active_issues"`
	AvgSatisfaction float64  `json:"avg_satisfaction"`
	Milestones      []string `json:"milestones,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	Payload      string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartPhase starts a rollout phase.
func (c *Client) StartPhase(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.phasePath(phaseID, "start"), nil, &resp)
	return resp, err
}

// CompletePhase completes a phase; force overrides failing success criteria.
func (c *Client) CompletePhase(ctx context.Context, phaseID string, force bool) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.phasePath(phaseID, "complete"), map[string]any{"force": force}, &resp)
	return resp, err
}

// Phases lists the deployment's phases in rollout order.
func (c *Client) Phases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, c.deploymentPath("phases"), nil, &resp)
	return resp, err
}

// StartOnboarding begins the step checklist for a user.
func (c *Client) StartOnboarding(ctx context.Context, userID, phaseID string) (Onboarding, error) {
	var resp Onboarding
	endpoint := fmt.Sprintf("v1/users/%s/onboarding", url.PathEscape(userID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"phase_id": phaseID}, &resp)
	return resp, err
}

// CompleteStep completes an onboarding step with optional step data.
func (c *Client) CompleteStep(ctx context.Context, userID, stepID string, data map[string]any) (Onboarding, error) {
	var resp Onboarding
	endpoint := fmt.Sprintf("v1/users/%s/onboarding/steps/%s/complete", url.PathEscape(userID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"data": data}, &resp)
	return resp, err
}

// SkipStep skips an optional onboarding step.
func (c *Client) SkipStep(ctx context.Context, userID, stepID string) (Onboarding, error) {
	var resp Onboarding
	endpoint := fmt.Sprintf("v1/users/%s/onboarding/steps/%s/skip", url.PathEscape(userID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SyncPhase syncs every target of a phase and returns per-target results.
func (c *Client) SyncPhase(ctx context.Context, phaseID string) ([]SyncResult, error) {
	var resp []SyncResult
	err := c.do(ctx, http.MethodPost, c.phasePath(phaseID, "sync"), nil, &resp)
	return resp, err
}

// Operation fetches a sync operation by id.
func (c *Client) Operation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	endpoint := fmt.Sprintf("v1/operations/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelOperation cancels a running operation.
func (c *Client) CancelOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	endpoint := fmt.Sprintf("v1/operations/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SubmitFeedback records user feedback.
func (c *Client) SubmitFeedback(ctx context.Context, userID, category, text string, rating *int) error {
	body := map[string]any{
		"user_id":  userID,
		"category": category,
		"text":     text,
	}
	if rating != nil {
		body["rating"] = *rating
	}
	return c.do(ctx, http.MethodPost, "v1/feedback", body, nil)
}

// Report returns the weekly report for the week containing date (YYYY-MM-DD,
// empty means the current week).
func (c *Client) Report(ctx context.Context, date string) (WeeklyReport, error) {
	endpoint := "v1/reports/weekly"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var resp WeeklyReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent deployment events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.deploymentPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) deploymentPath(p string) string {
	deployment := url.PathEscape(c.DeploymentID)
	return fmt.Sprintf("v1/deployments/%s/%s", deployment, strings.TrimLeft(p, "/"))
}

func (c *Client) phasePath(phaseID, action string) string {
	return c.deploymentPath(fmt.Sprintf("phases/%s/%s", url.PathEscape(phaseID), action))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
