package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error is a classified remote-execution failure. Transient marks whether a
// retry can help; auth and other permanent failures set it false.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable implements the classification checked by the resilience package.
func (e *Error) Retryable() bool { return e.Transient }

// Executor is the bulk remote-execution service: repository sync and
// distribution against managed targets.
type Executor interface {
	SyncTarget(ctx context.Context, targetID string) error
	Distribute(ctx context.Context, targetIDs []string) error
}

// Client calls the execution service over HTTP.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SyncTarget(ctx context.Context, targetID string) error {
	return c.post(ctx, "/targets/"+targetID+"/sync", nil)
}

func (c *Client) Distribute(ctx context.Context, targetIDs []string) error {
	return c.post(ctx, "/distribute", map[string]any{"targets": targetIDs})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport failures (timeouts, resets) are worth retrying.
		return &Error{Code: "transport", Message: err.Error(), Transient: true}
	}
	defer res.Body.Close()
	return classifyStatus(res.StatusCode)
}

func classifyStatus(status int) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: "auth", Message: http.StatusText(status), Transient: false}
	case status == http.StatusTooManyRequests:
		return &Error{Code: "throttled", Message: http.StatusText(status), Transient: true}
	case status >= 500:
		return &Error{Code: "upstream", Message: http.StatusText(status), Transient: true}
	default:
		return &Error{Code: "request", Message: http.StatusText(status), Transient: false}
	}
}
