package rollout

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/stream"
)

var markupPattern = regexp.MustCompile(`<[^>]*>`)

// sanitizeText strips markup before storage; feedback is rendered verbatim
// in review surfaces.
func sanitizeText(s string) string {
	return strings.TrimSpace(markupPattern.ReplaceAllString(s, ""))
}

var feedbackCategories = map[string]bool{
	"issue":      true,
	"suggestion": true,
	"praise":     true,
	"question":   true,
}

// SubmitFeedback validates, sanitizes, and stores a feedback entry.
// Anonymous submissions carry the user id "anonymous".
func (e *Engine) SubmitFeedback(ctx context.Context, f domain.Feedback) (domain.Feedback, error) {
	if !feedbackCategories[f.Category] {
		return f, validationf("unknown feedback category %q", f.Category)
	}
	if f.Rating != nil && (*f.Rating < 0 || *f.Rating > 5) {
		return f, validationf("rating must be 0-5")
	}
	f.Text = sanitizeText(f.Text)
	if f.Text == "" {
		return f, validationf("feedback text is required")
	}
	if f.UserID == "" {
		f.UserID = "anonymous"
	}
	f.ID = uuid.New().String()
	f.CreatedAt = e.nowStr()
	if err := e.Repo.InsertFeedback(ctx, f); err != nil {
		return f, err
	}
	e.publish(stream.TopicReports, "feedback.submitted", map[string]any{
		"id":       f.ID,
		"category": f.Category,
	})
	return f, nil
}
