package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/stream"
)

// WeekKey formats an ISO year-week key like "2026-W35".
func WeekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// weekBounds returns the [monday, next monday) window containing t, in UTC.
func weekBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1-weekday)
	return monday, monday.AddDate(0, 0, 7)
}

// WeeklyReport returns the report for the week containing t, generating and
// caching it if absent. Generated reports are immutable; use Regenerate to
// rebuild one on demand.
func (e *Engine) WeeklyReport(ctx context.Context, t time.Time) (domain.WeeklyReport, error) {
	week := WeekKey(t)
	rep, err := e.Repo.GetReportByWeek(ctx, week)
	if err == nil {
		return rep, nil
	}
	if err != repo.ErrNotFound {
		return rep, err
	}
	return e.generateReport(ctx, t)
}

// RegenerateReport rebuilds the week's report, replacing the cached one.
func (e *Engine) RegenerateReport(ctx context.Context, t time.Time) (domain.WeeklyReport, error) {
	return e.generateReport(ctx, t)
}

func (e *Engine) generateReport(ctx context.Context, t time.Time) (domain.WeeklyReport, error) {
	from, to := weekBounds(t)
	fromStr := from.Format(time.RFC3339)
	toStr := to.Format(time.RFC3339)

	rep := domain.WeeklyReport{
		ID:          uuid.New().String(),
		Week:        WeekKey(t),
		GeneratedAt: e.nowStr(),
	}
	var err error
	if rep.NewOnboardings, err = e.Repo.CountOnboardingsStarted(ctx, fromStr, toStr); err != nil {
		return rep, err
	}
	if rep.Completed, err = e.Repo.CountOnboardingsCompleted(ctx, fromStr, toStr); err != nil {
		return rep, err
	}
	if rep.ActiveIssues, err = e.Repo.CountActiveIssues(ctx); err != nil {
		return rep, err
	}
	if rep.AvgSatisfaction, err = e.Repo.AvgSatisfaction(ctx, fromStr, toStr); err != nil {
		return rep, err
	}
	if rep.Milestones, err = e.Repo.Milestones(ctx, fromStr, toStr); err != nil {
		return rep, err
	}
	if err := e.Repo.InsertReport(ctx, rep); err != nil {
		return rep, err
	}
	e.publish(stream.TopicReports, "report.generated", map[string]any{"week": rep.Week})
	return rep, nil
}

// CompareWeeklyReports returns signed per-metric deltas between the week
// containing t and the immediately preceding week. Both reports are
// generated on demand when absent.
func (e *Engine) CompareWeeklyReports(ctx context.Context, t time.Time) (domain.ReportComparison, error) {
	cur, err := e.WeeklyReport(ctx, t)
	if err != nil {
		return domain.ReportComparison{}, err
	}
	prev, err := e.WeeklyReport(ctx, t.AddDate(0, 0, -7))
	if err != nil {
		return domain.ReportComparison{}, err
	}
	return domain.ReportComparison{
		Week:            cur.Week,
		PreviousWeek:    prev.Week,
		NewOnboardings:  cur.NewOnboardings - prev.NewOnboardings,
		Completed:       cur.Completed - prev.Completed,
		ActiveIssues:    cur.ActiveIssues - prev.ActiveIssues,
		AvgSatisfaction: cur.AvgSatisfaction - prev.AvgSatisfaction,
	}, nil
}
