package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"stageline/internal/domain"
)

func (r Repo) GetReportByWeek(ctx context.Context, week string) (domain.WeeklyReport, error) {
	var rep domain.WeeklyReport
	var milestones sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,week,new_onboardings,completed,active_issues,avg_satisfaction,milestones_json,generated_at
FROM weekly_reports WHERE week=?`, week).
		Scan(&rep.ID, &rep.Week, &rep.NewOnboardings, &rep.Completed, &rep.ActiveIssues, &rep.AvgSatisfaction, &milestones, &rep.GeneratedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	if milestones.Valid {
		_ = json.Unmarshal([]byte(milestones.String), &rep.Milestones)
	}
	return rep, nil
}

// InsertReport persists a generated report; reports are immutable, so a
// regeneration replaces the whole row.
func (r Repo) InsertReport(ctx context.Context, rep domain.WeeklyReport) error {
	var milestones any
	if len(rep.Milestones) > 0 {
		b, err := json.Marshal(rep.Milestones)
		if err != nil {
			return err
		}
		milestones = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO weekly_reports(id,week,new_onboardings,completed,active_issues,avg_satisfaction,milestones_json,generated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(week) DO UPDATE SET new_onboardings=excluded.new_onboardings, completed=excluded.completed,
active_issues=excluded.active_issues, avg_satisfaction=excluded.avg_satisfaction,
milestones_json=excluded.milestones_json, generated_at=excluded.generated_at`,
		rep.ID, rep.Week, rep.NewOnboardings, rep.Completed, rep.ActiveIssues, rep.AvgSatisfaction, milestones, rep.GeneratedAt)
	return err
}

// Report source aggregates; [from,to) bounds are RFC3339 strings, which
// compare correctly as text.

func (r Repo) CountOnboardingsStarted(ctx context.Context, from, to string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM onboarding_statuses WHERE started_at>=? AND started_at<?`, from, to).Scan(&n)
	return n, err
}

func (r Repo) CountOnboardingsCompleted(ctx context.Context, from, to string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM onboarding_statuses WHERE completed_at IS NOT NULL AND completed_at>=? AND completed_at<?`, from, to).Scan(&n)
	return n, err
}

func (r Repo) CountActiveIssues(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE resolved=0 AND category='issue'`).Scan(&n)
	return n, err
}

func (r Repo) AvgSatisfaction(ctx context.Context, from, to string) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(rating) FROM feedback WHERE rating IS NOT NULL AND created_at>=? AND created_at<?`, from, to).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// Milestones lists phases completed during the window.
func (r Repo) Milestones(ctx context.Context, from, to string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM phases WHERE status='completed' AND end_date>=? AND end_date<? ORDER BY end_date`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (r Repo) InsertFeedback(ctx context.Context, f domain.Feedback) error {
	var rating any
	if f.Rating != nil {
		rating = *f.Rating
	}
	resolved := 0
	if f.Resolved {
		resolved = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO feedback(id,user_id,category,rating,severity,text,resolved,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.UserID, f.Category, rating, nullable(f.Severity), f.Text, resolved, f.CreatedAt)
	return err
}

func (r Repo) ListFeedback(ctx context.Context, category string) ([]domain.Feedback, error) {
	query := `SELECT id,user_id,category,rating,COALESCE(severity,''),text,resolved,created_at FROM feedback`
	var args []any
	if category != "" {
		query += ` WHERE category=?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		var rating sql.NullInt64
		var resolved int
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &rating, &f.Severity, &f.Text, &resolved, &f.CreatedAt); err != nil {
			return nil, err
		}
		if rating.Valid {
			v := int(rating.Int64)
			f.Rating = &v
		}
		f.Resolved = resolved != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

// PhaseSatisfaction averages feedback ratings from a phase's target users.
func (r Repo) PhaseSatisfaction(ctx context.Context, phaseID string) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(f.rating) FROM feedback f
JOIN phase_targets t ON t.user_id=f.user_id
WHERE t.phase_id=? AND f.rating IS NOT NULL`, phaseID).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return avg.Float64, nil
}

// OnboardingDurations returns (completed_at - started_at) pairs for a
// phase's completed users.
func (r Repo) OnboardingDurations(ctx context.Context, phaseID string) ([][2]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT started_at, completed_at FROM onboarding_statuses
WHERE phase_id=? AND status='completed' AND completed_at IS NOT NULL`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res [][2]string
	for rows.Next() {
		var started, completed string
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, err
		}
		res = append(res, [2]string{started, completed})
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, deploymentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(deployment_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var args []any
	if deploymentID != "" {
		query += ` WHERE deployment_id=?`
		args = append(args, deploymentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DeploymentID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
