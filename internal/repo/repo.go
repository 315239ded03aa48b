package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

type Repo struct {
	DB          *sql.DB
	deployments *Cache[domain.Deployment]
	phases      *Cache[domain.Phase]
}

var ErrNotFound = errors.New("not found")

// New builds a Repo with its entity caches. Deployments replace on write;
// phases keyed-merge so a cached copy never loses completed users recorded
// by a concurrent reader holding a staler row.
func New(db *sql.DB) Repo {
	return Repo{
		DB:          db,
		deployments: NewCache[domain.Deployment](nil),
		phases:      NewCache(mergePhase),
	}
}

func mergePhase(old, fresh domain.Phase) domain.Phase {
	seen := map[string]bool{}
	for _, u := range fresh.CompletedUsers {
		seen[u] = true
	}
	for _, u := range old.CompletedUsers {
		if !seen[u] {
			fresh.CompletedUsers = append(fresh.CompletedUsers, u)
			seen[u] = true
		}
	}
	return fresh
}

func (r Repo) InsertDeployment(ctx context.Context, tx *sql.Tx, d domain.Deployment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deployments(id,name,status,current_phase,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Name, d.Status, nullable(d.CurrentPhase), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDeployment(ctx context.Context, id string) (domain.Deployment, error) {
	if d, ok := r.deployments.Get(id); ok {
		return d, nil
	}
	var d domain.Deployment
	var current sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,current_phase,created_at,updated_at FROM deployments WHERE id=?`, id).
		Scan(&d.ID, &d.Name, &d.Status, &current, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if current.Valid {
		d.CurrentPhase = current.String
	}
	r.deployments.Put(id, d)
	return d, nil
}

func (r Repo) ListDeployments(ctx context.Context) ([]domain.Deployment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(current_phase,''),created_at,updated_at FROM deployments ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.Name, &d.Status, &d.CurrentPhase, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDeployment(ctx context.Context, tx *sql.Tx, id, status, currentPhase, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deployments SET status=?, current_phase=?, updated_at=? WHERE id=?`,
		status, nullable(currentPhase), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InvalidatePhase drops a phase from the read cache. Callers invalidate
// after committing their transaction; invalidating earlier lets a concurrent
// read re-cache the pre-commit row.
func (r Repo) InvalidatePhase(id string) { r.phases.Invalidate(id) }

// InvalidateDeployment drops a deployment from the read cache; same
// post-commit rule as InvalidatePhase.
func (r Repo) InvalidateDeployment(id string) { r.deployments.Invalidate(id) }

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,deployment_id,name,position,status,min_completion_rate,max_error_rate,target_duration_days) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.DeploymentID, p.Name, p.Position, p.Status,
		p.Criteria.MinCompletionRate, p.Criteria.MaxErrorRate, p.Criteria.TargetDurationDays)
	return err
}

const phaseColumns = `id,deployment_id,name,position,status,
min_completion_rate,max_error_rate,target_duration_days,
completion_rate,error_rate,avg_onboarding_days,user_satisfaction,
start_date,end_date`

func scanPhase(scan func(...any) error) (domain.Phase, error) {
	var p domain.Phase
	var start, end sql.NullString
	err := scan(&p.ID, &p.DeploymentID, &p.Name, &p.Position, &p.Status,
		&p.Criteria.MinCompletionRate, &p.Criteria.MaxErrorRate, &p.Criteria.TargetDurationDays,
		&p.Metrics.CompletionRate, &p.Metrics.ErrorRate, &p.Metrics.AvgOnboardingDays, &p.Metrics.UserSatisfaction,
		&start, &end)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if start.Valid {
		p.StartDate = &start.String
	}
	if end.Valid {
		p.EndDate = &end.String
	}
	return p, nil
}

// GetPhase loads a phase with its target and completed user sets.
func (r Repo) GetPhase(ctx context.Context, deploymentID, phaseID string) (domain.Phase, error) {
	if p, ok := r.phases.Get(phaseID); ok && p.DeploymentID == deploymentID {
		return p, nil
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=? AND deployment_id=?`, phaseID, deploymentID)
	p, err := scanPhase(row.Scan)
	if err != nil {
		return p, err
	}
	if err := r.loadTargets(ctx, &p); err != nil {
		return p, err
	}
	r.phases.Put(p.ID, p)
	return p, nil
}

func (r Repo) loadTargets(ctx context.Context, p *domain.Phase) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, completed FROM phase_targets WHERE phase_id=? ORDER BY position`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var completed int
		if err := rows.Scan(&userID, &completed); err != nil {
			return err
		}
		p.TargetUsers = append(p.TargetUsers, userID)
		if completed != 0 {
			p.CompletedUsers = append(p.CompletedUsers, userID)
		}
	}
	return rows.Err()
}

func (r Repo) ListPhases(ctx context.Context, deploymentID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE deployment_id=? ORDER BY position`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if err := r.loadTargets(ctx, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// PhaseDeployment resolves the owning deployment of a phase.
func (r Repo) PhaseDeployment(ctx context.Context, phaseID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT deployment_id FROM phases WHERE id=?`, phaseID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

func (r Repo) UpdatePhaseStatus(ctx context.Context, tx *sql.Tx, phaseID, status string, startDate, endDate *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, start_date=COALESCE(?,start_date), end_date=COALESCE(?,end_date) WHERE id=?`,
		status, nullablePtr(startDate), nullablePtr(endDate), phaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePhaseMetrics(ctx context.Context, phaseID string, m domain.PhaseMetrics) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE phases SET completion_rate=?, error_rate=?, avg_onboarding_days=?, user_satisfaction=? WHERE id=?`,
		m.CompletionRate, m.ErrorRate, m.AvgOnboardingDays, m.UserSatisfaction, phaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.phases.Invalidate(phaseID)
	return nil
}

// AddTargets appends users to the phase target set, keeping assignment order.
func (r Repo) AddTargets(ctx context.Context, tx *sql.Tx, phaseID string, userIDs []string) error {
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM phase_targets WHERE phase_id=?`, phaseID).Scan(&next); err != nil {
		return err
	}
	for i, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO phase_targets(phase_id,user_id,position) VALUES (?,?,?)`,
			phaseID, id, next+i); err != nil {
			return fmt.Errorf("add target %s: %w", id, err)
		}
	}
	return nil
}

func (r Repo) MarkTargetCompleted(ctx context.Context, tx *sql.Tx, phaseID, userID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phase_targets SET completed=1 WHERE phase_id=? AND user_id=?`, phaseID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
