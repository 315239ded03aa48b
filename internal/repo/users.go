package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,email,department,role,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, department=excluded.department, role=excluded.role`,
		u.ID, u.Name, u.Email, nullable(u.Department), nullable(u.Role), u.CreatedAt)
	return err
}

// GetUser loads a user with the onboarding status, if one was ever assigned.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var dept, role sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,department,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &dept, &role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if dept.Valid {
		u.Department = dept.String
	}
	if role.Valid {
		u.Role = role.String
	}
	ob, err := r.GetOnboarding(ctx, id)
	if err == nil {
		u.Onboarding = &ob
	} else if err != ErrNotFound {
		return u, err
	}
	return u, nil
}

func (r Repo) GetOnboarding(ctx context.Context, userID string) (domain.OnboardingStatus, error) {
	var ob domain.OnboardingStatus
	var current, completed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,phase_id,status,progress,current_step,started_at,completed_at FROM onboarding_statuses WHERE user_id=?`, userID).
		Scan(&ob.UserID, &ob.PhaseID, &ob.Status, &ob.Progress, &current, &ob.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return ob, ErrNotFound
	}
	if err != nil {
		return ob, err
	}
	if current.Valid {
		ob.CurrentStep = current.String
	}
	if completed.Valid {
		ob.CompletedAt = &completed.String
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT step_id,name,required,status,data_json,completed_at FROM onboarding_steps WHERE user_id=? ORDER BY position`, userID)
	if err != nil {
		return ob, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.OnboardingStep
		var required int
		var data, done sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &required, &s.Status, &data, &done); err != nil {
			return ob, err
		}
		s.Required = required != 0
		if data.Valid {
			s.Data = &data.String
		}
		if done.Valid {
			s.CompletedAt = &done.String
		}
		ob.Steps = append(ob.Steps, s)
	}
	return ob, rows.Err()
}

// EnsureOnboardingStub records a not_started onboarding at assignment time.
// Users who already have an onboarding record keep it.
func (r Repo) EnsureOnboardingStub(ctx context.Context, tx *sql.Tx, userID, phaseID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO onboarding_statuses(user_id,phase_id,status,progress,started_at) VALUES (?,?,'not_started',0,'')`,
		userID, phaseID)
	return err
}

// InsertOnboarding persists a fresh onboarding status with all its steps.
func (r Repo) InsertOnboarding(ctx context.Context, tx *sql.Tx, ob domain.OnboardingStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO onboarding_statuses(user_id,phase_id,status,progress,current_step,started_at) VALUES (?,?,?,?,?,?)`,
		ob.UserID, ob.PhaseID, ob.Status, ob.Progress, nullable(ob.CurrentStep), ob.StartedAt)
	if err != nil {
		return err
	}
	for i, s := range ob.Steps {
		required := 0
		if s.Required {
			required = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO onboarding_steps(user_id,step_id,name,required,position,status) VALUES (?,?,?,?,?,?)`,
			ob.UserID, s.ID, s.Name, required, i, s.Status); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateOnboarding(ctx context.Context, tx *sql.Tx, ob domain.OnboardingStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE onboarding_statuses SET status=?, progress=?, current_step=?, completed_at=? WHERE user_id=?`,
		ob.Status, ob.Progress, nullable(ob.CurrentStep), nullablePtr(ob.CompletedAt), ob.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, userID string, s domain.OnboardingStep) error {
	res, err := tx.ExecContext(ctx, `UPDATE onboarding_steps SET status=?, data_json=?, completed_at=? WHERE user_id=? AND step_id=?`,
		s.Status, nullablePtr(s.Data), nullablePtr(s.CompletedAt), userID, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
