package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) InsertOperation(ctx context.Context, op domain.SyncOperation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_operations(id,kind,target_id,phase_id,status,progress,processed,total,step,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.Kind, op.TargetID, nullable(op.PhaseID), op.Status, op.Progress, op.Processed, op.Total, nullable(op.Step), op.CreatedAt, op.UpdatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.SyncOperation, error) {
	var op domain.SyncOperation
	var phase, errMsg, step sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,target_id,phase_id,status,progress,error,processed,total,step,created_at,updated_at
FROM sync_operations WHERE id=?`, id).
		Scan(&op.ID, &op.Kind, &op.TargetID, &phase, &op.Status, &op.Progress, &errMsg, &op.Processed, &op.Total, &step, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if phase.Valid {
		op.PhaseID = phase.String
	}
	if errMsg.Valid {
		op.Error = &errMsg.String
	}
	if step.Valid {
		op.Step = step.String
	}
	return op, nil
}

// UpdateOperation overwrites the mutable fields of an operation. Only the
// executing worker calls this; terminal states are never rewritten by the
// executor.
func (r Repo) UpdateOperation(ctx context.Context, op domain.SyncOperation) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sync_operations SET status=?, progress=?, error=?, processed=?, total=?, step=?, updated_at=? WHERE id=?`,
		op.Status, op.Progress, nullablePtr(op.Error), op.Processed, op.Total, nullable(op.Step), op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendOperationLog(ctx context.Context, e domain.OperationLogEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO operation_log(operation_id,ts,message) VALUES (?,?,?)`,
		e.OperationID, e.TS, e.Message)
	return err
}

func (r Repo) ListOperationLog(ctx context.Context, operationID string) ([]domain.OperationLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT operation_id,ts,message FROM operation_log WHERE operation_id=? ORDER BY ts`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OperationLogEntry
	for rows.Next() {
		var e domain.OperationLogEntry
		if err := rows.Scan(&e.OperationID, &e.TS, &e.Message); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListOperationsByPhase(ctx context.Context, phaseID string) ([]domain.SyncOperation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,target_id,COALESCE(phase_id,''),status,progress,error,processed,total,COALESCE(step,''),created_at,updated_at
FROM sync_operations WHERE phase_id=? ORDER BY created_at`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncOperation
	for rows.Next() {
		var op domain.SyncOperation
		var errMsg sql.NullString
		if err := rows.Scan(&op.ID, &op.Kind, &op.TargetID, &op.PhaseID, &op.Status, &op.Progress, &errMsg, &op.Processed, &op.Total, &op.Step, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			op.Error = &errMsg.String
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// CountOperations returns total and failed operation counts for a phase.
func (r Repo) CountOperations(ctx context.Context, phaseID string) (total, failed int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0)
FROM sync_operations WHERE phase_id=?`, phaseID).Scan(&total, &failed)
	return total, failed, err
}
