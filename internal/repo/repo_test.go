package repo

import (
	"context"
	"testing"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func seedPhase(t *testing.T, r Repo) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	d := domain.Deployment{ID: "d1", Name: "d1", Status: "created",
		CreatedAt: "2026-03-04T12:00:00Z", UpdatedAt: "2026-03-04T12:00:00Z"}
	if err := r.InsertDeployment(ctx, tx, d); err != nil {
		t.Fatalf("insert deployment: %v", err)
	}
	p := domain.Phase{ID: "p1", DeploymentID: "d1", Name: "Pilot", Position: 0, Status: "pending"}
	if err := r.InsertPhase(ctx, tx, p); err != nil {
		t.Fatalf("insert phase: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestPhaseCacheInvalidationIsPostCommit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPhase(t, r)

	p, err := r.GetPhase(ctx, "d1", "p1")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if p.Status != "pending" {
		t.Fatalf("expected pending, got %s", p.Status)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	start := "2026-03-04T12:00:00Z"
	if err := r.UpdatePhaseStatus(ctx, tx, "p1", "in_progress", &start, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The mutator must not touch the cache; dropping the entry while the
	// transaction is still open would let a concurrent read re-cache the
	// pre-commit row. Invalidation is the committer's job.
	p, err = r.GetPhase(ctx, "d1", "p1")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if p.Status != "pending" {
		t.Fatalf("mutator invalidated the cache before the caller committed, got %s", p.Status)
	}

	r.InvalidatePhase("p1")
	p, err = r.GetPhase(ctx, "d1", "p1")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if p.Status != "in_progress" {
		t.Fatalf("expected in_progress after invalidation, got %s", p.Status)
	}
}

func TestDeploymentCacheInvalidationIsPostCommit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedPhase(t, r)

	if _, err := r.GetDeployment(ctx, "d1"); err != nil {
		t.Fatalf("get deployment: %v", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.UpdateDeployment(ctx, tx, "d1", "in_progress", "p1", "2026-03-04T12:01:00Z"); err != nil {
		t.Fatalf("update deployment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	d, err := r.GetDeployment(ctx, "d1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != "created" {
		t.Fatalf("mutator invalidated the cache before the caller committed, got %s", d.Status)
	}

	r.InvalidateDeployment("d1")
	d, err = r.GetDeployment(ctx, "d1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != "in_progress" || d.CurrentPhase != "p1" {
		t.Fatalf("expected refreshed deployment, got %s/%s", d.Status, d.CurrentPhase)
	}
}
