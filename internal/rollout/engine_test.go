package rollout

import (
	"context"
	"sync"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
)

var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
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
	e := New(conn, cfg, nil, nil)
	e.Now = func() time.Time { return testNow }
	return e
}

func testPlan(pilotTargets ...string) *config.Config {
	cfg := config.Default("orbit")
	cfg.Phases[0].Targets = pilotTargets
	return cfg
}

func completeOnboarding(t *testing.T, e *Engine, userID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.StartOnboarding(ctx, userID, "pilot"); err != nil {
		t.Fatalf("start onboarding %s: %v", userID, err)
	}
	for _, step := range []string{"install", "configure", "first-sync"} {
		if _, err := e.CompleteStep(ctx, userID, step, nil); err != nil {
			t.Fatalf("complete %s for %s: %v", step, userID, err)
		}
	}
	if _, err := e.SkipStep(ctx, userID, "training"); err != nil {
		t.Fatalf("skip training for %s: %v", userID, err)
	}
}

func TestStartPhaseOrder(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}

	if _, err := e.StartPhase(ctx, d.ID, "department"); !IsKind(err, KindOrderViolation) {
		t.Fatalf("expected order violation starting department first, got %v", err)
	}

	p, err := e.StartPhase(ctx, d.ID, "pilot")
	if err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	if p.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", p.Status)
	}
	if p.StartDate == nil {
		t.Fatal("expected start date to be set")
	}

	if _, err := e.StartPhase(ctx, d.ID, "pilot"); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state on second start, got %v", err)
	}

	dep, err := e.Repo.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if dep.Status != "in_progress" || dep.CurrentPhase != "pilot" {
		t.Fatalf("deployment should track running phase, got %s/%s", dep.Status, dep.CurrentPhase)
	}
}

func TestStartPhaseConcurrentStart(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}

	m, _ := e.phaseLocks.LoadOrStore("pilot", &sync.Mutex{})
	m.(*sync.Mutex).Lock()
	defer m.(*sync.Mutex).Unlock()

	if _, err := e.StartPhase(ctx, d.ID, "pilot"); !IsKind(err, KindAlreadyStarting) {
		t.Fatalf("expected already starting, got %v", err)
	}
}

func TestStartPhaseNotFound(t *testing.T) {
	e := newTestEngine(t, testPlan())
	ctx := context.Background()
	if _, err := e.ImportPlan(ctx, e.Plan()); err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, "nope", "pilot"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found deployment, got %v", err)
	}
	if _, err := e.StartPhase(ctx, "orbit", "nope"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found phase, got %v", err)
	}
}

func TestOnboardingStepFlow(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}

	ob, err := e.StartOnboarding(ctx, "u1", "pilot")
	if err != nil {
		t.Fatalf("start onboarding: %v", err)
	}
	if len(ob.Steps) != 4 {
		t.Fatalf("expected 4 steps from plan, got %d", len(ob.Steps))
	}
	if ob.CurrentStep != "install" {
		t.Fatalf("expected current step install, got %s", ob.CurrentStep)
	}

	if _, err := e.CompleteStep(ctx, "u1", "configure", nil); !IsKind(err, KindOrderViolation) {
		t.Fatalf("expected order violation completing configure first, got %v", err)
	}
	if _, err := e.SkipStep(ctx, "u1", "install"); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error skipping required step, got %v", err)
	}

	ob, err = e.CompleteStep(ctx, "u1", "install", map[string]any{"version": "2.3.1"})
	if err != nil {
		t.Fatalf("complete install: %v", err)
	}
	if ob.Progress != 25 {
		t.Fatalf("expected progress 25, got %d", ob.Progress)
	}
	if _, err := e.CompleteStep(ctx, "u1", "install", nil); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state completing a completed step, got %v", err)
	}

	if _, err := e.CompleteStep(ctx, "u1", "configure", nil); err != nil {
		t.Fatalf("complete configure: %v", err)
	}
	ob, err = e.CompleteStep(ctx, "u1", "first-sync", nil)
	if err != nil {
		t.Fatalf("complete first-sync: %v", err)
	}
	if ob.Progress != 75 || ob.CurrentStep != "training" {
		t.Fatalf("expected 75%% at training, got %d%% at %s", ob.Progress, ob.CurrentStep)
	}

	ob, err = e.SkipStep(ctx, "u1", "training")
	if err != nil {
		t.Fatalf("skip training: %v", err)
	}
	if ob.Status != "completed" || ob.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got %s at %d%%", ob.Status, ob.Progress)
	}
	if ob.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	// Completed onboarding is immutable.
	if _, err := e.CompleteStep(ctx, "u1", "training", nil); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state on completed onboarding, got %v", err)
	}

	// Sole target finished and criteria pass, so the phase auto-completes.
	p, err := e.Repo.GetPhase(ctx, d.ID, "pilot")
	if err != nil {
		t.Fatalf("get pilot: %v", err)
	}
	if p.Status != "completed" {
		t.Fatalf("expected pilot auto-completed, got %s", p.Status)
	}
	if p.Metrics.CompletionRate != 100 {
		t.Fatalf("expected completion rate 100, got %d", p.Metrics.CompletionRate)
	}

	dep, err := e.Repo.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if dep.Status == "completed" {
		t.Fatal("deployment must not complete while later phases are pending")
	}
}

func TestStartOnboardingGuards(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}

	if _, err := e.StartOnboarding(ctx, "u1", "pilot"); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state for pending phase, got %v", err)
	}
	if _, err := e.StartOnboarding(ctx, "ghost", "pilot"); !IsKind(err, KindNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}

	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	if _, err := e.StartOnboarding(ctx, "u1", "pilot"); err != nil {
		t.Fatalf("start onboarding: %v", err)
	}
	if _, err := e.StartOnboarding(ctx, "u1", "pilot"); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state for unfinished onboarding, got %v", err)
	}
}

func TestCompletePhaseCriteriaGate(t *testing.T) {
	e := newTestEngine(t, testPlan("u1", "u2", "u3", "u4", "u5"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	completeOnboarding(t, e, "u1")
	completeOnboarding(t, e, "u2")

	res, err := e.EvaluatePhase(ctx, d.ID, "pilot")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Passed {
		t.Fatal("expected criteria to fail at 40% completion")
	}
	if len(res.Failing) != 1 || res.Failing[0] != "completion_rate" {
		t.Fatalf("expected completion_rate failing, got %v", res.Failing)
	}

	if _, err := e.CompletePhase(ctx, d.ID, "pilot", false); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected completion blocked, got %v", err)
	}

	p, err := e.CompletePhase(ctx, d.ID, "pilot", true)
	if err != nil {
		t.Fatalf("forced completion: %v", err)
	}
	if p.Status != "completed" {
		t.Fatalf("expected completed, got %s", p.Status)
	}

	events, err := e.Repo.ListEvents(ctx, d.ID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	found := false
	for _, evt := range events {
		if evt.Type == "phase.completed.override" {
			found = true
		}
		if evt.Type == "phase.completed" {
			t.Fatal("forced completion must record the override event, not the regular one")
		}
	}
	if !found {
		t.Fatal("expected a phase.completed.override event")
	}
}

func TestFailPhase(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.FailPhase(ctx, d.ID, "pilot", "nope"); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state failing a pending phase, got %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	p, err := e.FailPhase(ctx, d.ID, "pilot", "sync outage")
	if err != nil {
		t.Fatalf("fail phase: %v", err)
	}
	if p.Status != "failed" {
		t.Fatalf("expected failed, got %s", p.Status)
	}
	// A failed earlier phase still gates later phases.
	if _, err := e.StartPhase(ctx, d.ID, "department"); !IsKind(err, KindOrderViolation) {
		t.Fatalf("expected order violation after pilot failed, got %v", err)
	}
}

func TestWeeklyReportAndComparison(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	completeOnboarding(t, e, "u1")

	rep, err := e.WeeklyReport(ctx, testNow)
	if err != nil {
		t.Fatalf("weekly report: %v", err)
	}
	if rep.Week != "2026-W10" {
		t.Fatalf("expected week 2026-W10, got %s", rep.Week)
	}
	if rep.NewOnboardings != 1 || rep.Completed != 1 {
		t.Fatalf("expected 1 started / 1 completed, got %d/%d", rep.NewOnboardings, rep.Completed)
	}
	if len(rep.Milestones) == 0 {
		t.Fatal("expected the pilot completion milestone")
	}

	// Generated reports are cached; a second read returns the same report.
	again, err := e.WeeklyReport(ctx, testNow)
	if err != nil {
		t.Fatalf("weekly report again: %v", err)
	}
	if again.ID != rep.ID {
		t.Fatalf("expected cached report %s, got %s", rep.ID, again.ID)
	}

	cmp, err := e.CompareWeeklyReports(ctx, testNow.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp.Week != "2026-W11" || cmp.PreviousWeek != "2026-W10" {
		t.Fatalf("unexpected weeks %s vs %s", cmp.Week, cmp.PreviousWeek)
	}
	if cmp.NewOnboardings != -1 || cmp.Completed != -1 {
		t.Fatalf("expected -1/-1 deltas for a quiet week, got %+d/%+d", cmp.NewOnboardings, cmp.Completed)
	}
}

func TestSubmitFeedback(t *testing.T) {
	e := newTestEngine(t, testPlan())
	ctx := context.Background()

	if _, err := e.SubmitFeedback(ctx, feedbackWith("rant", "broken")); !IsKind(err, KindValidation) {
		t.Fatal("expected validation error for unknown category")
	}
	if _, err := e.SubmitFeedback(ctx, feedbackWith("issue", "<script>alert(1)</script>")); !IsKind(err, KindValidation) {
		t.Fatal("expected validation error when sanitizing leaves no text")
	}

	f, err := e.SubmitFeedback(ctx, feedbackWith("issue", "<b>Sync</b> keeps timing out"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.Text != "Sync keeps timing out" {
		t.Fatalf("expected markup stripped, got %q", f.Text)
	}
	if f.UserID != "anonymous" {
		t.Fatalf("expected anonymous default, got %s", f.UserID)
	}
}

func feedbackWith(category, text string) domain.Feedback {
	return domain.Feedback{Category: category, Text: text}
}

func TestRate(t *testing.T) {
	cases := []struct {
		part, whole, want int
	}{
		{0, 0, 0},
		{5, 5, 100},
		{2, 5, 40},
		{1, 3, 33},
		{2, 3, 67},
	}
	for _, c := range cases {
		if got := Rate(c.part, c.whole); got != c.want {
			t.Errorf("Rate(%d, %d) = %d, want %d", c.part, c.whole, got, c.want)
		}
	}
}

func TestWeekKey(t *testing.T) {
	// Jan 1 2027 falls in ISO week 53 of 2026.
	if got := WeekKey(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)); got != "2026-W53" {
		t.Fatalf("expected 2026-W53, got %s", got)
	}
	if got := WeekKey(testNow); got != "2026-W10" {
		t.Fatalf("expected 2026-W10, got %s", got)
	}
}

func TestCompletePhaseConcurrentTerminal(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.CompletePhase(ctx, d.ID, "pilot", true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case IsKind(err, KindInvalidState):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one completion and one invalid-state rejection, got %d/%d", won, lost)
	}

	p, err := e.Repo.GetPhase(ctx, d.ID, "pilot")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if p.Status != "completed" {
		t.Fatalf("expected completed, got %s", p.Status)
	}

	events, err := e.Repo.ListEvents(ctx, d.ID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	overrides := 0
	for _, evt := range events {
		if evt.Type == "phase.completed.override" {
			overrides++
		}
	}
	if overrides != 1 {
		t.Fatalf("expected exactly one override event, got %d", overrides)
	}
}

func TestCompleteAndFailPhaseLinearized(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}
	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.CompletePhase(ctx, d.ID, "pilot", true)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := e.FailPhase(ctx, d.ID, "pilot", "rollout aborted")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case IsKind(err, KindInvalidState):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected a single terminal transition, got %d wins and %d rejections", won, lost)
	}
	p, err := e.Repo.GetPhase(ctx, d.ID, "pilot")
	if err != nil {
		t.Fatalf("get phase: %v", err)
	}
	if p.Status != "completed" && p.Status != "failed" {
		t.Fatalf("expected a terminal status, got %s", p.Status)
	}
}

func TestImportPlanReplacesStepTemplates(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	if _, err := e.ImportPlan(ctx, e.Plan()); err != nil {
		t.Fatalf("import first plan: %v", err)
	}

	next := config.Default("lift")
	for i := range next.Phases {
		next.Phases[i].ID = "lift-" + next.Phases[i].ID
	}
	next.Phases[0].Targets = []string{"u9"}
	next.Steps = []config.StepPlan{
		{ID: "install", Name: "Install the sync client", Required: true},
		{ID: "verify", Name: "Verify the install", Required: true},
	}
	d2, err := e.ImportPlan(ctx, next)
	if err != nil {
		t.Fatalf("import second plan: %v", err)
	}
	if e.Plan().Deployment.ID != "lift" {
		t.Fatalf("expected the imported plan to be active, got %s", e.Plan().Deployment.ID)
	}

	if _, err := e.StartPhase(ctx, d2.ID, "lift-pilot"); err != nil {
		t.Fatalf("start lift-pilot: %v", err)
	}
	ob, err := e.StartOnboarding(ctx, "u9", "lift-pilot")
	if err != nil {
		t.Fatalf("start onboarding: %v", err)
	}
	if len(ob.Steps) != 2 || ob.Steps[0].ID != "install" || ob.Steps[1].ID != "verify" {
		t.Fatalf("expected steps from the imported plan, got %+v", ob.Steps)
	}
}

func TestAssignmentSeedsOnboarding(t *testing.T) {
	e := newTestEngine(t, testPlan("u1"))
	ctx := context.Background()
	d, err := e.ImportPlan(ctx, e.Plan())
	if err != nil {
		t.Fatalf("import plan: %v", err)
	}

	ob, err := e.Repo.GetOnboarding(ctx, "u1")
	if err != nil {
		t.Fatalf("get onboarding: %v", err)
	}
	if ob.Status != "not_started" {
		t.Fatalf("expected not_started after assignment, got %s", ob.Status)
	}

	if _, err := e.CompleteStep(ctx, "u1", "install", nil); !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid state completing a step before starting, got %v", err)
	}

	if err := e.AssignUsers(ctx, d.ID, "pilot", []domain.User{{ID: "u2", Name: "User Two", Email: "u2@example.com"}}); err != nil {
		t.Fatalf("assign users: %v", err)
	}
	ob2, err := e.Repo.GetOnboarding(ctx, "u2")
	if err != nil {
		t.Fatalf("get onboarding u2: %v", err)
	}
	if ob2.Status != "not_started" {
		t.Fatalf("expected not_started for assigned user, got %s", ob2.Status)
	}

	if _, err := e.StartPhase(ctx, d.ID, "pilot"); err != nil {
		t.Fatalf("start pilot: %v", err)
	}
	started, err := e.StartOnboarding(ctx, "u1", "pilot")
	if err != nil {
		t.Fatalf("start onboarding u1: %v", err)
	}
	if started.Status != "in_progress" || len(started.Steps) != 4 {
		t.Fatalf("expected in_progress with 4 steps, got %s with %d", started.Status, len(started.Steps))
	}
}
