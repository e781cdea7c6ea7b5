package engine_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"showline/internal/cache"
	"showline/internal/config"
	"showline/internal/db"
	"showline/internal/domain"
	"showline/internal/engine"
	"showline/internal/migrate"
)

const projectID = "show-1"

type testEnv struct {
	Engine engine.Engine
	Cache  *cache.Memory
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := cache.NewMemory(0)
	eng := engine.New(conn, config.Default(), store)
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, _, err := eng.InitProject(ctx, engine.ProjectInit{ID: projectID, Name: "Spring Gala", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Cache: store, Ctx: ctx, Clock: &clock}
}

func (env testEnv) addItems(t *testing.T, area string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := env.Engine.AddSetupItem(env.Ctx, engine.SetupItemInput{
			ProjectID: projectID, Area: area, Name: area + " item", Active: area == "team", ActorID: "tester",
		}); err != nil {
			t.Fatalf("add %s item: %v", area, err)
		}
	}
}

func (env testEnv) finalize(t *testing.T, areas ...string) {
	t.Helper()
	for _, area := range areas {
		if _, err := env.Engine.Finalize(env.Ctx, projectID, area, "tester"); err != nil {
			t.Fatalf("finalize %s: %v", area, err)
		}
	}
}

// forceTo overrides blockers until the project reaches target.
func (env testEnv) forceTo(t *testing.T, target domain.Phase) {
	t.Helper()
	for {
		st, err := env.Engine.Repo.GetPhaseState(env.Ctx, projectID)
		if err != nil {
			t.Fatalf("get phase state: %v", err)
		}
		if st.CurrentPhase == target {
			return
		}
		if _, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{
			ProjectID: projectID, ActorID: "tester", OverrideBlockers: true, Reason: "test setup",
		}); err != nil {
			t.Fatalf("force from %s: %v", st.CurrentPhase, err)
		}
	}
}

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func TestPrepBlockedWithoutRolesAndLocations(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	want := []string{"missing_role_templates", "missing_locations"}
	if status.CanTransition || !reflect.DeepEqual(status.Blockers, want) {
		t.Fatalf("expected blockers %v, got can=%v %v", want, status.CanTransition, status.Blockers)
	}
	if status.TargetPhase == nil || *status.TargetPhase != domain.PhaseStaffing {
		t.Fatalf("expected target STAFFING, got %v", status.TargetPhase)
	}

	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhaseStaffing, ActorID: "tester"})
	if !errors.Is(err, domain.ErrTransitionBlocked) {
		t.Fatalf("expected transition blocked, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || !reflect.DeepEqual(de.Details["blockers"], want) {
		t.Fatalf("expected blockers in error details, got %#v", err)
	}
}

func TestStaffingReadyForPreShow(t *testing.T) {
	env := newTestEnv(t)
	env.addItems(t, "roles", 1)
	env.addItems(t, "locations", 1)
	env.finalize(t, "roles", "locations")
	if _, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, ActorID: "tester"}); err != nil {
		t.Fatalf("to staffing: %v", err)
	}
	env.addItems(t, "team", 1)
	env.addItems(t, "talent", 1)

	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.CanTransition || status.TargetPhase == nil || *status.TargetPhase != domain.PhasePreShow {
		t.Fatalf("expected ready for PRE_SHOW, got %+v", status.TransitionResult)
	}
	if len(status.Blockers) != 0 {
		t.Fatalf("expected no blockers, got %v", status.Blockers)
	}
}

func TestPreShowScheduledActivation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{
		Timezone:           strPtr("America/New_York"),
		RehearsalStartDate: strPtr("2024-03-02"),
	}, "tester"); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	env.forceTo(t, domain.PhasePreShow)

	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentPhase != domain.PhasePreShow {
		t.Fatalf("expected PRE_SHOW to hold before the date, got %s", status.CurrentPhase)
	}
	want := []string{"Scheduled to activate at 2024-03-02"}
	if status.CanTransition || !reflect.DeepEqual(status.Blockers, want) {
		t.Fatalf("expected %v, got %v", want, status.Blockers)
	}
	ny, _ := time.LoadLocation("America/New_York")
	midnight := time.Date(2024, 3, 2, 0, 0, 0, 0, ny)
	if status.ScheduledAt == nil || !status.ScheduledAt.Equal(midnight) {
		t.Fatalf("expected scheduled at %s, got %v", midnight, status.ScheduledAt)
	}
}

func TestFinalizeEmptyAreaClearsMissingIssue(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.Finalize(env.Ctx, projectID, "locations", "tester")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !rec.Finalized || rec.FinalizedBy != "tester" || rec.FinalizedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !reflect.DeepEqual(status.Blockers, []string{"missing_role_templates"}) {
		t.Fatalf("expected only missing_role_templates, got %v", status.Blockers)
	}
	snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
	if err != nil {
		t.Fatalf("readiness: %v", err)
	}
	for _, issue := range snap.BlockingIssues {
		if issue == "missing_locations" {
			t.Fatalf("missing_locations still reported: %v", snap.BlockingIssues)
		}
	}
	if snap.Counts.Locations != 0 || !snap.Finalization.Locations {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addItems(t, "roles", 1)
	env.addItems(t, "locations", 1)
	env.finalize(t, "roles", "locations")

	var wg sync.WaitGroup
	outcomes := make([]engine.TransitionOutcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.Engine.Execute(env.Ctx, engine.TransitionRequest{
				ProjectID: projectID, TargetPhase: domain.PhaseStaffing, ActorID: "tester",
			})
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range outcomes {
		if errs[i] != nil {
			if !errors.Is(errs[i], domain.ErrConflict) {
				t.Fatalf("unexpected error: %v", errs[i])
			}
			continue
		}
		if outcomes[i].Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
	history, err := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history row, got %d", len(history))
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.finalize(t, "roles", "locations")
	first, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhaseStaffing, ActorID: "tester"})
	if err != nil || !first.Applied || first.History == nil {
		t.Fatalf("first transition: %+v %v", first, err)
	}
	second, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhaseStaffing, ActorID: "tester"})
	if err != nil {
		t.Fatalf("repeat transition: %v", err)
	}
	if !second.Success || second.Applied || second.NewPhase != domain.PhaseStaffing {
		t.Fatalf("expected no-op success, got %+v", second)
	}
	history, _ := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	if len(history) != 1 {
		t.Fatalf("expected one history row, got %d", len(history))
	}
	h := history[0]
	if h.FromPhase != domain.PhasePrep || h.ToPhase != domain.PhaseStaffing || h.Trigger != domain.TriggerManual || h.TransitionedBy != "tester" {
		t.Fatalf("unexpected history row %+v", h)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhasePreShow, ActorID: "tester"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for skip, got %v", err)
	}
	env.forceTo(t, domain.PhaseStaffing)
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhasePrep, ActorID: "tester"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for backward move, got %v", err)
	}
	if history, _ := env.Engine.GetTransitionHistory(env.Ctx, projectID); len(history) != 1 {
		t.Fatalf("a passed target must not append history, got %d rows", len(history))
	}
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhasePreShow, Trigger: domain.TriggerAutomatic})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected automatic move into PRE_SHOW to be rejected, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: "NOPE", ActorID: "tester"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown phase, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: "missing", ActorID: "tester"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTerminalPhaseRejectsNext(t *testing.T) {
	env := newTestEnv(t)
	env.forceTo(t, domain.PhaseArchived)
	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CanTransition || status.TargetPhase != nil || len(status.Blockers) != 0 {
		t.Fatalf("unexpected terminal status %+v", status.TransitionResult)
	}
	if _, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, ActorID: "tester"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of ARCHIVED, got %v", err)
	}
}

func TestOverrideRecordsBypassedBlockers(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{
		ProjectID: projectID, ActorID: "tester", OverrideBlockers: true, Reason: "venue confirmed by phone",
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.NewPhase != domain.PhaseStaffing || out.History == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	history, err := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history: %v %d", err, len(history))
	}
	meta := history[0].Metadata
	if meta["override"] != true {
		t.Fatalf("expected override flag, got %v", meta)
	}
	bypassed, ok := meta["bypassed_blockers"].([]any)
	if !ok || len(bypassed) != 2 || bypassed[0] != "missing_role_templates" {
		t.Fatalf("expected bypassed blockers, got %#v", meta["bypassed_blockers"])
	}
	if history[0].Reason != "venue confirmed by phone" {
		t.Fatalf("reason not kept: %q", history[0].Reason)
	}
}

func TestOverrideRequiresPermission(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, ActorID: "guest", OverrideBlockers: true})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	out, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{
		ProjectID: projectID, ActorID: "guest", OverrideBlockers: true, Permissions: []string{"phase.override"},
	})
	if err != nil || !out.Applied {
		t.Fatalf("expected override granted by credentials: %+v %v", out, err)
	}
}

func TestAutomaticTriggerCannotOverride(t *testing.T) {
	env := newTestEnv(t)
	env.forceTo(t, domain.PhasePreShow)
	_, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{
		ProjectID: projectID, TargetPhase: domain.PhaseActive, Trigger: domain.TriggerAutomatic, OverrideBlockers: true,
	})
	if !errors.Is(err, domain.ErrTransitionBlocked) {
		t.Fatalf("expected blocked, got %v", err)
	}
}

func TestRevertStepsBackOnePhase(t *testing.T) {
	env := newTestEnv(t)
	env.forceTo(t, domain.PhasePreShow)

	_, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, TargetPhase: domain.PhasePrep, Revert: true, ActorID: "tester"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected two-step revert to fail, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, Revert: true, ActorID: "guest"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden revert, got %v", err)
	}
	out, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, Revert: true, ActorID: "tester", Reason: "cast change"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if out.PreviousPhase != domain.PhasePreShow || out.NewPhase != domain.PhaseStaffing {
		t.Fatalf("unexpected revert outcome %+v", out)
	}
	history, _ := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	last := history[len(history)-1]
	if last.Metadata["revert"] != true || last.ToPhase != domain.PhaseStaffing {
		t.Fatalf("expected revert recorded, got %+v", last)
	}
}

func TestHistoryIsOrderedAndComplete(t *testing.T) {
	env := newTestEnv(t)
	env.forceTo(t, domain.PhaseActive)
	history, err := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []domain.Phase{domain.PhasePrep, domain.PhaseStaffing, domain.PhasePreShow, domain.PhaseActive}
	if len(history) != len(want)-1 {
		t.Fatalf("expected %d rows, got %d", len(want)-1, len(history))
	}
	for i, h := range history {
		if h.FromPhase != want[i] || h.ToPhase != want[i+1] {
			t.Fatalf("row %d: %s -> %s", i, h.FromPhase, h.ToPhase)
		}
		if h.ID == "" || h.TransitionedAt.IsZero() {
			t.Fatalf("row %d incomplete: %+v", i, h)
		}
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE phase_transition_history SET reason='edited'`); err == nil {
		t.Fatalf("expected history rows to be immutable")
	}
}

func TestHistoryOrderWithSubSecondClock(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	*env.Clock = base.Add(100 * time.Millisecond)
	env.forceTo(t, domain.PhaseStaffing)
	*env.Clock = base.Add(150 * time.Millisecond)
	if _, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{ProjectID: projectID, Revert: true, ActorID: "tester"}); err != nil {
		t.Fatalf("revert: %v", err)
	}
	*env.Clock = base.Add(500 * time.Millisecond)
	env.forceTo(t, domain.PhaseStaffing)
	*env.Clock = base.Add(time.Second)
	env.forceTo(t, domain.PhasePreShow)

	history, err := env.Engine.GetTransitionHistory(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := [][2]domain.Phase{
		{domain.PhasePrep, domain.PhaseStaffing},
		{domain.PhaseStaffing, domain.PhasePrep},
		{domain.PhasePrep, domain.PhaseStaffing},
		{domain.PhaseStaffing, domain.PhasePreShow},
	}
	if len(history) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(history))
	}
	for i, h := range history {
		if h.FromPhase != want[i][0] || h.ToPhase != want[i][1] {
			t.Fatalf("row %d: %s -> %s", i, h.FromPhase, h.ToPhase)
		}
		if i > 0 && h.TransitionedAt.Before(history[i-1].TransitionedAt) {
			t.Fatalf("row %d at %s precedes row %d at %s", i, h.TransitionedAt, i-1, history[i-1].TransitionedAt)
		}
	}
	if !history[1].TransitionedAt.Equal(base.Add(150 * time.Millisecond)) {
		t.Fatalf("sub-second time lost: %s", history[1].TransitionedAt)
	}
}

// gatedSetup pauses the first counter read after it has seen the data, so a
// mutation can commit while the calculation is still in flight.
type gatedSetup struct {
	engine.SetupSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSetup) SetupCounts(ctx context.Context, id string) (domain.SetupCounts, error) {
	counts, err := g.SetupSource.SetupCounts(ctx, id)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return counts, err
}

func TestInvalidationDuringCalculationIsNotLost(t *testing.T) {
	env := newTestEnv(t)
	gate := &gatedSetup{SetupSource: env.Engine.Repo, entered: make(chan struct{}), release: make(chan struct{})}
	env.Engine.Setup = gate

	done := make(chan domain.ReadinessSnapshot, 1)
	go func() {
		snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
		if err != nil {
			t.Errorf("in-flight readiness: %v", err)
		}
		done <- snap
	}()
	<-gate.entered
	env.addItems(t, "roles", 1)
	close(gate.release)
	if stale := <-done; stale.Counts.RoleTemplates != 0 {
		t.Fatalf("in-flight read should reflect the data it saw, got %d roles", stale.Counts.RoleTemplates)
	}

	if _, err := env.Engine.GetReadiness(env.Ctx, projectID, true); !errors.Is(err, domain.ErrReadinessNotCalculated) {
		t.Fatalf("expected the late result to be dropped, got %v", err)
	}
	for i := 0; i < 3; i++ {
		snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
		if err != nil {
			t.Fatalf("readiness %d: %v", i, err)
		}
		if snap.Counts.RoleTemplates != 1 {
			t.Fatalf("read %d served %d roles, want 1", i, snap.Counts.RoleTemplates)
		}
	}
}

func TestReadinessCachedOnly(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetReadiness(env.Ctx, projectID, true)
	if !errors.Is(err, domain.ErrReadinessNotCalculated) {
		t.Fatalf("expected not calculated, got %v", err)
	}
	snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if snap.Status != domain.StatusSetupRequired {
		t.Fatalf("expected setup_required, got %s", snap.Status)
	}
	cached, err := env.Engine.GetReadiness(env.Ctx, projectID, true)
	if err != nil || !reflect.DeepEqual(cached, snap) {
		t.Fatalf("expected cached snapshot, got %+v %v", cached, err)
	}
}

type failingSource struct{ err error }

func (f failingSource) SetupCounts(context.Context, string) (domain.SetupCounts, error) {
	return domain.SetupCounts{}, f.err
}

func (f failingSource) FinalizationFlags(context.Context, string) (domain.FinalizationFlags, error) {
	return domain.FinalizationFlags{}, f.err
}

func TestReadinessFetchErrorIsDistinct(t *testing.T) {
	env := newTestEnv(t)
	broken := env.Engine
	broken.Setup = failingSource{err: errors.New("counts backend down")}

	_, err := broken.GetReadiness(env.Ctx, projectID, false)
	if !errors.Is(err, domain.ErrReadinessFetchError) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	_, err = broken.GetReadiness(env.Ctx, projectID, true)
	if !errors.Is(err, domain.ErrReadinessFetchError) || errors.Is(err, domain.ErrReadinessNotCalculated) {
		t.Fatalf("expected cached fetch error, got %v", err)
	}

	// A working source recovers on the next full read.
	snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
	if err != nil || snap.ProjectID != projectID {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestMutationsInvalidateReadiness(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetReadiness(env.Ctx, projectID, false); err != nil {
		t.Fatalf("compute: %v", err)
	}
	env.addItems(t, "roles", 1)
	if _, err := env.Engine.GetReadiness(env.Ctx, projectID, true); !errors.Is(err, domain.ErrReadinessNotCalculated) {
		t.Fatalf("expected invalidation after adding a role, got %v", err)
	}
	snap, err := env.Engine.GetReadiness(env.Ctx, projectID, false)
	if err != nil || snap.Counts.RoleTemplates != 1 || !snap.Features["team_management"] {
		t.Fatalf("expected fresh counts, got %+v %v", snap, err)
	}
	env.finalize(t, "talent")
	if env.Cache.Len() != 0 {
		t.Fatalf("expected finalize to invalidate")
	}
	if err := env.Engine.InvalidateReadiness(env.Ctx, projectID, "", "tester"); err != nil {
		t.Fatalf("invalidate uncached project: %v", err)
	}
	if err := env.Engine.InvalidateReadiness(env.Ctx, "missing", "", "tester"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnfinalizeRestoresIssue(t *testing.T) {
	env := newTestEnv(t)
	env.finalize(t, "team")
	if _, err := env.Engine.Unfinalize(env.Ctx, projectID, "team", "tester"); err != nil {
		t.Fatalf("unfinalize: %v", err)
	}
	areas, err := env.Engine.GetSetupAreas(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("areas: %v", err)
	}
	for _, a := range areas {
		if a.Finalized {
			t.Fatalf("expected %s not finalized", a.Area)
		}
	}
	snap, _ := env.Engine.GetReadiness(env.Ctx, projectID, false)
	found := false
	for _, issue := range snap.BlockingIssues {
		found = found || issue == "missing_team_assignments"
	}
	if !found {
		t.Fatalf("expected missing_team_assignments, got %v", snap.BlockingIssues)
	}
	if _, err := env.Engine.Finalize(env.Ctx, projectID, "props", "tester"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown area, got %v", err)
	}
}

func TestSetupItems(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.AddSetupItem(env.Ctx, engine.SetupItemInput{ProjectID: projectID, Area: "team", Name: "Stage manager", Escort: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := env.Engine.AddSetupItem(env.Ctx, engine.SetupItemInput{ProjectID: projectID, Area: "talent", Name: "Lead", Escort: true}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected escort on talent to be rejected, got %v", err)
	}
	if _, err := env.Engine.AddSetupItem(env.Ctx, engine.SetupItemInput{ProjectID: projectID, Area: "team", Name: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected blank name to be rejected, got %v", err)
	}
	items, err := env.Engine.ListSetupItems(env.Ctx, projectID, "team")
	if err != nil || len(items) != 1 || !items[0].Escort {
		t.Fatalf("list: %+v %v", items, err)
	}
	if err := env.Engine.RemoveSetupItem(env.Ctx, projectID, item.ID, "tester"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.Engine.RemoveSetupItem(env.Ctx, projectID, item.ID, "tester"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestUpdateScheduleValidates(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.SchedulePatch{
		{Timezone: strPtr("Mars/Olympus")},
		{PostShowTransitionHour: intPtr(24)},
		{ArchiveMonth: intPtr(2), ArchiveDay: intPtr(30)},
		{RehearsalStartDate: strPtr("2024-05-10"), ShowEndDate: strPtr("2024-05-01")},
		{ShowEndDate: strPtr("May 1")},
		{},
	}
	for i, patch := range cases {
		if _, err := env.Engine.UpdateSchedule(env.Ctx, projectID, patch, "tester"); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	st, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{
		ArchiveMonth: intPtr(2), ArchiveDay: intPtr(29), Location: strPtr("Lyric Theatre"),
	}, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.ArchiveDay != 29 || st.Location != "Lyric Theatre" || st.CurrentPhase != domain.PhasePrep || st.Version != 2 {
		t.Fatalf("unexpected state %+v", st)
	}
	cleared, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{ArchiveMonth: intPtr(0), ArchiveDay: intPtr(0)}, "tester")
	if err != nil || cleared.ArchiveMonth != 0 {
		t.Fatalf("clear archive date: %+v %v", cleared, err)
	}
}

func TestInitProjectRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.InitProject(env.Ctx, engine.ProjectInit{ID: projectID, ActorID: "tester"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate to be rejected, got %v", err)
	}
	_, st, err := env.Engine.InitProject(env.Ctx, engine.ProjectInit{
		ID: "show-2", ActorID: "tester",
		Schedule: engine.SchedulePatch{Timezone: strPtr("Europe/Paris"), AutoTransitionsEnabled: new(bool)},
	})
	if err != nil {
		t.Fatalf("init second project: %v", err)
	}
	if st.CurrentPhase != domain.PhasePrep || st.Timezone != "Europe/Paris" || st.AutoTransitionsEnabled {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.ArchiveMonth != 1 || st.ArchiveDay != 15 || st.PostShowTransitionHour != 6 {
		t.Fatalf("expected config defaults, got %+v", st)
	}
}

func TestSweepChainsDueTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{
		RehearsalStartDate: strPtr("2024-02-01"),
		ShowEndDate:        strPtr("2024-02-10"),
	}, "tester"); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	env.forceTo(t, domain.PhasePreShow)

	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Candidates != 1 || report.Applied != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	res := report.Projects[0]
	if res.Phase != domain.PhaseComplete {
		t.Fatalf("expected sweep to stop at COMPLETE, got %s", res.Phase)
	}
	for _, h := range res.Transitions {
		if h.Trigger != domain.TriggerAutomatic || h.TransitionedBy != domain.SystemActor {
			t.Fatalf("expected automatic system transition, got %+v", h)
		}
	}

	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !reflect.DeepEqual(status.Blockers, []string{"Scheduled to archive at 2025-01-15"}) {
		t.Fatalf("unexpected archive blocker %v", status.Blockers)
	}

	again, err := env.Engine.Sweep(env.Ctx)
	if err != nil || again.Applied != 0 {
		t.Fatalf("expected second sweep to be a no-op: %+v %v", again, err)
	}

	*env.Clock = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	final, err := env.Engine.Sweep(env.Ctx)
	if err != nil || final.Applied != 1 || final.Projects[0].Phase != domain.PhaseArchived {
		t.Fatalf("expected archive on the anniversary: %+v %v", final, err)
	}
}

func TestStatusReadAppliesDueTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{RehearsalStartDate: strPtr("2024-02-01")}, "tester"); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	env.forceTo(t, domain.PhasePreShow)
	status, err := env.Engine.GetTransitionStatus(env.Ctx, projectID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentPhase != domain.PhaseActive {
		t.Fatalf("expected activation on read, got %s", status.CurrentPhase)
	}
	if !reflect.DeepEqual(status.Blockers, []string{"missing_show_end_date"}) {
		t.Fatalf("unexpected blockers %v", status.Blockers)
	}

	off, err := env.Engine.UpdateSchedule(env.Ctx, projectID, engine.SchedulePatch{AutoTransitionsEnabled: new(bool)}, "tester")
	if err != nil || off.AutoTransitionsEnabled {
		t.Fatalf("disable auto transitions: %v", err)
	}
	report, err := env.Engine.Sweep(env.Ctx)
	if err != nil || report.Candidates != 0 {
		t.Fatalf("expected no sweep candidates, got %+v %v", report, err)
	}
}
