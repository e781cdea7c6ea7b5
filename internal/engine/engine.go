package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"showline/internal/cache"
	"showline/internal/config"
	"showline/internal/domain"
	"showline/internal/engine/auth"
	"showline/internal/engine/lifecycle"
	"showline/internal/events"
	"showline/internal/repo"
)

// SetupSource supplies the setup counters and finalization flags that
// readiness is computed from.
type SetupSource interface {
	SetupCounts(ctx context.Context, projectID string) (domain.SetupCounts, error)
	FinalizationFlags(ctx context.Context, projectID string) (domain.FinalizationFlags, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Cache  cache.Store
	Setup  SetupSource
	Config *config.Config
	Rules  lifecycle.Rules
	Logger *log.Logger
	Now    func() time.Time

	locks *projectLocks
}

// New wires an engine over db. A nil store falls back to an in-process cache.
func New(db *sql.DB, cfg *config.Config, store cache.Store) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		store = cache.NewMemory(cfg.CacheTTL())
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{DB: db},
		Cache:  store,
		Setup:  r,
		Config: cfg,
		Rules:  lifecycle.Rules{CompletionGrace: cfg.CompletionGrace()},
		Logger: log.New(os.Stderr, "showline: ", log.LstdFlags),
		Now:    time.Now,
		locks:  newProjectLocks(),
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Clock returns the engine's current time in UTC.
func (e Engine) Clock() time.Time { return e.now().UTC() }

func (e Engine) Logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e Engine) setup() SetupSource {
	if e.Setup != nil {
		return e.Setup
	}
	return e.Repo
}

// projectLocks serializes phase writers per project and tracks which
// projects a sweep is currently working on.
type projectLocks struct {
	mu       sync.Mutex
	writers  map[string]*sync.Mutex
	sweeping map[string]bool
}

func newProjectLocks() *projectLocks {
	return &projectLocks{writers: map[string]*sync.Mutex{}, sweeping: map[string]bool{}}
}

func (e Engine) lock(projectID string) func() {
	if e.locks == nil {
		return func() {}
	}
	e.locks.mu.Lock()
	m, ok := e.locks.writers[projectID]
	if !ok {
		m = &sync.Mutex{}
		e.locks.writers[projectID] = m
	}
	e.locks.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// claimSweep reports false when another sweep already holds projectID.
func (e Engine) claimSweep(projectID string) (release func(), ok bool) {
	if e.locks == nil {
		return func() {}, true
	}
	e.locks.mu.Lock()
	defer e.locks.mu.Unlock()
	if e.locks.sweeping[projectID] {
		return nil, false
	}
	e.locks.sweeping[projectID] = true
	return func() {
		e.locks.mu.Lock()
		delete(e.locks.sweeping, projectID)
		e.locks.mu.Unlock()
	}, true
}

func (e Engine) phaseState(ctx context.Context, projectID string) (domain.PhaseState, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.PhaseState{}, domain.Validation("project id is required")
	}
	st, err := e.Repo.GetPhaseState(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return st, domain.NotFound("project %s not found", projectID)
	}
	return st, err
}

// ProjectInit describes a new production.
type ProjectInit struct {
	ID          string
	Name        string
	Description string
	Schedule    SchedulePatch
	ActorID     string
	OwnerRole   string
}

// InitProject creates the project, its PREP phase state and the empty setup
// areas, and grants the creating actor the owner role.
func (e Engine) InitProject(ctx context.Context, opts ProjectInit) (domain.Project, domain.PhaseState, error) {
	if e.Config == nil {
		return domain.Project{}, domain.PhaseState{}, errors.New("config not loaded")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return domain.Project{}, domain.PhaseState{}, domain.Validation("project id is required")
	}
	if opts.ActorID == "" {
		return domain.Project{}, domain.PhaseState{}, domain.Validation("actor id is required")
	}
	if _, err := e.Repo.GetProject(ctx, id); err == nil {
		return domain.Project{}, domain.PhaseState{}, domain.Validation("project %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, domain.PhaseState{}, err
	}

	sched := opts.Schedule.apply(e.Config.DefaultSchedule())
	if err := config.ValidateSchedule(sched); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	now := e.now().UTC()
	auto := e.Config.Lifecycle.AutoTransitions
	if opts.Schedule.AutoTransitionsEnabled != nil {
		auto = *opts.Schedule.AutoTransitionsEnabled
	}
	p := domain.Project{ID: id, Name: opts.Name, Description: opts.Description, CreatedAt: now}
	st := withSchedule(domain.PhaseState{
		ProjectID:              id,
		CurrentPhase:           domain.PhasePrep,
		PhaseUpdatedAt:         now,
		AutoTransitionsEnabled: auto,
		Version:                1,
	}, sched)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	if err := e.Repo.InsertPhaseState(ctx, tx, st); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	if err := e.Repo.EnsureSetupAreasTx(ctx, tx, id); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	if err := e.Repo.SyncRolesTx(ctx, tx, e.Config.RBAC.Roles); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	role := opts.OwnerRole
	if role == "" {
		role = "owner"
	}
	if _, ok := e.Config.RBAC.Roles[role]; ok {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
			return domain.Project{}, domain.PhaseState{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, id, opts.ActorID, role); err != nil {
			return domain.Project{}, domain.PhaseState{}, fmt.Errorf("assign %s role: %w", role, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.ProjectInit,
		ProjectID:  id,
		EntityKind: "project",
		EntityID:   id,
		ActorID:    opts.ActorID,
		Payload:    events.Payload{"phase": string(st.CurrentPhase), "timezone": st.Timezone},
	}); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	return p, st, nil
}

// SchedulePatch changes selected schedule fields. An empty date string clears
// the date.
type SchedulePatch struct {
	Location               *string
	Timezone               *string
	RehearsalStartDate     *string
	ShowEndDate            *string
	ArchiveMonth           *int
	ArchiveDay             *int
	PostShowTransitionHour *int
	AutoTransitionsEnabled *bool
}

func (p SchedulePatch) empty() bool {
	return p.Location == nil && p.Timezone == nil && p.RehearsalStartDate == nil && p.ShowEndDate == nil &&
		p.ArchiveMonth == nil && p.ArchiveDay == nil && p.PostShowTransitionHour == nil && p.AutoTransitionsEnabled == nil
}

func (p SchedulePatch) apply(s config.Schedule) config.Schedule {
	if p.Location != nil {
		s.Location = strings.TrimSpace(*p.Location)
	}
	if p.Timezone != nil {
		s.Timezone = strings.TrimSpace(*p.Timezone)
	}
	if p.RehearsalStartDate != nil {
		s.RehearsalStartDate = clearable(*p.RehearsalStartDate)
	}
	if p.ShowEndDate != nil {
		s.ShowEndDate = clearable(*p.ShowEndDate)
	}
	if p.ArchiveMonth != nil {
		s.ArchiveMonth = *p.ArchiveMonth
	}
	if p.ArchiveDay != nil {
		s.ArchiveDay = *p.ArchiveDay
	}
	if p.PostShowTransitionHour != nil {
		s.PostShowTransitionHour = *p.PostShowTransitionHour
	}
	return s
}

func clearable(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func withSchedule(st domain.PhaseState, s config.Schedule) domain.PhaseState {
	st.Location = s.Location
	st.Timezone = s.Timezone
	if st.Timezone == "" {
		st.Timezone = "UTC"
	}
	st.RehearsalStartDate = s.RehearsalStartDate
	st.ShowEndDate = s.ShowEndDate
	st.ArchiveMonth = s.ArchiveMonth
	st.ArchiveDay = s.ArchiveDay
	st.PostShowTransitionHour = s.PostShowTransitionHour
	return st
}

// UpdateSchedule edits the lifecycle configuration of a project. The phase
// itself is never changed here.
func (e Engine) UpdateSchedule(ctx context.Context, projectID string, patch SchedulePatch, actorID string) (domain.PhaseState, error) {
	if patch.empty() {
		return domain.PhaseState{}, domain.Validation("no schedule fields to update")
	}
	unlock := e.lock(projectID)
	defer unlock()

	st, err := e.phaseState(ctx, projectID)
	if err != nil {
		return domain.PhaseState{}, err
	}
	sched := patch.apply(config.ScheduleOf(st))
	if err := config.ValidateSchedule(sched); err != nil {
		return domain.PhaseState{}, err
	}
	next := withSchedule(st, sched)
	if patch.AutoTransitionsEnabled != nil {
		next.AutoTransitionsEnabled = *patch.AutoTransitionsEnabled
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseState{}, err
	}
	defer tx.Rollback()
	version, err := e.Repo.UpdatePhaseStateTx(ctx, tx, next, st.Version)
	if errors.Is(err, repo.ErrConflict) {
		return domain.PhaseState{}, domain.Conflict(projectID)
	}
	if err != nil {
		return domain.PhaseState{}, err
	}
	next.Version = version
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.ScheduleUpdated,
		ProjectID:  projectID,
		EntityKind: "phase_state",
		EntityID:   projectID,
		ActorID:    actorID,
		Payload:    schedulePayload(next),
	}); err != nil {
		return domain.PhaseState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseState{}, err
	}
	return next, nil
}

func schedulePayload(st domain.PhaseState) events.Payload {
	p := events.Payload{
		"timezone":                  st.Timezone,
		"archive_month":             st.ArchiveMonth,
		"archive_day":               st.ArchiveDay,
		"post_show_transition_hour": st.PostShowTransitionHour,
		"auto_transitions_enabled":  st.AutoTransitionsEnabled,
	}
	if st.Location != "" {
		p["location"] = st.Location
	}
	if st.RehearsalStartDate != nil {
		p["rehearsal_start_date"] = *st.RehearsalStartDate
	}
	if st.ShowEndDate != nil {
		p["show_end_date"] = *st.ShowEndDate
	}
	return p
}

// GetProject returns the project record and its phase state.
func (e Engine) GetProject(ctx context.Context, projectID string) (domain.Project, domain.PhaseState, error) {
	st, err := e.phaseState(ctx, projectID)
	if err != nil {
		return domain.Project{}, domain.PhaseState{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, st, domain.NotFound("project %s not found", projectID)
	}
	return p, st, err
}
