package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"showline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the phase state version moved under the writer.
	ErrConflict = errors.New("phase state version conflict")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,description,created_at) VALUES (?,?,?,?)`,
		p.ID, nullable(p.Name), nullable(p.Description), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(created)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &created); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

const phaseStateColumns = `project_id,current_phase,phase_updated_at,auto_transitions_enabled,COALESCE(location,''),timezone,
rehearsal_start_date,show_end_date,archive_month,archive_day,post_show_transition_hour,version`

func scanPhaseState(row interface{ Scan(...any) error }) (domain.PhaseState, error) {
	var st domain.PhaseState
	var phase, updated string
	var auto int
	var rehearsal, showEnd sql.NullString
	err := row.Scan(&st.ProjectID, &phase, &updated, &auto, &st.Location, &st.Timezone,
		&rehearsal, &showEnd, &st.ArchiveMonth, &st.ArchiveDay, &st.PostShowTransitionHour, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, err
	}
	st.CurrentPhase = domain.Phase(phase)
	st.AutoTransitionsEnabled = auto == 1
	st.RehearsalStartDate = stringPtr(rehearsal)
	st.ShowEndDate = stringPtr(showEnd)
	st.PhaseUpdatedAt, err = parseTime(updated)
	return st, err
}

func (r Repo) InsertPhaseState(ctx context.Context, tx *sql.Tx, st domain.PhaseState) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO phase_states(project_id,current_phase,phase_updated_at,auto_transitions_enabled,location,timezone,
rehearsal_start_date,show_end_date,archive_month,archive_day,post_show_transition_hour,version) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ProjectID, string(st.CurrentPhase), formatTime(st.PhaseUpdatedAt), boolInt(st.AutoTransitionsEnabled), nullable(st.Location), st.Timezone,
		nullableStringPtr(st.RehearsalStartDate), nullableStringPtr(st.ShowEndDate), st.ArchiveMonth, st.ArchiveDay, st.PostShowTransitionHour, st.Version)
	if err != nil {
		return fmt.Errorf("insert phase state: %w", err)
	}
	return nil
}

func (r Repo) GetPhaseState(ctx context.Context, projectID string) (domain.PhaseState, error) {
	return r.GetPhaseStateTx(ctx, nil, projectID)
}

func (r Repo) GetPhaseStateTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.PhaseState, error) {
	return scanPhaseState(r.q(tx).QueryRowContext(ctx, `SELECT `+phaseStateColumns+` FROM phase_states WHERE project_id=?`, projectID))
}

// UpdatePhaseStateTx writes st if the stored version still equals
// expectedVersion, bumping the version. It returns ErrConflict otherwise.
func (r Repo) UpdatePhaseStateTx(ctx context.Context, tx *sql.Tx, st domain.PhaseState, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	res, err := r.q(tx).ExecContext(ctx, `UPDATE phase_states SET current_phase=?, phase_updated_at=?, auto_transitions_enabled=?, location=?, timezone=?,
rehearsal_start_date=?, show_end_date=?, archive_month=?, archive_day=?, post_show_transition_hour=?, version=?
WHERE project_id=? AND version=?`,
		string(st.CurrentPhase), formatTime(st.PhaseUpdatedAt), boolInt(st.AutoTransitionsEnabled), nullable(st.Location), st.Timezone,
		nullableStringPtr(st.RehearsalStartDate), nullableStringPtr(st.ShowEndDate), st.ArchiveMonth, st.ArchiveDay, st.PostShowTransitionHour, next,
		st.ProjectID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update phase state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return next, nil
}

// ListAutoTransitionCandidates returns non-terminal projects that opted into
// automatic transitions.
func (r Repo) ListAutoTransitionCandidates(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id FROM phase_states WHERE auto_transitions_enabled=1 AND current_phase<>? ORDER BY project_id`,
		string(domain.PhaseArchived))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.PhaseTransitionHistory) error {
	meta := h.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal history metadata: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO phase_transition_history(id,project_id,transitioned_at,transitioned_by,from_phase,to_phase,trigger,reason,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, formatTime(h.TransitionedAt), h.TransitionedBy, string(h.FromPhase), string(h.ToPhase), string(h.Trigger), nullable(h.Reason), string(data))
	if err != nil {
		return fmt.Errorf("insert phase history: %w", err)
	}
	return nil
}

// ListHistory returns a project's transitions in insertion order, which is
// also time order since writers hold the project lock.
func (r Repo) ListHistory(ctx context.Context, projectID string) ([]domain.PhaseTransitionHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,transitioned_at,transitioned_by,from_phase,to_phase,trigger,COALESCE(reason,''),metadata_json
FROM phase_transition_history WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.PhaseTransitionHistory{}
	for rows.Next() {
		var h domain.PhaseTransitionHistory
		var at, from, to, trigger, meta string
		if err := rows.Scan(&h.ID, &h.ProjectID, &at, &h.TransitionedBy, &from, &to, &trigger, &h.Reason, &meta); err != nil {
			return nil, err
		}
		if h.TransitionedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		h.FromPhase, h.ToPhase, h.Trigger = domain.Phase(from), domain.Phase(to), domain.Trigger(trigger)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
				return nil, fmt.Errorf("decode history metadata: %w", err)
			}
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
