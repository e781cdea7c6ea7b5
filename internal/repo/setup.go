package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"showline/internal/domain"
)

// EnsureSetupAreasTx creates the not-finalized rows of every area.
func (r Repo) EnsureSetupAreasTx(ctx context.Context, tx *sql.Tx, projectID string) error {
	for _, area := range domain.SetupAreas() {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO setup_areas(project_id,area,finalized) VALUES (?,?,0)`, projectID, string(area)); err != nil {
			return fmt.Errorf("ensure setup area %s: %w", area, err)
		}
	}
	return nil
}

// SetFinalizedTx upserts the finalization record of one area. Records are
// never deleted; unfinalizing clears the stamp.
func (r Repo) SetFinalizedTx(ctx context.Context, tx *sql.Tx, projectID string, area domain.SetupArea, finalized bool, at time.Time, by string) error {
	var atVal, byVal any
	if finalized {
		atVal, byVal = formatTime(at), nullable(by)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO setup_areas(project_id,area,finalized,finalized_at,finalized_by) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,area) DO UPDATE SET finalized=excluded.finalized, finalized_at=excluded.finalized_at, finalized_by=excluded.finalized_by`,
		projectID, string(area), boolInt(finalized), atVal, byVal)
	if err != nil {
		return fmt.Errorf("set %s finalized: %w", area, err)
	}
	return nil
}

// GetSetupAreas returns one record per area in setup order; missing rows
// default to not finalized.
func (r Repo) GetSetupAreas(ctx context.Context, projectID string) ([]domain.SetupAreaFinalization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT area,finalized,finalized_at,COALESCE(finalized_by,'') FROM setup_areas WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stored := map[domain.SetupArea]domain.SetupAreaFinalization{}
	for rows.Next() {
		var area string
		var finalized int
		var at sql.NullString
		rec := domain.SetupAreaFinalization{ProjectID: projectID}
		if err := rows.Scan(&area, &finalized, &at, &rec.FinalizedBy); err != nil {
			return nil, err
		}
		rec.Area = domain.SetupArea(area)
		rec.Finalized = finalized == 1
		if at.Valid {
			t, err := parseTime(at.String)
			if err != nil {
				return nil, err
			}
			rec.FinalizedAt = &t
		}
		stored[rec.Area] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.SetupAreaFinalization, 0, len(domain.SetupAreas()))
	for _, area := range domain.SetupAreas() {
		rec, ok := stored[area]
		if !ok {
			rec = domain.SetupAreaFinalization{ProjectID: projectID, Area: area}
		}
		res = append(res, rec)
	}
	return res, nil
}

// FinalizationFlags implements the finalization collaborator.
func (r Repo) FinalizationFlags(ctx context.Context, projectID string) (domain.FinalizationFlags, error) {
	areas, err := r.GetSetupAreas(ctx, projectID)
	if err != nil {
		return domain.FinalizationFlags{}, err
	}
	var flags domain.FinalizationFlags
	for _, a := range areas {
		flags = flags.With(a.Area, a.Finalized)
	}
	return flags, nil
}

// SetupCounts implements the setup counter collaborator.
func (r Repo) SetupCounts(ctx context.Context, projectID string) (domain.SetupCounts, error) {
	var c domain.SetupCounts
	err := r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN area='roles' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN area='locations' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN area='team' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN area='team' AND active=1 THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN area='team' AND escort=1 THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN area='talent' THEN 1 ELSE 0 END),0)
FROM setup_items WHERE project_id=?`, projectID).
		Scan(&c.RoleTemplates, &c.Locations, &c.TeamAssignments, &c.ActiveTeamAssignments, &c.TeamEscorts, &c.Talent)
	if err != nil {
		return c, fmt.Errorf("count setup items: %w", err)
	}
	return c, nil
}

func (r Repo) InsertSetupItemTx(ctx context.Context, tx *sql.Tx, item domain.SetupItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO setup_items(id,project_id,area,name,active,escort,created_at) VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.ProjectID, string(item.Area), item.Name, boolInt(item.Active), boolInt(item.Escort), formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert setup item: %w", err)
	}
	return nil
}

func (r Repo) GetSetupItemTx(ctx context.Context, tx *sql.Tx, projectID, itemID string) (domain.SetupItem, error) {
	var item domain.SetupItem
	var area, created string
	var active, escort int
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,project_id,area,name,active,escort,created_at FROM setup_items WHERE project_id=? AND id=?`, projectID, itemID).
		Scan(&item.ID, &item.ProjectID, &area, &item.Name, &active, &escort, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	item.Area = domain.SetupArea(area)
	item.Active, item.Escort = active == 1, escort == 1
	item.CreatedAt, err = parseTime(created)
	return item, err
}

func (r Repo) DeleteSetupItemTx(ctx context.Context, tx *sql.Tx, projectID, itemID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM setup_items WHERE project_id=? AND id=?`, projectID, itemID)
	if err != nil {
		return fmt.Errorf("delete setup item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListSetupItems(ctx context.Context, projectID string, area domain.SetupArea) ([]domain.SetupItem, error) {
	query := `SELECT id,project_id,area,name,active,escort,created_at FROM setup_items WHERE project_id=?`
	args := []any{projectID}
	if area != "" {
		query += ` AND area=?`
		args = append(args, string(area))
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SetupItem{}
	for rows.Next() {
		var item domain.SetupItem
		var a, created string
		var active, escort int
		if err := rows.Scan(&item.ID, &item.ProjectID, &a, &item.Name, &active, &escort, &created); err != nil {
			return nil, err
		}
		item.Area = domain.SetupArea(a)
		item.Active, item.Escort = active == 1, escort == 1
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}
