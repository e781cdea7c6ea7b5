package auth

import (
	"context"
	"database/sql"
	"errors"

	"showline/internal/domain"
)

// Permissions checked by the engine and the API.
const (
	PermProjectCreate       = "project.create"
	PermProjectRead         = "project.read"
	PermScheduleUpdate      = "schedule.update"
	PermSetupUpdate         = "setup.update"
	PermSetupFinalize       = "setup.finalize"
	PermReadinessRead       = "readiness.read"
	PermReadinessInvalidate = "readiness.invalidate"
	PermPhaseRead           = "phase.read"
	PermPhaseTransition     = "phase.transition"
	PermPhaseOverride       = "phase.override"
	PermPhaseRevert         = "phase.revert"
	PermSweepRun            = "sweep.run"
)

// Service provides RBAC lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) (bool, error) {
	row := s.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// HasPermissionAnywhere reports whether actorID holds perm on any project.
// Workspace-wide operations such as the sweep use it.
func (s Service) HasPermissionAnywhere(ctx context.Context, actorID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.actor_id=? AND rp.permission_id=? LIMIT 1`, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns a FORBIDDEN error unless actorID holds perm on projectID.
// Permissions already granted by the caller's credentials are passed in granted.
func (s Service) Require(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string, granted ...string) error {
	for _, g := range granted {
		if g == perm {
			return nil
		}
	}
	if actorID == "" {
		return domain.Forbidden(perm)
	}
	ok, err := s.ActorHasPermission(ctx, tx, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Forbidden(perm)
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
