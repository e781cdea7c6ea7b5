package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"showline/internal/config"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, formatTime(now))
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
	return err
}

// SyncRolesTx makes the roles table match the config catalog. Permissions
// dropped from a role in config are removed.
func (r Repo) SyncRolesTx(ctx context.Context, tx *sql.Tx, roles map[string]config.RBACRole) error {
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		role := roles[id]
		if err := r.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("sync role %s: %w", id, err)
		}
		if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, id); err != nil {
			return fmt.Errorf("reset role %s permissions: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("grant %s to role %s: %w", perm, id, err)
			}
		}
	}
	return nil
}
