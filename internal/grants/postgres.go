package grants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
)

// PostgresStore reads and edits grants in the framework's auth tables:
// auth_group, auth_permission, django_content_type and the
// auth_group_permissions join table. A token's domain is the content type's
// app_label and its codename is the permission codename.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db. The caller owns db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Groups lists every group name, sorted.
func (s *PostgresStore) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM auth_group ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func (s *PostgresStore) GroupExists(ctx context.Context, group string) (bool, error) {
	_, err := s.groupID(ctx, group)
	if apperr.IsKind(err, apperr.KindUnknownGroup) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grants returns the tokens attached to group.
func (s *PostgresStore) Grants(ctx context.Context, group string) (registry.TokenSet, error) {
	id, err := s.groupID(ctx, group)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ct.app_label, p.codename
		FROM auth_group_permissions gp
		JOIN auth_permission p ON p.id = gp.permission_id
		JOIN django_content_type ct ON ct.id = p.content_type_id
		WHERE gp.group_id = $1
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

// AddGrant attaches t to group; an existing grant is left as is.
func (s *PostgresStore) AddGrant(ctx context.Context, group string, t registry.Token) error {
	groupID, err := s.groupID(ctx, group)
	if err != nil {
		return err
	}
	permID, err := s.permissionID(ctx, t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO auth_group_permissions (group_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (group_id, permission_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, groupID, permID); err != nil {
		return fmt.Errorf("grant %s to %s: %w", t, group, err)
	}
	return nil
}

// RemoveGrant detaches t from group. A token the framework does not know
// cannot be attached, so there is nothing to remove.
func (s *PostgresStore) RemoveGrant(ctx context.Context, group string, t registry.Token) error {
	groupID, err := s.groupID(ctx, group)
	if err != nil {
		return err
	}
	permID, err := s.permissionID(ctx, t)
	if err != nil {
		return err
	}

	query := `DELETE FROM auth_group_permissions WHERE group_id = $1 AND permission_id = $2`
	if _, err := s.db.ExecContext(ctx, query, groupID, permID); err != nil {
		return fmt.Errorf("revoke %s from %s: %w", t, group, err)
	}
	return nil
}

// KnownTokens lists every registered permission as a token.
func (s *PostgresStore) KnownTokens(ctx context.Context) (registry.TokenSet, error) {
	query := `
		SELECT ct.app_label, p.codename
		FROM auth_permission p
		JOIN django_content_type ct ON ct.id = p.content_type_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	return scanTokens(rows)
}

func (s *PostgresStore) groupID(ctx context.Context, group string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM auth_group WHERE name = $1`, group).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Newf(apperr.KindUnknownGroup, "group %q not found", group)
	}
	if err != nil {
		return 0, fmt.Errorf("get group: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) permissionID(ctx context.Context, t registry.Token) (int64, error) {
	query := `
		SELECT p.id
		FROM auth_permission p
		JOIN django_content_type ct ON ct.id = p.content_type_id
		WHERE ct.app_label = $1 AND p.codename = $2
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query, t.Domain, t.Codename()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.Newf(apperr.KindMissingToken, "token %s is not registered", t)
	}
	if err != nil {
		return 0, fmt.Errorf("get permission: %w", err)
	}
	return id, nil
}

func scanTokens(rows *sql.Rows) (registry.TokenSet, error) {
	out := make(registry.TokenSet)
	for rows.Next() {
		var appLabel, codename string
		if err := rows.Scan(&appLabel, &codename); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		t, err := registry.ParseToken(appLabel + "." + codename)
		if err != nil {
			continue
		}
		out.Add(t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return out, nil
}
