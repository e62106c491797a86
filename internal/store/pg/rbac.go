package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"santaserver.org/internal/auth"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, name, display_name, description, permissions, is_system, created_at, updated_at`

func scanRole(row identityScanner) (*auth.Role, error) {
	var (
		role auth.Role
		raw  []byte
	)
	err := row.Scan(
		&role.ID, &role.Name, &role.DisplayName, &role.Description,
		&raw, &role.System, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	perms, err := auth.DecodePermissions(raw)
	if err != nil {
		return nil, fmt.Errorf("decode permissions for role %s: %w", role.ID, err)
	}
	role.Permissions = perms
	return &role, nil
}

func (s roleStore) Create(ctx context.Context, role *auth.Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, name, display_name, description, permissions, is_system, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		role.ID, role.Name, role.DisplayName, role.Description,
		perms, role.System, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id=$1`, id)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name=$1`, name)
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s roleStore) DirectRoles(ctx context.Context, identityID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.display_name, r.description, r.permissions, r.is_system, r.created_at, r.updated_at
		from roles r
		join identity_roles ir on ir.role_id = r.id
		where ir.identity_id = $1
		order by r.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (s roleStore) GroupRoles(ctx context.Context, identityID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct r.id, r.name, r.display_name, r.description, r.permissions, r.is_system, r.created_at, r.updated_at
		from roles r
		join group_roles gr on gr.role_id = r.id
		join group_members gm on gm.group_id = gr.group_id
		where gm.identity_id = $1
		order by r.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows *sql.Rows) ([]*auth.Role, error) {
	var out []*auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s roleStore) Assign(ctx context.Context, assignment auth.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identity_roles (identity_id, role_id, assigned_by, assigned_at)
		values ($1,$2,$3,$4)
	`, assignment.IdentityID, assignment.RoleID, nullStr(assignment.AssignedBy), assignment.AssignedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s roleStore) CreateGroup(ctx context.Context, group *auth.Group) error {
	_, err := s.db.ExecContext(ctx, `
		insert into groups (
			id, name, display_name, description,
			source_type, external_id, provider_name, last_sync,
			created_at, updated_at, created_by, updated_by
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		group.ID, group.Name, group.DisplayName, group.Description,
		group.SourceType, nullStr(group.ExternalID), nullStr(group.ProviderName), group.LastSync,
		group.CreatedAt, group.UpdatedAt, nullStr(group.CreatedBy), nullStr(group.UpdatedBy),
	)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s roleStore) AddMember(ctx context.Context, membership auth.GroupMembership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_members (identity_id, group_id, added_by, joined_at)
		values ($1,$2,$3,$4)
	`, membership.IdentityID, membership.GroupID, nullStr(membership.AddedBy), membership.JoinedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s roleStore) BindGroupRole(ctx context.Context, binding auth.GroupRoleBinding) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_roles (group_id, role_id, assigned_by, assigned_at)
		values ($1,$2,$3,$4)
	`, binding.GroupID, binding.RoleID, nullStr(binding.AssignedBy), binding.AssignedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}
