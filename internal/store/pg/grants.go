package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"communa.org/internal/entity"
	"communa.org/internal/grants"
	"communa.org/internal/rules"
)

var _ grants.Store = (*Store)(nil)

func (s *Store) CreateGrant(ctx context.Context, g grants.Grant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into authorization_grants
			(id, granted_by, subject_kind, subject_id, principal_kind, principal_id, capability_kind, capability_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, g.ID, g.GrantedBy.ID,
		g.Subject.Kind, g.Subject.ID,
		g.Principal.Kind, g.Principal.ID,
		g.Capability.Kind, g.Capability.ID,
		g.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: equivalent grant already exists", rules.ErrConflict)
		}
		return err
	}
	return nil
}

const grantColumns = `id, granted_by, subject_kind, subject_id, principal_kind, principal_id, capability_kind, capability_id, created_at`

func scanGrant(row interface{ Scan(...any) error }) (grants.Grant, error) {
	var (
		out                             grants.Grant
		subKind, prinKind, capKind      string
		subID, prinID, capID, grantedBy string
	)
	err := row.Scan(&out.ID, &grantedBy, &subKind, &subID, &prinKind, &prinID, &capKind, &capID, &out.CreatedAt)
	if err != nil {
		return grants.Grant{}, err
	}
	out.GrantedBy = entity.NewRef(entity.KindUser, grantedBy)
	out.Subject = entity.NewRef(entity.Kind(subKind), subID)
	out.Principal = entity.NewRef(entity.Kind(prinKind), prinID)
	out.Capability = entity.NewRef(entity.Kind(capKind), capID)
	return out, nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (grants.Grant, error) {
	row := s.db.QueryRowContext(ctx, `select `+grantColumns+` from authorization_grants where id=$1`, id)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, fmt.Errorf("%w: grant %s", rules.ErrNotFound, id)
	}
	return g, err
}

func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from authorization_grants where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: grant %s", rules.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, f grants.Filter) ([]grants.Grant, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	query := `select g.` + strings.ReplaceAll(grantColumns, ", ", ", g.") + ` from authorization_grants g`
	if f.Name != "" || f.NameLike != "" || f.Class != "" {
		query += ` join capabilities c on c.kind = g.capability_kind and c.id = g.capability_id`
		if f.Name != "" {
			where = append(where, `lower(c.name) = lower(`+arg(f.Name)+`)`)
		}
		if f.NameLike != "" {
			where = append(where, `c.name ilike `+arg("%"+f.NameLike+"%"))
		}
		if f.Class != "" {
			where = append(where, `c.kind = `+arg(string(f.Class)))
		}
	}
	if !f.Subject.IsZero() {
		where = append(where, `g.subject_kind = `+arg(string(f.Subject.Kind))+` and g.subject_id = `+arg(f.Subject.ID))
	}
	if !f.Principal.IsZero() {
		where = append(where, `g.principal_kind = `+arg(string(f.Principal.Kind))+` and g.principal_id = `+arg(f.Principal.ID))
	}
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by g.created_at desc, g.id desc`

	page := f.Page
	if page <= 0 {
		page = 1
	}
	if f.PerPage > 0 {
		query += ` limit ` + arg(f.PerPage) + ` offset ` + arg((page-1)*f.PerPage)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grants.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GetCapability(ctx context.Context, ref entity.Ref) (grants.Capability, error) {
	var (
		c         grants.Capability
		kind      string
		scopeKind sql.NullString
		createdBy string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, kind, name, description, scope_kind, is_public, created_by, created_at
		from capabilities where kind=$1 and id=$2
	`, ref.Kind, ref.ID).Scan(&c.ID, &kind, &c.Name, &c.Description, &scopeKind, &c.Public, &createdBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Capability{}, fmt.Errorf("%w: capability %s", rules.ErrNotFound, ref)
	}
	if err != nil {
		return grants.Capability{}, err
	}
	c.Kind = entity.Kind(kind)
	if scopeKind.Valid {
		c.ScopeKind = entity.Kind(scopeKind.String)
	}
	c.CreatedBy = entity.NewRef(entity.KindUser, createdBy)

	if c.Kind == entity.KindRole {
		rows, err := s.db.QueryContext(ctx, `
			select permission_id from capability_permissions
			where role_id=$1 order by position
		`, c.ID)
		if err != nil {
			return grants.Capability{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var pid string
			if err := rows.Scan(&pid); err != nil {
				return grants.Capability{}, err
			}
			c.Permissions = append(c.Permissions, entity.NewRef(entity.KindPermission, pid))
		}
		if err := rows.Err(); err != nil {
			return grants.Capability{}, err
		}
	}
	return c, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, perms []entity.Ref) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from capabilities where kind='role' and id=$1 for update`, roleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %s", rules.ErrNotFound, roleID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from capability_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for i, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into capability_permissions (role_id, permission_id, position)
			values ($1,$2,$3)
		`, roleID, p.ID, i); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: permission %s", rules.ErrNotFound, p.ID)
			}
			return err
		}
	}
	return tx.Commit()
}
