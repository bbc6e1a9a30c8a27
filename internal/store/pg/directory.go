package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"communa.org/internal/directory"
	"communa.org/internal/entity"
)

var _ directory.Directory = (*Store)(nil)

func (s *Store) Resolve(ctx context.Context, ref entity.Ref) (directory.Entity, error) {
	var (
		name  string
		query string
	)
	switch ref.Kind {
	case entity.KindUser:
		query = `select name from users where id=$1`
	case entity.KindCompany:
		query = `select name from companies where id=$1`
	case entity.KindProject:
		query = `select name from projects where id=$1`
	case entity.KindPermission, entity.KindRole:
		query = `select name from capabilities where kind='` + string(ref.Kind) + `' and id=$1`
	default:
		return directory.Entity{}, fmt.Errorf("%w: %s", directory.ErrNotFound, ref)
	}
	err := s.db.QueryRowContext(ctx, query, ref.ID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Entity{}, fmt.Errorf("%w: %s", directory.ErrNotFound, ref)
	}
	if err != nil {
		return directory.Entity{}, err
	}
	return directory.Entity{Ref: ref, Name: name}, nil
}

func (s *Store) userFlag(ctx context.Context, userID, column string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `select `+column+` from users where id=$1`, userID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.userFlag(ctx, userID, "is_admin")
}

func (s *Store) IsAdult(ctx context.Context, userID string) (bool, error) {
	return s.userFlag(ctx, userID, "is_adult")
}

func (s *Store) IsFacilitator(ctx context.Context, userID string) (bool, error) {
	return s.userFlag(ctx, userID, "is_facilitator")
}

func (s *Store) IsStudent(ctx context.Context, userID string) (bool, error) {
	return s.userFlag(ctx, userID, "is_student")
}

// Credentials returns the stored password hash and admin flag for a user.
func (s *Store) Credentials(ctx context.Context, userID string) (string, bool, error) {
	var (
		hash  string
		admin bool
	)
	err := s.db.QueryRowContext(ctx,
		`select password_hash, is_admin from users where id=$1`, userID,
	).Scan(&hash, &admin)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%w: user %s", directory.ErrNotFound, userID)
	}
	if err != nil {
		return "", false, err
	}
	return hash, admin, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) IsOfficialOf(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	switch subject.Kind {
	case entity.KindCompany:
		return s.exists(ctx, `
			select 1 from companies where id=$1 and owner_id=$2
			union all
			select 1 from company_memberships
			where company_id=$1 and user_id=$2 and relationship_type in ('manager','administrator')
			limit 1
		`, subject.ID, userID)
	case entity.KindProject:
		return s.exists(ctx, `
			select 1 from projects where id=$1 and creator_id=$2
			union all
			select 1 from project_participations
			where project_id=$1 and participant_id=$2 and participating_as='facilitator'
			limit 1
		`, subject.ID, userID)
	}
	return false, nil
}

func (s *Store) IsOwnerOf(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	switch subject.Kind {
	case entity.KindCompany:
		return s.exists(ctx, `select 1 from companies where id=$1 and owner_id=$2`, subject.ID, userID)
	case entity.KindProject:
		return s.exists(ctx, `select 1 from projects where id=$1 and creator_id=$2`, subject.ID, userID)
	}
	return false, nil
}

func (s *Store) IsManagerOf(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	if subject.Kind != entity.KindCompany {
		return false, nil
	}
	return s.exists(ctx, `
		select 1 from company_memberships
		where company_id=$1 and user_id=$2 and relationship_type='manager'
	`, subject.ID, userID)
}

func (s *Store) IsMemberOf(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	if subject.Kind != entity.KindCompany {
		return false, nil
	}
	return s.exists(ctx, `
		select 1 from company_memberships where company_id=$1 and user_id=$2
	`, subject.ID, userID)
}

func (s *Store) IsParticipantOf(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	if subject.Kind != entity.KindProject {
		return false, nil
	}
	return s.exists(ctx, `
		select 1 from project_participations where project_id=$1 and participant_id=$2
	`, subject.ID, userID)
}

// HasCapability answers whether a user holds the named capability over the
// subject, either via a direct permission grant or through a granted role
// whose permission set carries it.
func (s *Store) HasCapability(ctx context.Context, userID string, subject entity.Ref, name string) (bool, error) {
	return s.exists(ctx, `
		select 1 from authorization_grants g
		join capabilities c on c.kind = g.capability_kind and c.id = g.capability_id
		left join capability_permissions cp on c.kind = 'role' and cp.role_id = c.id
		left join capabilities p on p.kind = 'permission' and p.id = cp.permission_id
		where g.subject_kind = $1 and g.subject_id = $2
		  and g.principal_kind = 'user' and g.principal_id = $3
		  and (
			(c.kind = 'permission' and lower(c.name) = lower($4))
			or (c.kind = 'role' and lower(p.name) = lower($4))
		  )
		limit 1
	`, subject.Kind, subject.ID, userID, name)
}
