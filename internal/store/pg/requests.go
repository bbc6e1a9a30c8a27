package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"communa.org/internal/entity"
	"communa.org/internal/requests"
	"communa.org/internal/rules"
)

var _ requests.Store = (*Store)(nil)

const requestColumns = `id, from_kind, from_id, to_kind, to_id, for_kind, for_id, purpose, type, state, created_at, responded_at`

func scanRequest(row interface{ Scan(...any) error }) (requests.Request, error) {
	var (
		out                        requests.Request
		fromKind, toKind, forKind  string
		fromID, toID, forID, state string
		respondedAt                sql.NullTime
	)
	err := row.Scan(&out.ID, &fromKind, &fromID, &toKind, &toID, &forKind, &forID,
		&out.Purpose, &out.Type, &state, &out.CreatedAt, &respondedAt)
	if err != nil {
		return requests.Request{}, err
	}
	out.From = entity.NewRef(entity.Kind(fromKind), fromID)
	out.To = entity.NewRef(entity.Kind(toKind), toID)
	out.For = entity.NewRef(entity.Kind(forKind), forID)
	out.State = requests.State(state)
	if respondedAt.Valid {
		t := respondedAt.Time
		out.RespondedAt = &t
	}
	return out, nil
}

func (s *Store) CreateRequest(ctx context.Context, req requests.Request) error {
	_, err := s.db.ExecContext(ctx, `
		insert into relationship_requests
			(id, from_kind, from_id, to_kind, to_id, for_kind, for_id, purpose, type, state, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, req.ID,
		req.From.Kind, req.From.ID,
		req.To.Kind, req.To.ID,
		req.For.Kind, req.For.ID,
		req.Purpose, req.Type, req.State, req.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: request %s", rules.ErrConflict, req.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (requests.Request, error) {
	row := s.db.QueryRowContext(ctx, `select `+requestColumns+` from relationship_requests where id=$1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return requests.Request{}, fmt.Errorf("%w: request %s", rules.ErrNotFound, id)
	}
	return req, err
}

func (s *Store) ListRequests(ctx context.Context, involving entity.Ref) ([]requests.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+requestColumns+` from relationship_requests
		where (from_kind=$1 and from_id=$2)
		   or (to_kind=$1 and to_id=$2)
		   or (for_kind=$1 and for_id=$2)
		order by created_at desc, id desc
	`, involving.Kind, involving.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []requests.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition performs the exactly-once state change. The update is a
// compare-and-set on PENDING inside one transaction with the record insert,
// so a losing concurrent responder sees the state violation and the record
// is written at most once.
func (s *Store) Transition(ctx context.Context, id string, state requests.State, respondedAt time.Time, rec *requests.Record) (requests.Request, error) {
	if !state.Terminal() {
		return requests.Request{}, rules.Violationf(rules.ErrState, requests.CodeBadResponse,
			"cannot transition request %s to %s", id, state)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return requests.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		update relationship_requests
		set state=$2, responded_at=$3
		where id=$1 and state='PENDING'
		returning `+requestColumns+`
	`, id, state, respondedAt)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already terminal; distinguish for the caller.
		var current string
		err := tx.QueryRowContext(ctx, `select state from relationship_requests where id=$1`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return requests.Request{}, fmt.Errorf("%w: request %s", rules.ErrNotFound, id)
		}
		if err != nil {
			return requests.Request{}, err
		}
		return requests.Request{}, rules.Violationf(rules.ErrState, requests.CodeAlreadyResponded,
			"request %s was already %s", id, current)
	}
	if err != nil {
		return requests.Request{}, err
	}

	if rec != nil {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return requests.Request{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return requests.Request{}, err
	}
	return req, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *requests.Record) error {
	var err error
	switch {
	case rec.Membership != nil:
		m := rec.Membership
		_, err = tx.ExecContext(ctx, `
			insert into company_memberships (id, company_id, user_id, relationship_type, created_at)
			values ($1,$2,$3,$4,$5)
		`, m.ID, m.Company.ID, m.User.ID, m.RelationshipType, m.CreatedAt)
	case rec.Participation != nil:
		p := rec.Participation
		_, err = tx.ExecContext(ctx, `
			insert into project_participations (id, project_id, participant_id, participating_as, created_at)
			values ($1,$2,$3,$4,$5)
		`, p.ID, p.Project.ID, p.Participant.ID, p.ParticipatingAs, p.CreatedAt)
	case rec.Relation != nil:
		r := rec.Relation
		_, err = tx.ExecContext(ctx, `
			insert into user_relations (id, by_id, to_id, relationship_type, created_at)
			values ($1,$2,$3,$4,$5)
		`, r.ID, r.By.ID, r.To.ID, r.RelationshipType, r.CreatedAt)
	}
	if err != nil {
		// Unique indexes are the defensive backstop; eligibility was checked
		// at request creation.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: relationship already exists", rules.ErrConflict)
		}
	}
	return err
}
