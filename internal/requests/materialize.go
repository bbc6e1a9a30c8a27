package requests

import (
	"context"

	"communa.org/internal/entity"
	"communa.org/internal/ids"
	"communa.org/internal/rules"
)

// potentialParticipant resolves which party of an accepted request gains the
// relationship. The rule is safety-critical: the party already established
// with the target subject never gains a second relationship from its own
// acceptance.
//
//   - recipient is not a plain user while the sender is: the sender joins;
//   - recipient is an official of the subject, or a facilitator fielding a
//     learner-purpose request: the sender joins;
//   - otherwise the recipient joins.
func (e *Engine) potentialParticipant(ctx context.Context, req Request) (entity.Ref, error) {
	if req.To.Kind != entity.KindUser && req.From.Kind == entity.KindUser {
		return req.From, nil
	}
	if req.To.Kind == entity.KindUser {
		official, err := e.dir.IsOfficialOf(ctx, req.To.ID, req.For)
		if err != nil {
			return entity.Ref{}, err
		}
		if official {
			return req.From, nil
		}
		if entity.IsLearnerClass(req.Purpose) {
			facilitator, err := e.dir.IsFacilitator(ctx, req.To.ID)
			if err != nil {
				return entity.Ref{}, err
			}
			if facilitator {
				return req.From, nil
			}
		}
	}
	return req.To, nil
}

// materialize computes the relationship record an accepted request produces.
// Eligibility was already enforced at creation time; this only decides shape
// and participant. The store persists the record atomically with the state
// transition.
func (e *Engine) materialize(ctx context.Context, req Request) (*Record, error) {
	now := e.now().UTC()
	switch req.For.Kind {
	case entity.KindCompany:
		participant, err := e.potentialParticipant(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Record{Membership: &CompanyMembership{
			ID:               ids.New(),
			Company:          req.For,
			User:             participant,
			RelationshipType: req.Type,
			CreatedAt:        now,
		}}, nil
	case entity.KindProject:
		participant, err := e.potentialParticipant(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Record{Participation: &ProjectParticipation{
			ID:              ids.New(),
			Project:         req.For,
			Participant:     participant,
			ParticipatingAs: participatingAs(req),
			CreatedAt:       now,
		}}, nil
	case entity.KindUser:
		return &Record{Relation: &UserRelation{
			ID:               ids.New(),
			By:               req.From,
			To:               req.To,
			RelationshipType: req.Type,
			CreatedAt:        now,
		}}, nil
	}
	return nil, rules.Violationf(rules.ErrValidation, CodeBadTargetKind,
		"cannot materialize a relationship for %s", req.For)
}

// participatingAs picks the participation type for a project record: the
// purpose names it when it is a participant alias, the type otherwise.
func participatingAs(req Request) string {
	if entity.IsProjectAlias(req.Purpose) {
		return req.Purpose
	}
	return req.Type
}
