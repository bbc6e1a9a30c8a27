package requests

import (
	"context"
	"strings"
	"time"

	"communa.org/internal/entity"
)

// State is the request lifecycle. PENDING is the only non-terminal state;
// transitions are one-directional and happen exactly once.
type State string

const (
	StatePending  State = "PENDING"
	StateAccepted State = "ACCEPTED"
	StateDeclined State = "DECLINED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateAccepted || s == StateDeclined }

// ParseResponse maps a caller-supplied response to its terminal state.
func ParseResponse(response string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "accepted":
		return StateAccepted, true
	case "declined":
		return StateDeclined, true
	}
	return "", false
}

// Request is one entity asking another for a typed relationship. Requests
// are never deleted; terminal ones remain as the audit trail.
type Request struct {
	ID          string     `json:"id"`
	From        entity.Ref `json:"from"`
	To          entity.Ref `json:"to"`
	For         entity.Ref `json:"for"` // company, project or user
	Purpose     string     `json:"purpose"`
	Type        string     `json:"type"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// CompanyMembership links a user to a company with a relationship type.
type CompanyMembership struct {
	ID               string     `json:"id"`
	Company          entity.Ref `json:"company"`
	User             entity.Ref `json:"user"`
	RelationshipType string     `json:"relationship_type"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ProjectParticipation links a participant to a project.
type ProjectParticipation struct {
	ID              string     `json:"id"`
	Project         entity.Ref `json:"project"`
	Participant     entity.Ref `json:"participant"`
	ParticipatingAs string     `json:"participating_as"`
	CreatedAt       time.Time  `json:"created_at"`
}

// UserRelation is a person-to-person link (parent/ward, direct facilitation).
type UserRelation struct {
	ID               string     `json:"id"`
	By               entity.Ref `json:"by"`
	To               entity.Ref `json:"to"`
	RelationshipType string     `json:"relationship_type"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Record is the materialized outcome of an accepted request. Exactly one
// field is set, matching the target kind.
type Record struct {
	Membership    *CompanyMembership    `json:"membership,omitempty"`
	Participation *ProjectParticipation `json:"participation,omitempty"`
	Relation      *UserRelation         `json:"relation,omitempty"`
}

// Store is the persistence port for requests and their materialized records.
type Store interface {
	CreateRequest(ctx context.Context, req Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	// ListRequests returns requests involving the given participant ref
	// (as sender, recipient or target), newest first.
	ListRequests(ctx context.Context, involving entity.Ref) ([]Request, error)
	// Transition atomically moves a pending request to a terminal state and,
	// when rec is non-nil, persists the record in the same transaction.
	// Responding to a request that is already terminal fails with a
	// rules.ErrState violation; concurrent responders serialize here so the
	// record is written at most once.
	Transition(ctx context.Context, id string, state State, respondedAt time.Time, rec *Record) (Request, error)
}
