// Package directory is the query port the engines use to answer questions
// about entities and user capabilities. The engines treat every predicate as
// opaque; how the answers are derived (flags, memberships, role grants) is
// the store's concern.
package directory

import (
	"context"
	"errors"

	"communa.org/internal/entity"
)

// ErrNotFound indicates the referenced entity does not exist.
var ErrNotFound = errors.New("directory: entity not found")

// Entity is a resolved entity reference.
type Entity struct {
	Ref  entity.Ref `json:"ref"`
	Name string     `json:"name"`
}

// Directory resolves entity references and answers capability predicates for
// users. All predicates take the user id, not a ref: only users carry
// capabilities.
type Directory interface {
	Resolve(ctx context.Context, ref entity.Ref) (Entity, error)

	IsAdmin(ctx context.Context, userID string) (bool, error)
	IsAdult(ctx context.Context, userID string) (bool, error)
	IsFacilitator(ctx context.Context, userID string) (bool, error)
	IsStudent(ctx context.Context, userID string) (bool, error)

	// Subject-scoped predicates. Subject is a company or project.
	IsOfficialOf(ctx context.Context, userID string, subject entity.Ref) (bool, error)
	IsOwnerOf(ctx context.Context, userID string, subject entity.Ref) (bool, error)
	IsManagerOf(ctx context.Context, userID string, subject entity.Ref) (bool, error)
	IsMemberOf(ctx context.Context, userID string, subject entity.Ref) (bool, error)
	IsParticipantOf(ctx context.Context, userID string, subject entity.Ref) (bool, error)
	HasCapability(ctx context.Context, userID string, subject entity.Ref, name string) (bool, error)
}
