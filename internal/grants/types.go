package grants

import (
	"context"
	"time"

	"communa.org/internal/entity"
)

// CapabilityAssign is the capability name that lets a non-official hand out
// grants for a subject.
const CapabilityAssign = "assign-authorizations"

// Capability is the thing a grant hands out: a permission or a role,
// distinguished by Kind. A role additionally owns an ordered permission set.
type Capability struct {
	ID          string      `json:"id"`
	Kind        entity.Kind `json:"kind"` // permission or role
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	// ScopeKind restricts which subject class the capability applies to;
	// empty means unscoped.
	ScopeKind   entity.Kind  `json:"scope_kind,omitempty"`
	Public      bool         `json:"public"`
	CreatedBy   entity.Ref   `json:"created_by"`
	Permissions []entity.Ref `json:"permissions,omitempty"` // role only, ordered
	CreatedAt   time.Time    `json:"created_at"`
}

// Ref returns the entity reference for the capability.
func (c Capability) Ref() entity.Ref { return entity.NewRef(c.Kind, c.ID) }

// Grant records "principal may exercise capability over subject". Grants are
// immutable; changing one means revoke and recreate.
type Grant struct {
	ID         string     `json:"id"`
	GrantedBy  entity.Ref `json:"granted_by"` // user
	Subject    entity.Ref `json:"subject"`    // company or project
	Principal  entity.Ref `json:"principal"`  // user or role
	Capability entity.Ref `json:"capability"` // permission or role
	CreatedAt  time.Time  `json:"created_at"`
}

// Filter narrows a grant listing. Zero-valued fields are ignored.
type Filter struct {
	Subject   entity.Ref
	Principal entity.Ref
	Name      string
	NameLike  string
	Class     entity.Kind // permission or role
	Page      int         // 1-based; 0 means first page
	PerPage   int
}

// Scoped reports whether the filter narrows by capability name or class.
// First-page listings from non-admins must be scoped.
func (f Filter) Scoped() bool {
	return f.Name != "" || f.NameLike != "" || f.Class != ""
}

// Store is the persistence port for grants and capabilities.
type Store interface {
	CreateGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, id string) (Grant, error)
	DeleteGrant(ctx context.Context, id string) error
	// ListGrants returns matching grants newest first, already paginated.
	ListGrants(ctx context.Context, f Filter) ([]Grant, error)

	GetCapability(ctx context.Context, ref entity.Ref) (Capability, error)
	SetRolePermissions(ctx context.Context, roleID string, perms []entity.Ref) error
}
