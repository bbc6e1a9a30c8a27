// Package grants implements the authorization grant engine: who may hand a
// capability (permission or role) to a principal (user or role), scoped to a
// subject (company or project).
package grants

import (
	"context"
	"errors"
	"time"

	"communa.org/internal/directory"
	"communa.org/internal/entity"
	"communa.org/internal/ids"
	"communa.org/internal/rules"
)

// Reason codes surfaced in violations.
const (
	CodeActorNotFound        rules.Code = "actor_not_found"
	CodeSubjectNotFound      rules.Code = "subject_not_found"
	CodePrincipalNotFound    rules.Code = "principal_not_found"
	CodeCapabilityNotFound   rules.Code = "capability_not_found"
	CodeGrantNotFound        rules.Code = "grant_not_found"
	CodeBadActorKind         rules.Code = "bad_actor_kind"
	CodeBadSubjectKind       rules.Code = "bad_subject_kind"
	CodeBadPrincipalKind     rules.Code = "bad_principal_kind"
	CodeBadCapabilityKind    rules.Code = "bad_capability_kind"
	CodeNotAuthorized        rules.Code = "not_authorized"
	CodeNotParticipant       rules.Code = "not_participant"
	CodeCapabilityNotOwned   rules.Code = "capability_not_owned"
	CodeCapabilityOutOfScope rules.Code = "capability_out_of_scope"
	CodeUnscopedListing      rules.Code = "unscoped_listing"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Engine validates and executes grant operations.
type Engine struct {
	store Store
	dir   directory.Directory
	now   func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the grant engine.
func NewEngine(store Store, dir directory.Directory, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("grants: store is required")
	}
	if dir == nil {
		return nil, errors.New("grants: directory is required")
	}
	e := &Engine{store: store, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// createFacts is the pipeline context for CreateGrant. It is assembled up
// front so every step stays a pure predicate over the struct.
type createFacts struct {
	Actor      entity.Ref
	Subject    entity.Ref
	Principal  entity.Ref
	Capability entity.Ref

	ActorFound      bool
	SubjectFound    bool
	PrincipalFound  bool
	CapabilityFound bool

	ActorIsAdmin    bool
	ActorIsOfficial bool
	ActorIsOwner    bool
	ActorHasAssign  bool

	// PrincipalParticipates is true for role principals; participation is a
	// user-level concept.
	PrincipalParticipates bool

	// CapabilityScope is the capability's ScopeKind; empty means unscoped.
	CapabilityScope entity.Kind

	// RoleCapability is set when the capability is a role, nil for plain
	// permissions.
	RoleCapability *Capability
}

var createGrantSteps = []rules.Step[*createFacts]{
	stepGrantKinds,
	stepActorExists,
	stepSubjectExists,
	stepPrincipalExists,
	stepCapabilityExists,
	stepCapabilityInScope,
	stepActorMayAssign,
	stepPrincipalParticipates,
	stepRoleCapabilityOwned,
}

func stepGrantKinds(_ context.Context, f *createFacts) *rules.Violation {
	if f.Actor.Kind != entity.KindUser {
		return rules.Violationf(rules.ErrValidation, CodeBadActorKind, "acting entity %s is not a user", f.Actor)
	}
	if f.Subject.Kind != entity.KindCompany && f.Subject.Kind != entity.KindProject {
		return rules.Violationf(rules.ErrValidation, CodeBadSubjectKind, "subject %s must be a company or project", f.Subject)
	}
	if f.Principal.Kind != entity.KindUser && f.Principal.Kind != entity.KindRole {
		return rules.Violationf(rules.ErrValidation, CodeBadPrincipalKind, "principal %s must be a user or role", f.Principal)
	}
	if f.Capability.Kind != entity.KindPermission && f.Capability.Kind != entity.KindRole {
		return rules.Violationf(rules.ErrValidation, CodeBadCapabilityKind, "capability %s must be a permission or role", f.Capability)
	}
	return nil
}

func stepActorExists(_ context.Context, f *createFacts) *rules.Violation {
	if !f.ActorFound {
		return rules.Violationf(rules.ErrNotFound, CodeActorNotFound, "acting user %s does not exist", f.Actor.ID)
	}
	return nil
}

func stepSubjectExists(_ context.Context, f *createFacts) *rules.Violation {
	if !f.SubjectFound {
		return rules.Violationf(rules.ErrNotFound, CodeSubjectNotFound, "subject %s does not exist", f.Subject)
	}
	return nil
}

func stepPrincipalExists(_ context.Context, f *createFacts) *rules.Violation {
	if !f.PrincipalFound {
		return rules.Violationf(rules.ErrNotFound, CodePrincipalNotFound, "principal %s does not exist", f.Principal)
	}
	return nil
}

func stepCapabilityExists(_ context.Context, f *createFacts) *rules.Violation {
	if !f.CapabilityFound {
		return rules.Violationf(rules.ErrNotFound, CodeCapabilityNotFound, "capability %s does not exist", f.Capability)
	}
	return nil
}

func stepCapabilityInScope(_ context.Context, f *createFacts) *rules.Violation {
	if f.CapabilityScope == "" || f.CapabilityScope == f.Subject.Kind {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeCapabilityOutOfScope,
		"capability %s applies to %s subjects, not %s", f.Capability, f.CapabilityScope, f.Subject.Kind)
}

func stepActorMayAssign(_ context.Context, f *createFacts) *rules.Violation {
	if f.ActorIsAdmin || f.ActorIsOfficial || f.ActorHasAssign {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeNotAuthorized,
		"user %s is not an official of %s and does not hold %s", f.Actor.ID, f.Subject, CapabilityAssign)
}

func stepPrincipalParticipates(_ context.Context, f *createFacts) *rules.Violation {
	if f.PrincipalParticipates {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeNotParticipant,
		"principal %s is not participating in %s", f.Principal, f.Subject)
}

func stepRoleCapabilityOwned(_ context.Context, f *createFacts) *rules.Violation {
	cap := f.RoleCapability
	if cap == nil {
		return nil
	}
	ownsIt := cap.CreatedBy.Equal(f.Actor)
	if !ownsIt && !f.ActorIsOwner && !f.ActorIsAdmin {
		return rules.Violationf(rules.ErrAuthorization, CodeCapabilityNotOwned,
			"role %s may only be granted by its creator, the subject owner or an admin", cap.Name)
	}
	if !cap.Public && !ownsIt {
		return rules.Violationf(rules.ErrAuthorization, CodeCapabilityNotOwned,
			"role %s is private and not owned by user %s", cap.Name, f.Actor.ID)
	}
	return nil
}

// CreateGrant validates and persists a new authorization grant.
func (e *Engine) CreateGrant(ctx context.Context, actor, subject, principal, capability entity.Ref) (Grant, error) {
	facts, err := e.gatherCreateFacts(ctx, actor, subject, principal, capability)
	if err != nil {
		return Grant{}, err
	}
	if err := rules.RunAll(ctx, facts, createGrantSteps...); err != nil {
		return Grant{}, err
	}
	g := Grant{
		ID:         ids.New(),
		GrantedBy:  actor,
		Subject:    subject,
		Principal:  principal,
		Capability: capability,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.CreateGrant(ctx, g); err != nil {
		return Grant{}, err
	}
	return g, nil
}

func (e *Engine) gatherCreateFacts(ctx context.Context, actor, subject, principal, capability entity.Ref) (*createFacts, error) {
	f := &createFacts{Actor: actor, Subject: subject, Principal: principal, Capability: capability}

	var err error
	if f.ActorFound, err = e.resolves(ctx, actor); err != nil {
		return nil, err
	}
	if f.SubjectFound, err = e.resolves(ctx, subject); err != nil {
		return nil, err
	}
	if f.PrincipalFound, err = e.resolves(ctx, principal); err != nil {
		return nil, err
	}
	if !f.ActorFound || !f.SubjectFound {
		return f, nil
	}

	if f.ActorIsAdmin, err = e.dir.IsAdmin(ctx, actor.ID); err != nil {
		return nil, err
	}
	if f.ActorIsOfficial, err = e.dir.IsOfficialOf(ctx, actor.ID, subject); err != nil {
		return nil, err
	}
	if f.ActorIsOwner, err = e.dir.IsOwnerOf(ctx, actor.ID, subject); err != nil {
		return nil, err
	}
	if f.ActorHasAssign, err = e.dir.HasCapability(ctx, actor.ID, subject, CapabilityAssign); err != nil {
		return nil, err
	}

	f.PrincipalParticipates = true
	if principal.Kind == entity.KindUser && f.PrincipalFound {
		if f.PrincipalParticipates, err = e.participates(ctx, principal.ID, subject); err != nil {
			return nil, err
		}
	}

	if capability.Kind == entity.KindPermission || capability.Kind == entity.KindRole {
		cap, err := e.store.GetCapability(ctx, capability)
		switch {
		case errors.Is(err, rules.ErrNotFound):
			// stepCapabilityExists reports it
		case err != nil:
			return nil, err
		default:
			f.CapabilityFound = true
			f.CapabilityScope = cap.ScopeKind
			if cap.Kind == entity.KindRole {
				f.RoleCapability = &cap
			}
		}
	}
	return f, nil
}

// participates answers the membership question for grant eligibility: a user
// participates in a subject when they are a member, participant, official or
// owner of it.
func (e *Engine) participates(ctx context.Context, userID string, subject entity.Ref) (bool, error) {
	if ok, err := e.dir.IsParticipantOf(ctx, userID, subject); err != nil || ok {
		return ok, err
	}
	if ok, err := e.dir.IsMemberOf(ctx, userID, subject); err != nil || ok {
		return ok, err
	}
	return e.dir.IsOfficialOf(ctx, userID, subject)
}

func (e *Engine) resolves(ctx context.Context, ref entity.Ref) (bool, error) {
	_, err := e.dir.Resolve(ctx, ref)
	if errors.Is(err, directory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// revokeFacts is the pipeline context for RevokeGrant.
type revokeFacts struct {
	Actor          entity.Ref
	Grant          Grant
	ActorIsAdmin   bool
	ActorIsGrantor bool
	ActorIsOwner   bool
}

var revokeGrantSteps = []rules.Step[*revokeFacts]{
	stepMayRevoke,
}

func stepMayRevoke(_ context.Context, f *revokeFacts) *rules.Violation {
	if f.ActorIsAdmin || f.ActorIsGrantor || f.ActorIsOwner {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeNotAuthorized,
		"user %s may not revoke grant %s", f.Actor.ID, f.Grant.ID)
}

// RevokeGrant destroys a grant. Only the grantor, the subject's owner or an
// admin may revoke; grants are never edited in place.
func (e *Engine) RevokeGrant(ctx context.Context, actor entity.Ref, grantID string) error {
	g, err := e.store.GetGrant(ctx, grantID)
	if errors.Is(err, rules.ErrNotFound) {
		return rules.Violationf(rules.ErrNotFound, CodeGrantNotFound, "grant %s does not exist", grantID)
	}
	if err != nil {
		return err
	}

	f := &revokeFacts{Actor: actor, Grant: g, ActorIsGrantor: g.GrantedBy.Equal(actor)}
	if f.ActorIsAdmin, err = e.dir.IsAdmin(ctx, actor.ID); err != nil {
		return err
	}
	if f.ActorIsOwner, err = e.dir.IsOwnerOf(ctx, actor.ID, g.Subject); err != nil {
		return err
	}
	if err := rules.RunAll(ctx, f, revokeGrantSteps...); err != nil {
		return err
	}
	return e.store.DeleteGrant(ctx, grantID)
}

// ListGrants returns grants visible to the actor, newest first. Non-admin
// callers must scope their first page by capability name, pattern or class;
// continuations (page > 1) and admins are exempt.
func (e *Engine) ListGrants(ctx context.Context, actor entity.Ref, f Filter) ([]Grant, error) {
	admin, err := e.dir.IsAdmin(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if !admin && f.Page <= 1 && !f.Scoped() {
		return nil, rules.Violationf(rules.ErrValidation, CodeUnscopedListing,
			"first-page listings must filter by capability name, pattern or class")
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage > maxPerPage {
		f.PerPage = maxPerPage
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	list, err := e.store.ListGrants(ctx, f)
	if err != nil {
		return nil, err
	}
	if admin {
		return list, nil
	}

	visible := make([]Grant, 0, len(list))
	capCache := map[entity.Ref]Capability{}
	for _, g := range list {
		ok, err := e.visibleTo(ctx, actor, g, capCache)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, g)
		}
	}
	return visible, nil
}

// visibleTo implements the non-admin visibility rule: the caller sees a grant
// when they created it, when they participate in or manage its subject, or
// when the capability itself is public.
func (e *Engine) visibleTo(ctx context.Context, actor entity.Ref, g Grant, capCache map[entity.Ref]Capability) (bool, error) {
	if g.GrantedBy.Equal(actor) {
		return true, nil
	}
	if ok, err := e.participates(ctx, actor.ID, g.Subject); err != nil || ok {
		return ok, err
	}
	if ok, err := e.dir.IsOwnerOf(ctx, actor.ID, g.Subject); err != nil || ok {
		return ok, err
	}

	cap, ok := capCache[g.Capability]
	if !ok {
		var err error
		cap, err = e.store.GetCapability(ctx, g.Capability)
		if errors.Is(err, rules.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		capCache[g.Capability] = cap
	}
	return cap.Public, nil
}

// SetRolePermissions replaces a role's ordered permission set. Only the
// role's creator or an admin may change it.
func (e *Engine) SetRolePermissions(ctx context.Context, actor entity.Ref, roleID string, perms []entity.Ref) error {
	cap, err := e.store.GetCapability(ctx, entity.NewRef(entity.KindRole, roleID))
	if errors.Is(err, rules.ErrNotFound) {
		return rules.Violationf(rules.ErrNotFound, CodeCapabilityNotFound, "role %s does not exist", roleID)
	}
	if err != nil {
		return err
	}
	admin, err := e.dir.IsAdmin(ctx, actor.ID)
	if err != nil {
		return err
	}
	if !admin && !cap.CreatedBy.Equal(actor) {
		return rules.Violationf(rules.ErrAuthorization, CodeNotAuthorized,
			"role %s may only be changed by its creator or an admin", cap.Name)
	}
	for _, p := range perms {
		if p.Kind != entity.KindPermission {
			return rules.Violationf(rules.ErrValidation, CodeBadCapabilityKind,
				"%s is not a permission", p)
		}
	}
	return e.store.SetRolePermissions(ctx, roleID, perms)
}
