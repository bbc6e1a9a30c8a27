package grants_test

import (
	"context"
	"errors"
	"testing"

	"communa.org/internal/entity"
	"communa.org/internal/grants"
	"communa.org/internal/requests"
	"communa.org/internal/rules"
	"communa.org/internal/store/memory"
)

var (
	root  = entity.NewRef(entity.KindUser, "root")
	carol = entity.NewRef(entity.KindUser, "carol")
	dana  = entity.NewRef(entity.KindUser, "dana")
	mark  = entity.NewRef(entity.KindUser, "mark")
	eve   = entity.NewRef(entity.KindUser, "eve")
	acme  = entity.NewRef(entity.KindCompany, "acme")
	orbit = entity.NewRef(entity.KindCompany, "orbit")

	publish = entity.NewRef(entity.KindPermission, "publish")
	editor  = entity.NewRef(entity.KindRole, "editor")
	assign  = entity.NewRef(entity.KindPermission, "assign")
)

// newFixture seeds a company with an owner, two members and a bystander plus
// a couple of capabilities created by the owner.
func newFixture(t *testing.T) (*memory.Store, *grants.Engine) {
	t.Helper()
	s := memory.New()

	s.AddUser(memory.User{ID: "root", Name: "Root", Admin: true, Adult: true})
	s.AddUser(memory.User{ID: "carol", Name: "Carol", Adult: true})
	s.AddUser(memory.User{ID: "dana", Name: "Dana", Adult: true})
	s.AddUser(memory.User{ID: "mark", Name: "Mark", Adult: true})
	s.AddUser(memory.User{ID: "eve", Name: "Eve", Adult: true})

	s.AddCompany(memory.Company{ID: "acme", Name: "Acme", OwnerID: "carol"})
	s.AddCompany(memory.Company{ID: "orbit", Name: "Orbit", OwnerID: "eve"})

	s.AddMembership(requests.CompanyMembership{ID: "m1", Company: acme, User: dana, RelationshipType: "member"})
	s.AddMembership(requests.CompanyMembership{ID: "m2", Company: acme, User: mark, RelationshipType: "member"})

	s.AddCapability(grants.Capability{ID: "publish", Kind: entity.KindPermission, Name: "publish", CreatedBy: carol})
	s.AddCapability(grants.Capability{ID: "assign", Kind: entity.KindPermission, Name: grants.CapabilityAssign, CreatedBy: root})
	s.AddCapability(grants.Capability{ID: "editor", Kind: entity.KindRole, Name: "editor", CreatedBy: carol, Permissions: []entity.Ref{publish}})

	e, err := grants.NewEngine(s, s)
	if err != nil {
		t.Fatal(err)
	}
	return s, e
}

func TestCreateGrantByOwner(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	g, err := e.CreateGrant(ctx, carol, acme, dana, publish)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID == "" {
		t.Fatal("expected a generated grant id")
	}
	if !g.GrantedBy.Equal(carol) || !g.Subject.Equal(acme) || !g.Principal.Equal(dana) || !g.Capability.Equal(publish) {
		t.Fatalf("unexpected grant: %+v", g)
	}

	got, err := s.GetGrant(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Capability.Equal(publish) {
		t.Fatalf("grant not persisted: %+v", got)
	}

	ok, err := s.HasCapability(ctx, "dana", acme, "publish")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected dana to hold publish over acme")
	}
}

func TestCreateGrantRejectsNonParticipant(t *testing.T) {
	_, e := newFixture(t)

	_, err := e.CreateGrant(context.Background(), carol, acme, eve, publish)
	if !errors.Is(err, rules.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if rules.CodeOf(err) != grants.CodeNotParticipant {
		t.Fatalf("unexpected code: %s", rules.CodeOf(err))
	}
}

func TestCreateGrantRequiresAuthorizedActor(t *testing.T) {
	_, e := newFixture(t)

	// dana is a member, not an official, and holds no assign capability.
	_, err := e.CreateGrant(context.Background(), dana, acme, mark, publish)
	if rules.CodeOf(err) != grants.CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %v", err)
	}
}

func TestCreateGrantViaAssignCapability(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	// Owner delegates assignment rights to dana; afterwards dana can grant.
	if _, err := e.CreateGrant(ctx, carol, acme, dana, assign); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreateGrant(ctx, dana, acme, mark, publish); err != nil {
		t.Fatalf("delegated assigner was rejected: %v", err)
	}
}

func TestCreateGrantKindChecks(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name                              string
		actor, subject, principal, capRef entity.Ref
		code                              rules.Code
	}{
		{"subject must be company or project", carol, dana, mark, publish, grants.CodeBadSubjectKind},
		{"actor must be a user", acme, acme, dana, publish, grants.CodeBadActorKind},
		{"principal must be user or role", carol, acme, orbit, publish, grants.CodeBadPrincipalKind},
		{"capability must be permission or role", carol, acme, dana, acme, grants.CodeBadCapabilityKind},
	}
	for _, tc := range cases {
		_, err := e.CreateGrant(ctx, tc.actor, tc.subject, tc.principal, tc.capRef)
		if !errors.Is(err, rules.ErrValidation) || rules.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestCreateGrantMissingCapability(t *testing.T) {
	_, e := newFixture(t)

	missing := entity.NewRef(entity.KindPermission, "nope")
	_, err := e.CreateGrant(context.Background(), carol, acme, dana, missing)
	if !errors.Is(err, rules.ErrNotFound) || rules.CodeOf(err) != grants.CodeCapabilityNotFound {
		t.Fatalf("expected capability_not_found, got %v", err)
	}
}

func TestPrivateRoleGrantRequiresCreator(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	// The editor role is private and created by carol. Even an admin may not
	// hand it out.
	_, err := e.CreateGrant(ctx, root, acme, dana, editor)
	if rules.CodeOf(err) != grants.CodeCapabilityNotOwned {
		t.Fatalf("expected capability_not_owned, got %v", err)
	}

	// Its creator may.
	if _, err := e.CreateGrant(ctx, carol, acme, dana, editor); err != nil {
		t.Fatal(err)
	}
}

func TestPublicRoleGrantByOwner(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	reviewer := entity.NewRef(entity.KindRole, "reviewer")
	s.AddCapability(grants.Capability{ID: "reviewer", Kind: entity.KindRole, Name: "reviewer", CreatedBy: eve, Public: true})

	// carol owns acme, the role is public: ownership of the subject suffices.
	if _, err := e.CreateGrant(ctx, carol, acme, dana, reviewer); err != nil {
		t.Fatal(err)
	}
}

func TestRoleGrantUnlocksRolePermissions(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	if _, err := e.CreateGrant(ctx, carol, acme, dana, editor); err != nil {
		t.Fatal(err)
	}
	ok, err := s.HasCapability(ctx, "dana", acme, "publish")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the role grant to convey the publish permission")
	}
}

func TestRevokeGrant(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	g, err := e.CreateGrant(ctx, carol, acme, dana, publish)
	if err != nil {
		t.Fatal(err)
	}

	// A bystander cannot revoke.
	if err := e.RevokeGrant(ctx, eve, g.ID); rules.CodeOf(err) != grants.CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %v", err)
	}

	// The grantor can; afterwards the grant is gone.
	if err := e.RevokeGrant(ctx, carol, g.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetGrant(ctx, g.ID); !errors.Is(err, rules.ErrNotFound) {
		t.Fatalf("grant still present: %v", err)
	}

	// Revoking again reports not found.
	if err := e.RevokeGrant(ctx, carol, g.ID); rules.CodeOf(err) != grants.CodeGrantNotFound {
		t.Fatalf("expected grant_not_found, got %v", err)
	}
}

func TestRevokeGrantByAdmin(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	g, err := e.CreateGrant(ctx, carol, acme, dana, publish)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RevokeGrant(ctx, root, g.ID); err != nil {
		t.Fatal(err)
	}
}

func TestListGrantsRequiresScopeOnFirstPage(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	_, err := e.ListGrants(ctx, carol, grants.Filter{Subject: acme})
	if rules.CodeOf(err) != grants.CodeUnscopedListing {
		t.Fatalf("expected unscoped_listing, got %v", err)
	}

	// A capability class filter satisfies the scope requirement.
	if _, err := e.ListGrants(ctx, carol, grants.Filter{Subject: acme, Class: entity.KindPermission}); err != nil {
		t.Fatal(err)
	}
	// Continuation pages are exempt.
	if _, err := e.ListGrants(ctx, carol, grants.Filter{Subject: acme, Page: 2}); err != nil {
		t.Fatal(err)
	}
	// Admins are exempt.
	if _, err := e.ListGrants(ctx, root, grants.Filter{}); err != nil {
		t.Fatal(err)
	}
}

func TestListGrantsVisibility(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	// One grant in acme (dana participates there) and two in orbit, one of
	// them carrying a public capability.
	if _, err := e.CreateGrant(ctx, carol, acme, dana, publish); err != nil {
		t.Fatal(err)
	}
	s.AddMembership(requests.CompanyMembership{ID: "m3", Company: orbit, User: mark, RelationshipType: "member"})
	if _, err := e.CreateGrant(ctx, eve, orbit, mark, publish); err != nil {
		t.Fatal(err)
	}
	open := entity.NewRef(entity.KindPermission, "open")
	s.AddCapability(grants.Capability{ID: "open", Kind: entity.KindPermission, Name: "open", CreatedBy: eve, Public: true})
	if _, err := e.CreateGrant(ctx, eve, orbit, mark, open); err != nil {
		t.Fatal(err)
	}

	list, err := e.ListGrants(ctx, dana, grants.Filter{Class: entity.KindPermission})
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range list {
		if g.Subject.Equal(orbit) && !g.Capability.Equal(open) {
			t.Fatalf("private grant in a foreign company leaked: %+v", g)
		}
	}
	var sawAcme, sawPublic bool
	for _, g := range list {
		if g.Subject.Equal(acme) {
			sawAcme = true
		}
		if g.Capability.Equal(open) {
			sawPublic = true
		}
	}
	if !sawAcme || !sawPublic {
		t.Fatalf("expected own-company and public grants to be visible: %+v", list)
	}

	// The admin sees everything.
	all, err := e.ListGrants(ctx, root, grants.Filter{Class: entity.KindPermission})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 grants for admin, got %d", len(all))
	}
}

func TestSetRolePermissions(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	other := entity.NewRef(entity.KindPermission, "archive")
	s.AddCapability(grants.Capability{ID: "archive", Kind: entity.KindPermission, Name: "archive", CreatedBy: carol})

	// Only the creator (or an admin) may change the set.
	if err := e.SetRolePermissions(ctx, eve, "editor", []entity.Ref{other}); rules.CodeOf(err) != grants.CodeNotAuthorized {
		t.Fatalf("expected not_authorized, got %v", err)
	}

	// Non-permission members are rejected.
	if err := e.SetRolePermissions(ctx, carol, "editor", []entity.Ref{acme}); !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if err := e.SetRolePermissions(ctx, carol, "editor", []entity.Ref{other}); err != nil {
		t.Fatal(err)
	}
	cap, err := s.GetCapability(ctx, editor)
	if err != nil {
		t.Fatal(err)
	}
	if len(cap.Permissions) != 1 || !cap.Permissions[0].Equal(other) {
		t.Fatalf("permission set not replaced: %+v", cap.Permissions)
	}

	if err := e.SetRolePermissions(ctx, carol, "ghost", nil); rules.CodeOf(err) != grants.CodeCapabilityNotFound {
		t.Fatalf("expected capability_not_found, got %v", err)
	}
}

func TestCreateGrantScopedCapability(t *testing.T) {
	s, e := newFixture(t)
	ctx := context.Background()

	garden := entity.NewRef(entity.KindProject, "garden")
	s.AddProject(memory.Project{ID: "garden", Name: "Garden", CreatorID: "carol"})
	s.AddParticipation(requests.ProjectParticipation{ID: "p1", Project: garden, Participant: dana, ParticipatingAs: "learner"})

	deploy := entity.NewRef(entity.KindPermission, "deploy")
	s.AddCapability(grants.Capability{ID: "deploy", Kind: entity.KindPermission, Name: "deploy", ScopeKind: entity.KindCompany, CreatedBy: carol})

	// A company-scoped capability cannot be granted over a project.
	_, err := e.CreateGrant(ctx, carol, garden, dana, deploy)
	if !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if rules.CodeOf(err) != grants.CodeCapabilityOutOfScope {
		t.Fatalf("unexpected code: %s", rules.CodeOf(err))
	}

	// The same capability over a company subject is fine.
	if _, err := e.CreateGrant(ctx, carol, acme, dana, deploy); err != nil {
		t.Fatal(err)
	}
}

func TestCreateGrantDuplicateConflicts(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()

	if _, err := e.CreateGrant(ctx, carol, acme, dana, publish); err != nil {
		t.Fatal(err)
	}
	_, err := e.CreateGrant(ctx, carol, acme, dana, publish)
	if !errors.Is(err, rules.ErrConflict) {
		t.Fatalf("expected conflict for an equivalent grant, got %v", err)
	}
}
