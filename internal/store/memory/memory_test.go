package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"communa.org/internal/entity"
	"communa.org/internal/grants"
	"communa.org/internal/requests"
	"communa.org/internal/rules"
)

func TestConcurrentResponsesOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := requests.Request{
		ID:        "req-1",
		From:      entity.NewRef(entity.KindUser, "a"),
		To:        entity.NewRef(entity.KindUser, "b"),
		For:       entity.NewRef(entity.KindCompany, "c"),
		Purpose:   "employment",
		Type:      "member",
		State:     requests.StatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}

	rec := &requests.Record{Membership: &requests.CompanyMembership{
		ID:               "mem-1",
		Company:          req.For,
		User:             req.To,
		RelationshipType: "member",
	}}

	var wg sync.WaitGroup
	wins := make(chan requests.State, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := requests.StateAccepted
			if i%2 == 0 {
				state = requests.StateDeclined
			}
			var r *requests.Record
			if state == requests.StateAccepted {
				r = rec
			}
			if got, err := s.Transition(ctx, req.ID, state, time.Now().UTC(), r); err == nil {
				wins <- got.State
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", winners)
	}
	if len(s.Memberships()) > 1 {
		t.Fatalf("record written more than once: %d", len(s.Memberships()))
	}
}

func TestTransitionChecks(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Transition(ctx, "ghost", requests.StateAccepted, time.Now(), nil); !errors.Is(err, rules.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	req := requests.Request{ID: "req-2", State: requests.StatePending, CreatedAt: time.Now().UTC()}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, req.ID, requests.StatePending, time.Now(), nil); !errors.Is(err, rules.ErrState) {
		t.Fatalf("expected state error for non-terminal target, got %v", err)
	}

	got, err := s.Transition(ctx, req.ID, requests.StateDeclined, time.Now().UTC(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != requests.StateDeclined || got.RespondedAt == nil {
		t.Fatalf("unexpected request after transition: %+v", got)
	}

	if _, err := s.Transition(ctx, req.ID, requests.StateAccepted, time.Now(), nil); !errors.Is(err, rules.ErrState) {
		t.Fatalf("expected state error for terminal request, got %v", err)
	}
}

func TestCreateRequestDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := requests.Request{ID: "dup", State: requests.StatePending}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequest(ctx, req); !errors.Is(err, rules.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestListGrantsOrderAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()

	subject := entity.NewRef(entity.KindCompany, "acme")
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		g := grants.Grant{
			ID:         fmt.Sprintf("g-%d", i),
			GrantedBy:  entity.NewRef(entity.KindUser, "carol"),
			Subject:    subject,
			Principal:  entity.NewRef(entity.KindUser, fmt.Sprintf("u-%d", i)),
			Capability: entity.NewRef(entity.KindPermission, "publish"),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateGrant(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := s.ListGrants(ctx, grants.Filter{Subject: subject, Page: 1, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != "g-4" || page1[1].ID != "g-3" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	page3, err := s.ListGrants(ctx, grants.Filter{Subject: subject, Page: 3, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 1 || page3[0].ID != "g-0" {
		t.Fatalf("unexpected last page: %+v", page3)
	}

	empty, err := s.ListGrants(ctx, grants.Filter{Subject: subject, Page: 4, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v", empty)
	}
}

func TestListGrantsCapabilityFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	carol := entity.NewRef(entity.KindUser, "carol")
	subject := entity.NewRef(entity.KindCompany, "acme")
	publish := entity.NewRef(entity.KindPermission, "publish")
	editor := entity.NewRef(entity.KindRole, "editor")

	s.AddCapability(grants.Capability{ID: "publish", Kind: entity.KindPermission, Name: "publish", CreatedBy: carol})
	s.AddCapability(grants.Capability{ID: "editor", Kind: entity.KindRole, Name: "editor", CreatedBy: carol})

	if err := s.CreateGrant(ctx, grants.Grant{ID: "g-p", Subject: subject, Principal: carol, Capability: publish}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateGrant(ctx, grants.Grant{ID: "g-r", Subject: subject, Principal: carol, Capability: editor}); err != nil {
		t.Fatal(err)
	}

	byName, err := s.ListGrants(ctx, grants.Filter{Name: "PUBLISH"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byName) != 1 || byName[0].ID != "g-p" {
		t.Fatalf("name filter failed: %+v", byName)
	}

	byLike, err := s.ListGrants(ctx, grants.Filter{NameLike: "edit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byLike) != 1 || byLike[0].ID != "g-r" {
		t.Fatalf("pattern filter failed: %+v", byLike)
	}

	byClass, err := s.ListGrants(ctx, grants.Filter{Class: entity.KindRole})
	if err != nil {
		t.Fatal(err)
	}
	if len(byClass) != 1 || byClass[0].ID != "g-r" {
		t.Fatalf("class filter failed: %+v", byClass)
	}
}

func TestOfficialAndManagerPredicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	acme := entity.NewRef(entity.KindCompany, "acme")
	garden := entity.NewRef(entity.KindProject, "garden")

	s.AddUser(User{ID: "carol", Name: "Carol"})
	s.AddUser(User{ID: "mia", Name: "Mia"})
	s.AddUser(User{ID: "frank", Name: "Frank"})
	s.AddCompany(Company{ID: "acme", Name: "Acme", OwnerID: "carol"})
	s.AddProject(Project{ID: "garden", Name: "Garden", CreatorID: "frank"})
	s.AddMembership(requests.CompanyMembership{ID: "m1", Company: acme, User: entity.NewRef(entity.KindUser, "mia"), RelationshipType: "manager"})

	for _, tc := range []struct {
		user string
		want bool
	}{{"carol", true}, {"mia", true}, {"frank", false}} {
		ok, err := s.IsOfficialOf(ctx, tc.user, acme)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.want {
			t.Fatalf("IsOfficialOf(%s, acme) = %v, want %v", tc.user, ok, tc.want)
		}
	}

	ok, err := s.IsManagerOf(ctx, "mia", acme)
	if err != nil || !ok {
		t.Fatalf("expected mia to manage acme: %v %v", ok, err)
	}
	ok, err = s.IsManagerOf(ctx, "carol", acme)
	if err != nil || ok {
		t.Fatalf("ownership is not management: %v %v", ok, err)
	}

	ok, err = s.IsOfficialOf(ctx, "frank", garden)
	if err != nil || !ok {
		t.Fatalf("expected the creator to be a project official: %v %v", ok, err)
	}
}

func TestCredentials(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddUser(User{ID: "carol", Name: "Carol", PasswordHash: "hash", Admin: true})

	hash, admin, err := s.Credentials(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if hash != "hash" || !admin {
		t.Fatalf("unexpected credentials: %q %v", hash, admin)
	}
	if _, _, err := s.Credentials(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestCreateGrantEquivalentDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	g := grants.Grant{
		ID:         "g-1",
		GrantedBy:  entity.NewRef(entity.KindUser, "carol"),
		Subject:    entity.NewRef(entity.KindCompany, "acme"),
		Principal:  entity.NewRef(entity.KindUser, "dana"),
		Capability: entity.NewRef(entity.KindPermission, "publish"),
	}
	if err := s.CreateGrant(ctx, g); err != nil {
		t.Fatal(err)
	}

	// A fresh id does not make the grant new; the tuple is what must be unique.
	g.ID = "g-2"
	if err := s.CreateGrant(ctx, g); !errors.Is(err, rules.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
