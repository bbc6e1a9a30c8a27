package entity

import (
	"errors"
	"testing"
)

func TestParseKindAcceptsAnyCasing(t *testing.T) {
	for _, raw := range []string{"user", "User", " COMPANY ", "project", "Permission", "ROLE"} {
		if _, err := ParseKind(raw); err != nil {
			t.Fatalf("ParseKind(%q): %v", raw, err)
		}
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	if _, err := ParseKind("team"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("Company", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Kind != KindCompany || ref.ID != "c-1" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.String() != "company:c-1" {
		t.Fatalf("unexpected String: %s", ref.String())
	}

	if _, err := ParseRef("company", "  "); err == nil {
		t.Fatal("expected error for blank id")
	}
	if _, err := ParseRef("widget", "w-1"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRefEqualAndZero(t *testing.T) {
	a := NewRef(KindUser, "u-1")
	b := NewRef(KindUser, "u-1")
	c := NewRef(KindRole, "u-1")
	if !a.Equal(b) {
		t.Fatal("expected refs to be equal")
	}
	if a.Equal(c) {
		t.Fatal("kind must participate in equality")
	}
	if a.IsZero() {
		t.Fatal("populated ref reported zero")
	}
	if !(Ref{}).IsZero() {
		t.Fatal("empty ref not reported zero")
	}
}

func TestCompanyAliases(t *testing.T) {
	for _, v := range []string{"member", "Manager", " ADMINISTRATOR "} {
		if !IsCompanyAlias(v) {
			t.Fatalf("expected %q to be a company alias", v)
		}
	}
	if IsCompanyAlias("facilitator") {
		t.Fatal("facilitator is not a company alias")
	}
	if !IsMemberClass("member") || IsMemberClass("manager") {
		t.Fatal("member class misclassified")
	}
	if !IsAdministratorClass("manager") || !IsAdministratorClass("administrator") {
		t.Fatal("administrator class misclassified")
	}
	if IsAdministratorClass("member") {
		t.Fatal("member must not be administrator class")
	}
}

func TestProjectAliases(t *testing.T) {
	for _, v := range []string{"facilitator", "learner", "Student", "sponsor"} {
		if !IsProjectAlias(v) {
			t.Fatalf("expected %q to be a project alias", v)
		}
	}
	if IsProjectAlias("member") {
		t.Fatal("member is not a project alias")
	}
	if !IsLearnerClass("student") || !IsLearnerClass("learner") {
		t.Fatal("learner and student are the same class")
	}
	if !IsFacilitatorClass("facilitator") || IsFacilitatorClass("sponsor") {
		t.Fatal("facilitator class misclassified")
	}
	if !IsSponsorClass("sponsor") {
		t.Fatal("sponsor class misclassified")
	}
}

func TestUserRelationTypes(t *testing.T) {
	if !IsUserRelationType("parent") || !IsUserRelationType("Ward") {
		t.Fatal("guardianship types misclassified")
	}
	if IsUserRelationType("sibling") {
		t.Fatal("sibling is not a relation type")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Facilitator "); got != "facilitator" {
		t.Fatalf("unexpected Normalize result: %q", got)
	}
}
