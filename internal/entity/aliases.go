package entity

import "strings"

// Relationship vocabulary. These sets are fixed at startup and never mutated;
// all matching is case-insensitive.
var (
	// Company relationships fall in two classes: plain membership and
	// administration. A manager may only hand out member-class types.
	companyMemberAliases        = newAliasSet("member")
	companyAdministratorAliases = newAliasSet("manager", "administrator")

	// Project participation. Learner and student are the same class.
	projectFacilitatorAliases = newAliasSet("facilitator")
	projectLearnerAliases     = newAliasSet("learner", "student")
	projectSponsorAliases     = newAliasSet("sponsor")

	// Person-to-person guardianship.
	userRelationTypes = newAliasSet("parent", "ward")
)

type aliasSet map[string]struct{}

func newAliasSet(values ...string) aliasSet {
	set := make(aliasSet, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (s aliasSet) contains(v string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// IsCompanyAlias reports whether v names any company relationship type.
func IsCompanyAlias(v string) bool {
	return companyMemberAliases.contains(v) || companyAdministratorAliases.contains(v)
}

// IsMemberClass reports whether v is a plain company membership type.
func IsMemberClass(v string) bool { return companyMemberAliases.contains(v) }

// IsAdministratorClass reports whether v is an administration-class company
// relationship type.
func IsAdministratorClass(v string) bool { return companyAdministratorAliases.contains(v) }

// IsProjectAlias reports whether v names any project participation type.
func IsProjectAlias(v string) bool {
	return projectFacilitatorAliases.contains(v) ||
		projectLearnerAliases.contains(v) ||
		projectSponsorAliases.contains(v)
}

// IsFacilitatorClass reports whether v is the facilitator participation type.
func IsFacilitatorClass(v string) bool { return projectFacilitatorAliases.contains(v) }

// IsLearnerClass reports whether v is a learner-class participation type.
func IsLearnerClass(v string) bool { return projectLearnerAliases.contains(v) }

// IsSponsorClass reports whether v is the sponsor participation type.
func IsSponsorClass(v string) bool { return projectSponsorAliases.contains(v) }

// IsUserRelationType reports whether v names a person-to-person relation.
func IsUserRelationType(v string) bool { return userRelationTypes.contains(v) }

// Normalize lowercases and trims a purpose or relationship type for storage.
func Normalize(v string) string { return strings.ToLower(strings.TrimSpace(v)) }
