// Package memory is the in-process store used by tests and demo mode. One
// mutex-guarded dataset backs the grant store, the request store and the
// directory port, so relationships materialized by accepted requests are
// immediately visible to the eligibility predicates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"communa.org/internal/directory"
	"communa.org/internal/entity"
	"communa.org/internal/grants"
	"communa.org/internal/requests"
	"communa.org/internal/rules"
)

// User is a seeded user with its capability flags.
type User struct {
	ID           string
	Name         string
	PasswordHash string
	Admin        bool
	Adult        bool
	Facilitator  bool
	Student      bool
}

// Company is a seeded company. The owner is its first official.
type Company struct {
	ID      string
	Name    string
	OwnerID string
}

// Project is a seeded project. The creator owns it.
type Project struct {
	ID        string
	Name      string
	CreatorID string
}

// Store implements grants.Store, requests.Store and directory.Directory.
type Store struct {
	mu sync.RWMutex

	users     map[string]User
	companies map[string]Company
	projects  map[string]Project

	capabilities map[entity.Ref]grants.Capability
	grantRecords map[string]grants.Grant
	reqRecords   map[string]requests.Request

	memberships    []requests.CompanyMembership
	participations []requests.ProjectParticipation
	relations      []requests.UserRelation
}

var (
	_ grants.Store        = (*Store)(nil)
	_ requests.Store      = (*Store)(nil)
	_ directory.Directory = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:        make(map[string]User),
		companies:    make(map[string]Company),
		projects:     make(map[string]Project),
		capabilities: make(map[entity.Ref]grants.Capability),
		grantRecords: make(map[string]grants.Grant),
		reqRecords:   make(map[string]requests.Request),
	}
}

// --- seeding ---

func (s *Store) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) AddCompany(c Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[c.ID] = c
}

func (s *Store) AddProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *Store) AddCapability(c grants.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[c.Ref()] = c
}

// AddMembership seeds an existing company relationship directly, bypassing
// the request workflow.
func (s *Store) AddMembership(m requests.CompanyMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships = append(s.memberships, m)
}

// AddParticipation seeds an existing project participation directly.
func (s *Store) AddParticipation(p requests.ProjectParticipation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participations = append(s.participations, p)
}

// Memberships returns a copy of all materialized company memberships.
func (s *Store) Memberships() []requests.CompanyMembership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]requests.CompanyMembership, len(s.memberships))
	copy(out, s.memberships)
	return out
}

// Participations returns a copy of all materialized project participations.
func (s *Store) Participations() []requests.ProjectParticipation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]requests.ProjectParticipation, len(s.participations))
	copy(out, s.participations)
	return out
}

// Relations returns a copy of all materialized user relations.
func (s *Store) Relations() []requests.UserRelation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]requests.UserRelation, len(s.relations))
	copy(out, s.relations)
	return out
}

// --- directory.Directory ---

func (s *Store) Resolve(_ context.Context, ref entity.Ref) (directory.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch ref.Kind {
	case entity.KindUser:
		if u, ok := s.users[ref.ID]; ok {
			return directory.Entity{Ref: ref, Name: u.Name}, nil
		}
	case entity.KindCompany:
		if c, ok := s.companies[ref.ID]; ok {
			return directory.Entity{Ref: ref, Name: c.Name}, nil
		}
	case entity.KindProject:
		if p, ok := s.projects[ref.ID]; ok {
			return directory.Entity{Ref: ref, Name: p.Name}, nil
		}
	case entity.KindPermission, entity.KindRole:
		if c, ok := s.capabilities[ref]; ok {
			return directory.Entity{Ref: ref, Name: c.Name}, nil
		}
	}
	return directory.Entity{}, fmt.Errorf("%w: %s", directory.ErrNotFound, ref)
}

// Credentials returns the stored password hash and admin flag for a user.
func (s *Store) Credentials(_ context.Context, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return "", false, fmt.Errorf("%w: user %s", directory.ErrNotFound, userID)
	}
	return u.PasswordHash, u.Admin, nil
}

func (s *Store) IsAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Admin, nil
}

func (s *Store) IsAdult(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Adult, nil
}

func (s *Store) IsFacilitator(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Facilitator, nil
}

func (s *Store) IsStudent(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID].Student, nil
}

func (s *Store) IsOfficialOf(_ context.Context, userID string, subject entity.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOfficialLocked(userID, subject), nil
}

func (s *Store) isOfficialLocked(userID string, subject entity.Ref) bool {
	switch subject.Kind {
	case entity.KindCompany:
		if c, ok := s.companies[subject.ID]; ok && c.OwnerID == userID {
			return true
		}
		for _, m := range s.memberships {
			if m.Company.ID == subject.ID && m.User.ID == userID && entity.IsAdministratorClass(m.RelationshipType) {
				return true
			}
		}
	case entity.KindProject:
		if p, ok := s.projects[subject.ID]; ok && p.CreatorID == userID {
			return true
		}
		for _, p := range s.participations {
			if p.Project.ID == subject.ID && p.Participant.ID == userID && entity.IsFacilitatorClass(p.ParticipatingAs) {
				return true
			}
		}
	}
	return false
}

func (s *Store) IsOwnerOf(_ context.Context, userID string, subject entity.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch subject.Kind {
	case entity.KindCompany:
		c, ok := s.companies[subject.ID]
		return ok && c.OwnerID == userID, nil
	case entity.KindProject:
		p, ok := s.projects[subject.ID]
		return ok && p.CreatorID == userID, nil
	}
	return false, nil
}

func (s *Store) IsManagerOf(_ context.Context, userID string, subject entity.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject.Kind != entity.KindCompany {
		return false, nil
	}
	for _, m := range s.memberships {
		if m.Company.ID == subject.ID && m.User.ID == userID && strings.EqualFold(m.RelationshipType, "manager") {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) IsMemberOf(_ context.Context, userID string, subject entity.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject.Kind != entity.KindCompany {
		return false, nil
	}
	for _, m := range s.memberships {
		if m.Company.ID == subject.ID && m.User.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) IsParticipantOf(_ context.Context, userID string, subject entity.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject.Kind != entity.KindProject {
		return false, nil
	}
	for _, p := range s.participations {
		if p.Project.ID == subject.ID && p.Participant.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

// HasCapability checks direct permission grants and role grants whose
// permission set carries the named permission.
func (s *Store) HasCapability(_ context.Context, userID string, subject entity.Ref, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	principal := entity.NewRef(entity.KindUser, userID)
	for _, g := range s.grantRecords {
		if !g.Subject.Equal(subject) || !g.Principal.Equal(principal) {
			continue
		}
		c, ok := s.capabilities[g.Capability]
		if !ok {
			continue
		}
		if c.Kind == entity.KindPermission && strings.EqualFold(c.Name, name) {
			return true, nil
		}
		if c.Kind == entity.KindRole {
			for _, p := range c.Permissions {
				if perm, ok := s.capabilities[p]; ok && strings.EqualFold(perm.Name, name) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// --- grants.Store ---

func (s *Store) CreateGrant(_ context.Context, g grants.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grantRecords[g.ID]; ok {
		return fmt.Errorf("%w: grant %s", rules.ErrConflict, g.ID)
	}
	// Same uniqueness the pg schema enforces via authorization_grants_unique_idx.
	for _, existing := range s.grantRecords {
		if existing.Subject.Equal(g.Subject) && existing.Principal.Equal(g.Principal) && existing.Capability.Equal(g.Capability) {
			return fmt.Errorf("%w: %s already granted to %s on %s", rules.ErrConflict, g.Capability, g.Principal, g.Subject)
		}
	}
	s.grantRecords[g.ID] = g
	return nil
}

func (s *Store) GetGrant(_ context.Context, id string) (grants.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grantRecords[id]
	if !ok {
		return grants.Grant{}, fmt.Errorf("%w: grant %s", rules.ErrNotFound, id)
	}
	return g, nil
}

func (s *Store) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grantRecords[id]; !ok {
		return fmt.Errorf("%w: grant %s", rules.ErrNotFound, id)
	}
	delete(s.grantRecords, id)
	return nil
}

func (s *Store) ListGrants(_ context.Context, f grants.Filter) ([]grants.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []grants.Grant
	for _, g := range s.grantRecords {
		if !f.Subject.IsZero() && !g.Subject.Equal(f.Subject) {
			continue
		}
		if !f.Principal.IsZero() && !g.Principal.Equal(f.Principal) {
			continue
		}
		if f.Name != "" || f.NameLike != "" || f.Class != "" {
			c, ok := s.capabilities[g.Capability]
			if !ok {
				continue
			}
			if f.Name != "" && !strings.EqualFold(c.Name, f.Name) {
				continue
			}
			if f.NameLike != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.NameLike)) {
				continue
			}
			if f.Class != "" && c.Kind != f.Class {
				continue
			}
		}
		matched = append(matched, g)
	}

	// Newest first; ULIDs break ties deterministically.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := f.Page
	if page <= 0 {
		page = 1
	}
	per := f.PerPage
	if per <= 0 {
		per = len(matched)
	}
	start := (page - 1) * per
	if start >= len(matched) {
		return nil, nil
	}
	end := start + per
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func (s *Store) GetCapability(_ context.Context, ref entity.Ref) (grants.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capabilities[ref]
	if !ok {
		return grants.Capability{}, fmt.Errorf("%w: capability %s", rules.ErrNotFound, ref)
	}
	return c, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, perms []entity.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := entity.NewRef(entity.KindRole, roleID)
	c, ok := s.capabilities[ref]
	if !ok {
		return fmt.Errorf("%w: role %s", rules.ErrNotFound, roleID)
	}
	c.Permissions = append([]entity.Ref(nil), perms...)
	s.capabilities[ref] = c
	return nil
}

// --- requests.Store ---

func (s *Store) CreateRequest(_ context.Context, req requests.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqRecords[req.ID]; ok {
		return fmt.Errorf("%w: request %s", rules.ErrConflict, req.ID)
	}
	s.reqRecords[req.ID] = req
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (requests.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.reqRecords[id]
	if !ok {
		return requests.Request{}, fmt.Errorf("%w: request %s", rules.ErrNotFound, id)
	}
	return req, nil
}

func (s *Store) ListRequests(_ context.Context, involving entity.Ref) ([]requests.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []requests.Request
	for _, req := range s.reqRecords {
		if req.From.Equal(involving) || req.To.Equal(involving) || req.For.Equal(involving) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Transition is the serialization point for concurrent responses: the state
// check and the record write happen under one lock, so exactly one responder
// wins and the record is written at most once.
func (s *Store) Transition(_ context.Context, id string, state requests.State, respondedAt time.Time, rec *requests.Record) (requests.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqRecords[id]
	if !ok {
		return requests.Request{}, fmt.Errorf("%w: request %s", rules.ErrNotFound, id)
	}
	if req.State.Terminal() {
		return requests.Request{}, rules.Violationf(rules.ErrState, requests.CodeAlreadyResponded,
			"request %s was already %s", id, req.State)
	}
	if !state.Terminal() {
		return requests.Request{}, rules.Violationf(rules.ErrState, requests.CodeBadResponse,
			"cannot transition request %s to %s", id, state)
	}

	req.State = state
	req.RespondedAt = &respondedAt
	s.reqRecords[id] = req

	if rec != nil {
		switch {
		case rec.Membership != nil:
			s.memberships = append(s.memberships, *rec.Membership)
		case rec.Participation != nil:
			s.participations = append(s.participations, *rec.Participation)
		case rec.Relation != nil:
			s.relations = append(s.relations, *rec.Relation)
		}
	}
	return req, nil
}
