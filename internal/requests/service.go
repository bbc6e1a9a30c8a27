// Package requests implements the relationship request workflow: one entity
// asks another for a typed relationship (join a company, participate in a
// project, become a parent/ward), the eligible counterparty responds, and an
// accepted request materializes the concrete relationship record.
package requests

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
	CodeSenderNotFound    rules.Code = "sender_not_found"
	CodeRecipientNotFound rules.Code = "recipient_not_found"
	CodeTargetNotFound    rules.Code = "target_not_found"
	CodeRequestNotFound   rules.Code = "request_not_found"
	CodeMissingPurpose    rules.Code = "missing_purpose"
	CodeMissingType       rules.Code = "missing_type"
	CodeBadTargetKind     rules.Code = "bad_target_kind"
	CodeUnknownVocabulary rules.Code = "unknown_relationship_type"
	CodeBothOfficials     rules.Code = "both_officials"
	CodeNoOfficialParty   rules.Code = "no_official_party"
	CodeNotAdult          rules.Code = "not_adult"
	CodeAlreadyRelated    rules.Code = "already_related"
	CodeManagerLimited    rules.Code = "manager_cannot_appoint_administrator"
	CodeNeedFacilitator   rules.Code = "need_facilitator"
	CodeNeedStudent       rules.Code = "need_student"
	CodeSelfRequest       rules.Code = "self_request"
	CodeBadParties        rules.Code = "bad_parties"
	CodeNotResponder      rules.Code = "not_authorized_to_respond"
	CodeBadResponse       rules.Code = "bad_response"
	CodeAlreadyResponded  rules.Code = "already_responded"
)

// Engine drives the request state machine.
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

// NewEngine constructs the request engine.
func NewEngine(store Store, dir directory.Directory, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("requests: store is required")
	}
	if dir == nil {
		return nil, errors.New("requests: directory is required")
	}
	e := &Engine{store: store, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// createFacts is the pipeline context for CreateRequest. The engine gathers
// every fact the eligibility steps need up front; steps stay pure predicates.
type createFacts struct {
	From    entity.Ref
	To      entity.Ref
	For     entity.Ref
	Purpose string
	Type    string

	FromFound bool
	ToFound   bool
	ForFound  bool

	// Company branch. "Official party" is whichever of sender/recipient
	// manages the company (or is an admin standing in for one); "other
	// party" is the one who would gain the relationship.
	SenderOfficial    bool
	RecipientOfficial bool
	SenderAdmin       bool
	RecipientAdmin    bool
	OtherParty        entity.Ref
	OtherIsAdult      bool
	OtherRelated      bool
	// OfficialIsMereManager is true when the acting official manages the
	// company without owning it and is not an admin.
	OfficialIsMereManager bool

	// Project branch.
	SenderFacilitator bool
	SenderStudent     bool

	// User branch: whichever party assumes the parent role.
	ParentParty   entity.Ref
	ParentIsAdult bool
}

func stepRequestFields(_ context.Context, f *createFacts) *rules.Violation {
	if f.Purpose == "" {
		return rules.Violationf(rules.ErrValidation, CodeMissingPurpose, "purpose is required")
	}
	if f.Type == "" {
		return rules.Violationf(rules.ErrValidation, CodeMissingType, "type is required")
	}
	return nil
}

func stepPartiesExist(_ context.Context, f *createFacts) *rules.Violation {
	if !f.FromFound {
		return rules.Violationf(rules.ErrNotFound, CodeSenderNotFound, "sender %s does not exist", f.From)
	}
	if !f.ToFound {
		return rules.Violationf(rules.ErrNotFound, CodeRecipientNotFound, "recipient %s does not exist", f.To)
	}
	if !f.ForFound {
		return rules.Violationf(rules.ErrNotFound, CodeTargetNotFound, "target %s does not exist", f.For)
	}
	return nil
}

func stepTargetKind(_ context.Context, f *createFacts) *rules.Violation {
	switch f.For.Kind {
	case entity.KindCompany, entity.KindProject, entity.KindUser:
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeBadTargetKind,
		"relationship target %s must be a company, project or user", f.For)
}

// --- company target ---

func stepCompanyVocabulary(_ context.Context, f *createFacts) *rules.Violation {
	if !entity.IsCompanyAlias(f.Type) {
		return rules.Violationf(rules.ErrValidation, CodeUnknownVocabulary,
			"%q is not a company relationship type", f.Type)
	}
	return nil
}

func stepNotBothOfficials(_ context.Context, f *createFacts) *rules.Violation {
	if f.SenderOfficial && f.RecipientOfficial {
		return rules.Violationf(rules.ErrConflict, CodeBothOfficials,
			"sender and recipient are both officials of %s", f.For)
	}
	return nil
}

func stepOneOfficialParty(_ context.Context, f *createFacts) *rules.Violation {
	if f.SenderOfficial || f.RecipientOfficial || f.SenderAdmin || f.RecipientAdmin {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeNoOfficialParty,
		"neither party is an official of %s or an admin", f.For)
}

func stepAdministratorMustBeAdult(_ context.Context, f *createFacts) *rules.Violation {
	if !entity.IsAdministratorClass(f.Type) {
		return nil
	}
	if f.OtherIsAdult {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeNotAdult,
		"user %s must be an adult to administer %s", f.OtherParty.ID, f.For)
}

func stepOtherNotAlreadyRelated(_ context.Context, f *createFacts) *rules.Violation {
	if f.OtherRelated {
		return rules.Violationf(rules.ErrConflict, CodeAlreadyRelated,
			"user %s is already related to %s", f.OtherParty.ID, f.For)
	}
	return nil
}

func stepManagerAppointsMembersOnly(_ context.Context, f *createFacts) *rules.Violation {
	if !f.OfficialIsMereManager {
		return nil
	}
	if entity.IsMemberClass(f.Type) {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeManagerLimited,
		"a manager of %s may only offer member relationships", f.For)
}

// --- project target ---

func stepProjectVocabulary(_ context.Context, f *createFacts) *rules.Violation {
	if !entity.IsProjectAlias(f.Purpose) {
		return rules.Violationf(rules.ErrValidation, CodeUnknownVocabulary,
			"%q is not a project participation purpose", f.Purpose)
	}
	return nil
}

func stepFacilitatorEligible(_ context.Context, f *createFacts) *rules.Violation {
	if !entity.IsFacilitatorClass(f.Purpose) {
		return nil
	}
	if f.SenderFacilitator {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeNeedFacilitator,
		"user %s needs to be a facilitator", f.From.ID)
}

func stepLearnerEligible(_ context.Context, f *createFacts) *rules.Violation {
	if !entity.IsLearnerClass(f.Purpose) {
		return nil
	}
	if f.SenderStudent {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeNeedStudent,
		"user %s needs to be a student", f.From.ID)
}

// --- user target ---

func stepUserVocabulary(_ context.Context, f *createFacts) *rules.Violation {
	if entity.IsUserRelationType(f.Type) || entity.IsProjectAlias(f.Type) {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeUnknownVocabulary,
		"%q is not a person-to-person relationship type", f.Type)
}

func stepPlainUsers(_ context.Context, f *createFacts) *rules.Violation {
	if f.From.Kind != entity.KindUser || f.To.Kind != entity.KindUser {
		return rules.Violationf(rules.ErrValidation, CodeBadParties,
			"person-to-person relationships connect two users")
	}
	return nil
}

func stepDistinctParties(_ context.Context, f *createFacts) *rules.Violation {
	if f.From.Equal(f.To) {
		return rules.Violationf(rules.ErrValidation, CodeSelfRequest,
			"sender and recipient must differ")
	}
	return nil
}

func stepParentMustBeAdult(_ context.Context, f *createFacts) *rules.Violation {
	if f.ParentParty.IsZero() {
		return nil
	}
	if f.ParentIsAdult {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeNotAdult,
		"user %s must be an adult to assume the parent role", f.ParentParty.ID)
}

var (
	commonCreateSteps = []rules.Step[*createFacts]{
		stepRequestFields,
		stepPartiesExist,
		stepTargetKind,
	}
	companyCreateSteps = []rules.Step[*createFacts]{
		stepCompanyVocabulary,
		stepNotBothOfficials,
		stepOneOfficialParty,
		stepAdministratorMustBeAdult,
		stepOtherNotAlreadyRelated,
		stepManagerAppointsMembersOnly,
	}
	projectCreateSteps = []rules.Step[*createFacts]{
		stepProjectVocabulary,
		stepFacilitatorEligible,
		stepLearnerEligible,
	}
	userCreateSteps = []rules.Step[*createFacts]{
		stepUserVocabulary,
		stepPlainUsers,
		stepDistinctParties,
		stepParentMustBeAdult,
	}
)

// CreateRequest validates eligibility and persists a pending request. Nothing
// is written when any rule fails.
func (e *Engine) CreateRequest(ctx context.Context, from, to, forRef entity.Ref, purpose, reqType string) (Request, error) {
	purpose = entity.Normalize(purpose)
	reqType = entity.Normalize(reqType)

	facts, err := e.gatherCreateFacts(ctx, from, to, forRef, purpose, reqType)
	if err != nil {
		return Request{}, err
	}

	steps := commonCreateSteps
	switch forRef.Kind {
	case entity.KindCompany:
		steps = append(steps[:len(steps):len(steps)], companyCreateSteps...)
	case entity.KindProject:
		steps = append(steps[:len(steps):len(steps)], projectCreateSteps...)
	case entity.KindUser:
		steps = append(steps[:len(steps):len(steps)], userCreateSteps...)
	}
	if err := rules.RunAll(ctx, facts, steps...); err != nil {
		return Request{}, err
	}

	req := Request{
		ID:        ids.New(),
		From:      from,
		To:        to,
		For:       forRef,
		Purpose:   purpose,
		Type:      reqType,
		State:     StatePending,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (e *Engine) gatherCreateFacts(ctx context.Context, from, to, forRef entity.Ref, purpose, reqType string) (*createFacts, error) {
	f := &createFacts{From: from, To: to, For: forRef, Purpose: purpose, Type: reqType}

	var err error
	if f.FromFound, err = e.resolves(ctx, from); err != nil {
		return nil, err
	}
	if f.ToFound, err = e.resolves(ctx, to); err != nil {
		return nil, err
	}
	if f.ForFound, err = e.resolves(ctx, forRef); err != nil {
		return nil, err
	}
	if !f.FromFound || !f.ToFound || !f.ForFound {
		return f, nil
	}

	switch forRef.Kind {
	case entity.KindCompany:
		err = e.gatherCompanyFacts(ctx, f)
	case entity.KindProject:
		err = e.gatherProjectFacts(ctx, f)
	case entity.KindUser:
		err = e.gatherUserFacts(ctx, f)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (e *Engine) gatherCompanyFacts(ctx context.Context, f *createFacts) error {
	var err error
	if f.From.Kind == entity.KindUser {
		if f.SenderOfficial, err = e.dir.IsOfficialOf(ctx, f.From.ID, f.For); err != nil {
			return err
		}
		if f.SenderAdmin, err = e.dir.IsAdmin(ctx, f.From.ID); err != nil {
			return err
		}
	}
	if f.To.Kind == entity.KindUser {
		if f.RecipientOfficial, err = e.dir.IsOfficialOf(ctx, f.To.ID, f.For); err != nil {
			return err
		}
		if f.RecipientAdmin, err = e.dir.IsAdmin(ctx, f.To.ID); err != nil {
			return err
		}
	}

	// The other party is whoever is not established with the company yet.
	official := f.From
	f.OtherParty = f.To
	if !f.SenderOfficial && (f.RecipientOfficial || f.RecipientAdmin) {
		official = f.To
		f.OtherParty = f.From
	}

	if f.OtherParty.Kind == entity.KindUser {
		if f.OtherIsAdult, err = e.dir.IsAdult(ctx, f.OtherParty.ID); err != nil {
			return err
		}
		member, err := e.dir.IsMemberOf(ctx, f.OtherParty.ID, f.For)
		if err != nil {
			return err
		}
		off, err := e.dir.IsOfficialOf(ctx, f.OtherParty.ID, f.For)
		if err != nil {
			return err
		}
		f.OtherRelated = member || off
	}

	if official.Kind == entity.KindUser {
		manager, err := e.dir.IsManagerOf(ctx, official.ID, f.For)
		if err != nil {
			return err
		}
		owner, err := e.dir.IsOwnerOf(ctx, official.ID, f.For)
		if err != nil {
			return err
		}
		admin, err := e.dir.IsAdmin(ctx, official.ID)
		if err != nil {
			return err
		}
		f.OfficialIsMereManager = manager && !owner && !admin
	}
	return nil
}

func (e *Engine) gatherProjectFacts(ctx context.Context, f *createFacts) error {
	if f.From.Kind != entity.KindUser {
		return nil
	}
	var err error
	if f.SenderFacilitator, err = e.dir.IsFacilitator(ctx, f.From.ID); err != nil {
		return err
	}
	f.SenderStudent, err = e.dir.IsStudent(ctx, f.From.ID)
	return err
}

func (e *Engine) gatherUserFacts(ctx context.Context, f *createFacts) error {
	// The type names the role the sender assumes: a "parent" request means
	// the sender becomes parent, a "ward" request makes the recipient the
	// parent. Facilitation arrangements carry no guardianship role.
	switch {
	case f.Type == "parent":
		f.ParentParty = f.From
	case f.Type == "ward":
		f.ParentParty = f.To
	default:
		return nil
	}
	if f.ParentParty.Kind != entity.KindUser {
		return nil
	}
	var err error
	f.ParentIsAdult, err = e.dir.IsAdult(ctx, f.ParentParty.ID)
	return err
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

// respondFacts is the pipeline context for Respond.
type respondFacts struct {
	Responder entity.Ref
	Request   Request
	Response  string

	IsRecipient      bool
	ManagesRecipient bool
	OwnsTarget       bool
	ResponderIsAdmin bool
	RecipientIsUser  bool
}

func stepResponseValue(_ context.Context, f *respondFacts) *rules.Violation {
	if _, ok := ParseResponse(f.Response); ok {
		return nil
	}
	return rules.Violationf(rules.ErrValidation, CodeBadResponse,
		"response must be accepted or declined, got %q", f.Response)
}

func stepNotYetResponded(_ context.Context, f *respondFacts) *rules.Violation {
	if !f.Request.State.Terminal() {
		return nil
	}
	return rules.Violationf(rules.ErrState, CodeAlreadyResponded,
		"request %s was already %s", f.Request.ID, f.Request.State)
}

func stepMayRespond(_ context.Context, f *respondFacts) *rules.Violation {
	if f.IsRecipient || f.ManagesRecipient || f.ResponderIsAdmin {
		return nil
	}
	// A user recipient may be acting on behalf of the target subject (e.g.
	// a facilitator fielding learner requests); the subject's owner can
	// respond in their stead.
	if f.RecipientIsUser && f.OwnsTarget {
		return nil
	}
	return rules.Violationf(rules.ErrAuthorization, CodeNotResponder,
		"user %s may not respond to request %s", f.Responder.ID, f.Request.ID)
}

var respondSteps = []rules.Step[*respondFacts]{
	stepResponseValue,
	stepNotYetResponded,
	stepMayRespond,
}

// Respond transitions a pending request to its terminal state. An accepted
// request materializes the relationship record atomically with the state
// change; a declined one only flips state. Responding twice fails.
func (e *Engine) Respond(ctx context.Context, responder entity.Ref, requestID, response string) (Request, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if errors.Is(err, rules.ErrNotFound) {
		return Request{}, rules.Violationf(rules.ErrNotFound, CodeRequestNotFound,
			"request %s does not exist", requestID)
	}
	if err != nil {
		return Request{}, err
	}

	facts, err := e.gatherRespondFacts(ctx, responder, req, response)
	if err != nil {
		return Request{}, err
	}
	if err := rules.RunAll(ctx, facts, respondSteps...); err != nil {
		return Request{}, err
	}

	state, _ := ParseResponse(response)
	var rec *Record
	if state == StateAccepted {
		if rec, err = e.materialize(ctx, req); err != nil {
			return Request{}, err
		}
	}
	// The store transition is a compare-and-set on PENDING; a concurrent
	// responder that loses the race observes the ErrState violation here.
	return e.store.Transition(ctx, req.ID, state, e.now().UTC(), rec)
}

func (e *Engine) gatherRespondFacts(ctx context.Context, responder entity.Ref, req Request, response string) (*respondFacts, error) {
	f := &respondFacts{
		Responder:       responder,
		Request:         req,
		Response:        response,
		IsRecipient:     req.To.Equal(responder),
		RecipientIsUser: req.To.Kind == entity.KindUser,
	}
	var err error
	if f.ResponderIsAdmin, err = e.dir.IsAdmin(ctx, responder.ID); err != nil {
		return nil, err
	}
	if req.To.Kind == entity.KindCompany || req.To.Kind == entity.KindProject {
		if f.ManagesRecipient, err = e.dir.IsOfficialOf(ctx, responder.ID, req.To); err != nil {
			return nil, err
		}
	}
	if req.For.Kind == entity.KindCompany || req.For.Kind == entity.KindProject {
		if f.OwnsTarget, err = e.dir.IsOwnerOf(ctx, responder.ID, req.For); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// GetRequest loads a request by id.
func (e *Engine) GetRequest(ctx context.Context, id string) (Request, error) {
	req, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, rules.ErrNotFound) {
		return Request{}, rules.Violationf(rules.ErrNotFound, CodeRequestNotFound,
			"request %s does not exist", id)
	}
	return req, err
}

// ListRequests returns requests involving the given entity, newest first.
func (e *Engine) ListRequests(ctx context.Context, involving entity.Ref) ([]Request, error) {
	return e.store.ListRequests(ctx, involving)
}
