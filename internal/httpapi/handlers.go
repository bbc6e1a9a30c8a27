package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"communa.org/internal/audit"
	"communa.org/internal/authn"
	"communa.org/internal/entity"
	"communa.org/internal/obs"
	"communa.org/internal/rules"
)

// refPayload is how the transport spells an entity reference.
type refPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (p refPayload) parse(field string) (entity.Ref, error) {
	ref, err := entity.ParseRef(p.Kind, p.ID)
	if err != nil {
		return entity.Ref{}, errors.New(field + ": " + err.Error())
	}
	return ref, nil
}

// actorRef resolves the authenticated caller into a user reference.
func actorRef(r *http.Request) (entity.Ref, bool) {
	userID, ok := authn.UserIDFromContext(r.Context())
	if !ok {
		return entity.Ref{}, false
	}
	return entity.NewRef(entity.KindUser, userID), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// handleDomainError maps engine errors onto HTTP statuses. Rule violations
// carry a machine-readable reason code alongside the message.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, rules.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rules.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, rules.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, rules.ErrConflict), errors.Is(err, rules.ErrState):
		status = http.StatusConflict
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	payload := map[string]any{
		"error": err.Error(),
	}
	if code := rules.CodeOf(err); code != "" {
		payload["code"] = string(code)
		obs.RuleViolation(string(code))
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func (a *API) audit(r *http.Request, event, objectKind, objectID string, meta map[string]string) {
	fields := map[string]any{
		objectKind: objectID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(r.Context(), event, fields)
}
