package httpapi

import (
	"net/http"
	"strings"
	"time"

	"communa.org/internal/entity"
	"communa.org/internal/grants"
	"communa.org/internal/obs"
)

type createGrantRequest struct {
	Subject    refPayload `json:"subject"`
	Principal  refPayload `json:"principal"`
	Capability refPayload `json:"capability"`
}

type listGrantsResponse struct {
	Items []grants.Grant `json:"items"`
	Page  int            `json:"page"`
	AsOf  time.Time      `json:"as_of"`
}

type setRolePermissionsRequest struct {
	Permissions []refPayload `json:"permissions"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrant(w, r)
	case http.MethodGet:
		a.listGrants(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleGrantResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/grants/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		a.revokeGrant(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

// handleRoleResource serves PUT /v1/roles/{id}/permissions.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	id, rest, found := strings.Cut(path, "/")
	if !found || rest != "permissions" || id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	a.setRolePermissions(w, r, id)
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject, err := req.Subject.parse("subject")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := req.Principal.parse("principal")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	capability, err := req.Capability.parse("capability")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	grant, err := a.grants.CreateGrant(r.Context(), actor, subject, principal, capability)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.GrantCreated()
	a.audit(r, "grants.create", "grant", grant.ID, map[string]string{
		"subject":    subject.String(),
		"principal":  principal.String(),
		"capability": capability.String(),
	})

	w.Header().Set("Location", "/v1/grants/"+grant.ID)
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	var f grants.Filter
	if kind := q.Get("subject_kind"); kind != "" || q.Get("subject_id") != "" {
		ref, err := entity.ParseRef(kind, q.Get("subject_id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "subject: "+err.Error())
			return
		}
		f.Subject = ref
	}
	if kind := q.Get("principal_kind"); kind != "" || q.Get("principal_id") != "" {
		ref, err := entity.ParseRef(kind, q.Get("principal_id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "principal: "+err.Error())
			return
		}
		f.Principal = ref
	}
	f.Name = strings.TrimSpace(q.Get("name"))
	f.NameLike = strings.TrimSpace(q.Get("name_like"))
	if class := strings.TrimSpace(q.Get("class")); class != "" {
		kind, err := entity.ParseKind(class)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "class: "+err.Error())
			return
		}
		f.Class = kind
	}
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page: "+err.Error())
		return
	}
	f.Page = page
	perPage, err := parsePositiveInt(q.Get("per_page"), 0, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "per_page: "+err.Error())
		return
	}
	f.PerPage = perPage

	items, err := a.grants.ListGrants(r.Context(), actor, f)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listGrantsResponse{
		Items: items,
		Page:  page,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.grants.RevokeGrant(r.Context(), actor, id); err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.GrantRevoked()
	a.audit(r, "grants.revoke", "grant", id, nil)

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perms := make([]entity.Ref, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		ref, err := p.parse("permissions")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perms = append(perms, ref)
	}

	if err := a.grants.SetRolePermissions(r.Context(), actor, roleID, perms); err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.audit(r, "grants.role.permissions", "role", roleID, nil)

	w.WriteHeader(http.StatusNoContent)
}
