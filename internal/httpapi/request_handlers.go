package httpapi

import (
	"net/http"
	"strings"
	"time"

	"communa.org/internal/entity"
	"communa.org/internal/feed"
	"communa.org/internal/obs"
	"communa.org/internal/requests"
)

type createRequestRequest struct {
	To      refPayload `json:"to"`
	For     refPayload `json:"for"`
	Purpose string     `json:"purpose"`
	Type    string     `json:"type"`
}

type respondRequest struct {
	Response string `json:"response"`
}

type listRequestsResponse struct {
	Items []requests.Request `json:"items"`
	AsOf  time.Time          `json:"as_of"`
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRequest(w, r)
	case http.MethodGet:
		a.listRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/response"); ok {
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "request not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.respond(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getRequest(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := req.To.parse("to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target, err := req.For.parse("for")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.requests.CreateRequest(r.Context(), actor, to, target, req.Purpose, req.Type)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.RequestCreated(string(target.Kind))
	if a.events != nil {
		a.events.Publish(feed.FromRequest(created))
	}
	a.audit(r, "requests.create", "request", created.ID, map[string]string{
		"to":      to.String(),
		"for":     target.String(),
		"purpose": created.Purpose,
		"type":    created.Type,
	})

	w.Header().Set("Location", "/v1/requests/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := a.requests.GetRequest(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// listRequests returns the requests in which the given party appears as
// sender, recipient or target. Defaults to the acting user.
func (a *API) listRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	involving := actor
	q := r.URL.Query()
	if kind := q.Get("involving_kind"); kind != "" || q.Get("involving_id") != "" {
		ref, err := entity.ParseRef(kind, q.Get("involving_id"))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "involving: "+err.Error())
			return
		}
		involving = ref
	}

	items, err := a.requests.ListRequests(r.Context(), involving)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listRequestsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorRef(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req respondRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := a.requests.Respond(r.Context(), actor, id, req.Response)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.RequestResponded(string(updated.State))
	if a.events != nil {
		a.events.Publish(feed.FromRequest(updated))
	}
	a.audit(r, "requests.respond", "request", updated.ID, map[string]string{
		"state": string(updated.State),
	})

	writeJSON(w, http.StatusOK, updated)
}
