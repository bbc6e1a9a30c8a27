// Package httpapi exposes the authorization and relationship engines over
// HTTP. Routing is a plain ServeMux; every mutating handler resolves the
// acting user from the bearer token and passes it to the engines as the
// actor reference.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"communa.org/internal/feed"
	"communa.org/internal/grants"
	"communa.org/internal/obs"
	"communa.org/internal/requests"
)

// CredentialStore looks up the stored password hash and admin flag for a
// user. Both the in-memory and the Postgres store implement it.
type CredentialStore interface {
	Credentials(ctx context.Context, userID string) (hash string, admin bool, err error)
}

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the API needs.
type Config struct {
	Ready       ReadyProbe
	Version     string
	Grants      *grants.Engine
	Requests    *requests.Engine
	Credentials CredentialStore
	Events      *feed.Feed
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	grants     *grants.Engine
	requests   *requests.Engine
	creds      CredentialStore
	events     *feed.Feed
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.Ready,
		version:    cfg.Version,
		grants:     cfg.Grants,
		requests:   cfg.Requests,
		creds:      cfg.Credentials,
		events:     cfg.Events,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token issuance
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// authorization grants
	a.mux.HandleFunc("/v1/grants", a.handleGrantsCollection)
	a.mux.HandleFunc("/v1/grants/", a.handleGrantResource)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)

	// relationship requests
	a.mux.HandleFunc("/v1/requests", a.handleRequestsCollection)
	a.mux.HandleFunc("/v1/requests/", a.handleRequestResource)

	// request lifecycle feed (SSE)
	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler: metrics instrumentation on
// the outside, then request identity, then authentication.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "communa-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "communa-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
