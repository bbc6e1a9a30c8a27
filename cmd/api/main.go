package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"communa.org/internal/authn"
	"communa.org/internal/directory"
	"communa.org/internal/feed"
	"communa.org/internal/grants"
	"communa.org/internal/httpapi"
	"communa.org/internal/obs"
	"communa.org/internal/requests"
	"communa.org/internal/store/memory"
	"communa.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		grantStore   grants.Store
		requestStore requests.Store
		dir          directory.Directory
		creds        httpapi.CredentialStore
		ready        httpapi.ReadyProbe
	)

	if dsn := os.Getenv("COMMUNA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.DB().Close()
		grantStore, requestStore, dir, creds = store, store, store, store
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// No DSN: run against the in-process store with a demo dataset.
		store := memory.New()
		seedDemo(store)
		grantStore, requestStore, dir, creds = store, store, store, store
		log.Println("COMMUNA_PG_DSN not set, using in-memory store with demo data")
	}

	grantsEngine, err := grants.NewEngine(grantStore, dir)
	if err != nil {
		log.Fatalf("grants engine: %v", err)
	}
	requestsEngine, err := requests.NewEngine(requestStore, dir)
	if err != nil {
		log.Fatalf("requests engine: %v", err)
	}

	events := feed.New()

	api := httpapi.New(httpapi.Config{
		Ready:       ready,
		Version:     version,
		Grants:      grantsEngine,
		Requests:    requestsEngine,
		Credentials: creds,
		Events:      events,
	})

	var handler http.Handler = api.Handler()
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, 50, 25)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)

	addr := os.Getenv("COMMUNA_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting communa-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// seedDemo loads a small dataset so the API is usable out of the box. All
// demo accounts share the password "communa".
func seedDemo(store *memory.Store) {
	hash, err := authn.HashPassword("communa")
	if err != nil {
		log.Fatalf("seed demo: %v", err)
	}

	store.AddUser(memory.User{ID: "alice", Name: "Alice", PasswordHash: hash, Admin: true, Adult: true})
	store.AddUser(memory.User{ID: "bob", Name: "Bob", PasswordHash: hash, Adult: true, Facilitator: true})
	store.AddUser(memory.User{ID: "carol", Name: "Carol", PasswordHash: hash, Adult: true})
	store.AddUser(memory.User{ID: "dave", Name: "Dave", PasswordHash: hash, Student: true})

	store.AddCompany(memory.Company{ID: "acme", Name: "Acme Community", OwnerID: "carol"})
	store.AddProject(memory.Project{ID: "garden", Name: "Community Garden", CreatorID: "bob"})
}
