// Package api is the REST surface of the orchestrator consumed by the admin
// console: authentication, administration, social accounts and login
// sessions, strategies, schedules, runs and artifacts.
//
// Every route except /healthz and /auth/* requires a bearer access token.
// Handlers resolve the caller's workspace from the token; rows of other
// workspaces answer 404.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/auth"
	"github.com/hazyhaar/socialpilot/horosafe"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/keyed"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/loginsession"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/scheduler"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/shield"
)

// RunCanceler applies the run cancellation cascade. *executor.Executor
// satisfies it.
type RunCanceler interface {
	CancelRun(ctx context.Context, runID string) (*store.Run, error)
}

// Config wires the API to the orchestrator components.
type Config struct {
	Store     *store.Store
	Guard     *quota.Guard
	Recorder  *recorder.Recorder
	Scheduler *scheduler.Scheduler
	Runs      RunCanceler
	Sessions  *loginsession.Broker

	// JWTSecret signs access tokens. It must pass horosafe.ValidateSecret.
	JWTSecret []byte
	// RefreshPepper keys the refresh token hashes.
	RefreshPepper []byte
	// AccessTTL defaults to 30m, RefreshTTL to 14 days.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// ArtifactsDir is where artifact storage keys resolve.
	ArtifactsDir string
	// RateLimiter is optional.
	RateLimiter *shield.RateLimiter
	// WatchInterval is the re-read period of the login session watch.
	// Default: 2s.
	WatchInterval time.Duration
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 30 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 14 * 24 * time.Hour
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// API is the console HTTP handler.
type API struct {
	cfg    Config
	st     *store.Store
	logger *slog.Logger
	router chi.Router
	// locks serializes quota-checked inserts per workspace and resource.
	locks keyed.Mutex
}

// New validates cfg and builds the router.
func New(cfg Config) (*API, error) {
	if cfg.Store == nil || cfg.Guard == nil || cfg.Recorder == nil || cfg.Scheduler == nil || cfg.Runs == nil || cfg.Sessions == nil {
		return nil, errors.New("api: store, guard, recorder, scheduler, runs and sessions are required")
	}
	if err := horosafe.ValidateSecret(cfg.JWTSecret); err != nil {
		return nil, err
	}
	if len(cfg.RefreshPepper) == 0 {
		return nil, errors.New("api: refresh pepper is required")
	}
	cfg.defaults()
	a := &API{cfg: cfg, st: cfg.Store, logger: cfg.Logger}
	a.router = a.routes()
	return a, nil
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(a.cfg.RateLimiter) {
		r.Use(mw)
	}
	r.Use(auth.Middleware(a.cfg.JWTSecret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
	})

	// Browsers cannot set headers on a websocket upgrade.
	r.With(queryToken, auth.Middleware(a.cfg.JWTSecret), auth.RequireAuth).
		Get("/login-sessions/{id}/watch", a.handleWatchLoginSession)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/me", a.handleMe)
		r.Post("/me/password", a.handleChangePassword)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/users", a.handleListUsers)
			r.Post("/users", a.handleCreateUser)
			r.Patch("/users/{id}", a.handleUpdateUser)
			r.Delete("/users/{id}", a.handleDeleteUser)
			r.Post("/users/{id}/reset-password", a.handleResetPassword)
			r.Get("/audit-logs", a.handleListAudit)
			r.Get("/subscription", a.handleGetSubscription)
			r.Put("/subscription", a.handlePutSubscription)
		})

		r.Get("/social-accounts", a.handleListAccounts)
		r.Post("/social-accounts", a.handleCreateAccount)
		r.Get("/social-accounts/{id}", a.handleGetAccount)
		r.Patch("/social-accounts/{id}", a.handleUpdateAccount)
		r.Post("/social-accounts/{id}/login-sessions", a.handleCreateLoginSession)

		r.Get("/login-sessions/{id}", a.handleGetLoginSession)
		r.Post("/login-sessions/{id}/finalize", a.handleFinalizeLoginSession)
		r.Post("/login-sessions/{id}/cancel", a.handleCancelLoginSession)

		r.Get("/strategies", a.handleListStrategies)
		r.Post("/strategies", a.handleCreateStrategy)
		r.Get("/strategies/{id}", a.handleGetStrategy)
		r.Patch("/strategies/{id}", a.handleUpdateStrategy)

		r.Get("/schedules", a.handleListSchedules)
		r.Post("/schedules", a.handleCreateSchedule)
		r.Get("/schedules/{id}", a.handleGetSchedule)
		r.Patch("/schedules/{id}", a.handleUpdateSchedule)
		r.Post("/schedules/{id}/run-now", a.handleRunNow)

		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Post("/runs/{id}/cancel", a.handleCancelRun)

		r.Get("/artifacts/{id}/download", a.handleDownloadArtifact)
	})
	return r
}

// queryToken promotes ?access_token= to the Authorization header when the
// header is absent.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := r.URL.Query().Get("access_token"); tok != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
		next.ServeHTTP(w, r)
	})
}
