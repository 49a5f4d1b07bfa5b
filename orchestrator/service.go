// Package orchestrator composes the automation service: the SQLite store,
// the account run queue, the schedule engine, the action executor, the
// login session broker, retention maintenance and the console REST API.
//
// Usage:
//
//	svc, err := orchestrator.New(cfg, logger)
//	defer svc.Close()
//	svc.Start(ctx)
//	http.ListenAndServe(":"+cfg.Port, svc.Handler())
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/hazyhaar/socialpilot/auth"
	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/browsernode"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/dbopen"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/api"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/executor"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/fanout"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/loginsession"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/maintenance"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/scheduler"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/vault"
	"github.com/hazyhaar/socialpilot/shield"
	"github.com/hazyhaar/socialpilot/vtq"
)

// QueueName is the vtq queue holding one job per account run.
const QueueName = "account_runs"

// backend is what the executor and the broker drive.
type backend interface {
	browser.Driver
	browser.SessionBrowser
}

// Service is the assembled orchestrator.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	db       *sql.DB
	store    *store.Store
	queue    *vtq.Q
	recorder *recorder.Recorder
	chrome   *browser.Manager

	executor    *executor.Executor
	scheduler   *scheduler.Scheduler
	fanout      *fanout.Fanout
	sessions    *loginsession.Broker
	maintenance *maintenance.Maintainer
	limiter     *shield.RateLimiter
	api         *api.API

	// stop cancels the loops launched by Start; wg tracks them so Close can
	// drain in-flight work before the database goes away.
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New opens the database, applies the schema and wires every component.
// Nothing runs until Start.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open db: %w", err)
	}
	svc := &Service{cfg: cfg, logger: logger, db: db}
	if err := svc.wire(); err != nil {
		db.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) wire() error {
	ctx := context.Background()
	cfg := s.cfg

	s.store = store.NewStore(s.db)
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("orchestrator: init schema: %w", err)
	}
	s.queue = vtq.New(s.db, vtq.Options{
		Queue:       QueueName,
		Visibility:  cfg.Executor.Visibility,
		MaxAttempts: cfg.Executor.MaxDeliveries,
		OnDiscard:   func(ctx context.Context, job *vtq.Job) { s.executor.Discard(ctx, job) },
		Logger:      s.logger,
	})
	if err := s.queue.EnsureTable(ctx); err != nil {
		return fmt.Errorf("orchestrator: init queue: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactsDir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: artifacts dir: %w", err)
	}

	v, err := vault.New(cfg.CredentialKey)
	if err != nil {
		return err
	}
	be, err := s.backend()
	if err != nil {
		return err
	}

	s.recorder = recorder.New(s.store, 1024, s.logger)
	guard := quota.New(s.store)
	s.fanout = fanout.New(s.store, s.queue, s.logger)

	s.executor, err = executor.New(executor.Config{
		Store: s.store, Driver: be, Vault: v, Guard: guard, Recorder: s.recorder, Queue: s.queue,
		Workers:      cfg.Executor.Workers,
		Visibility:   cfg.Executor.Visibility,
		LeaseTTL:     cfg.Executor.LeaseTTL,
		Retry:        connectivity.Policy{MaxAttempts: cfg.Executor.MaxAttempts, BaseBackoff: cfg.Executor.BaseBackoff},
		ArtifactsDir: cfg.ArtifactsDir,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	s.scheduler = scheduler.New(scheduler.Config{
		Store: s.store, Guard: guard, Fanout: s.fanout, Recorder: s.recorder,
		Interval: cfg.Scheduler.Interval, Batch: cfg.Scheduler.Batch, Logger: s.logger,
	})
	s.sessions, err = loginsession.New(loginsession.Config{
		Store: s.store, Browser: be, Vault: v, Guard: guard, Recorder: s.recorder,
		TTL: cfg.Login.TTL, PollInterval: cfg.Login.PollInterval, Logger: s.logger,
	})
	if err != nil {
		return err
	}
	s.maintenance = maintenance.New(maintenance.Config{
		Store: s.store, Sessions: s.sessions, ArtifactsDir: cfg.ArtifactsDir,
		Interval: cfg.Maintenance.Interval, Logger: s.logger,
	})

	s.limiter = shield.NewRateLimiter(cfg.RateLimits)
	s.api, err = api.New(api.Config{
		Store: s.store, Guard: guard, Recorder: s.recorder, Scheduler: s.scheduler,
		Runs: s.executor, Sessions: s.sessions,
		JWTSecret:     cfg.JWTKey(),
		RefreshPepper: []byte(cfg.RefreshPepper),
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		ArtifactsDir:  cfg.ArtifactsDir,
		RateLimiter:   s.limiter,
		Logger:        s.logger,
	})
	return err
}

// backend picks the in-process Chrome cluster or a remote browser node.
func (s *Service) backend() (backend, error) {
	bc := s.cfg.Browser
	if bc.Mode == BrowserRemote {
		return browsernode.NewClient(browsernode.ClientConfig{BaseURL: bc.NodeURL, Token: bc.NodeToken, Logger: s.logger})
	}
	s.chrome = browser.NewManager(browser.Config{
		RemoteURL:     bc.ChromeRemoteURL,
		Headless:      bc.Headless,
		Display:       bc.Display,
		RemoteViewURL: bc.RemoteViewURL,
		Logger:        s.logger,
	})
	return browser.NewCluster(s.chrome), nil
}

// Start recovers runs interrupted by a restart and launches the background
// loops. They stop when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s.chrome != nil {
		if _, err := s.chrome.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start chrome: %w", err)
		}
	}

	recovered, err := s.fanout.Recover(ctx)
	if err != nil {
		return err
	}
	for _, run := range recovered {
		if err := s.executor.FinalizeRun(ctx, run.ID); err != nil {
			s.logger.Warn("orchestrator: finalize recovered run failed", "run_id", run.ID, "error", err)
		}
	}
	if len(recovered) > 0 {
		s.logger.Info("orchestrator: runs recovered", "count", len(recovered))
	}

	ctx, s.stop = context.WithCancel(ctx)
	s.spawn(func() {
		if err := s.executor.Run(ctx); err != nil {
			s.logger.Error("orchestrator: executor stopped", "error", err)
		}
	})
	s.spawn(func() { s.scheduler.Run(ctx) })
	s.spawn(func() { s.maintenance.Run(ctx) })
	if s.cfg.Login.AutoCapture {
		s.spawn(func() { s.sessions.RunAutoCapture(ctx) })
	}
	s.limiter.StartGC(ctx.Done())

	s.logger.Info("orchestrator: started", "db", s.cfg.DBPath, "browser_mode", s.cfg.Browser.Mode)
	return nil
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Handler is the console REST API.
func (s *Service) Handler() http.Handler { return s.api }

// Store returns the persistence layer for admin commands.
func (s *Service) Store() *store.Store { return s.store }

// Maintenance returns the retention maintainer for one-shot passes.
func (s *Service) Maintenance() *maintenance.Maintainer { return s.maintenance }

// SeedAdmin creates a workspace and its first admin when no admin exists
// anywhere. It reports whether a user was created.
func (s *Service) SeedAdmin(ctx context.Context, workspace, email, password string) (bool, error) {
	n, err := s.store.CountAdmins(ctx)
	if err != nil {
		return false, fmt.Errorf("orchestrator: count admins: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if err := auth.ValidateNewPassword(password); err != nil {
		return false, fmt.Errorf("orchestrator: admin password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	err = s.store.Tx(ctx, func(tx *store.Store) error {
		ws, err := tx.CreateWorkspace(ctx, workspace)
		if err != nil {
			return err
		}
		return tx.CreateUser(ctx, &store.User{
			WorkspaceID: ws.ID, Email: email, PasswordHash: hash,
			Role: auth.RoleAdmin, Status: store.UserActive,
		})
	})
	if err != nil {
		return false, fmt.Errorf("orchestrator: seed admin: %w", err)
	}
	s.logger.Info("orchestrator: admin seeded", "email", store.NormalizeEmail(email), "workspace", workspace)
	return true, nil
}

// Close stops the background loops and waits for in-flight account runs to
// settle, then flushes pending audit entries, stops Chrome and closes the
// database.
func (s *Service) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	if s.recorder != nil {
		s.recorder.Close()
	}
	if s.chrome != nil {
		s.chrome.Close()
	}
	return s.db.Close()
}
