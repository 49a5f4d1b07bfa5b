// Package executor runs account runs: it admits them against the parallel
// and runtime limits, drives the strategy's actions through a browser
// driver one at a time per account, and rolls results up into the run.
//
// Account runs arrive as vtq jobs. A job whose schedule is at its parallel
// limit is deferred rather than failed. A job redelivered after a crash
// resumes the account run: actions are keyed by idempotency key, so the
// finished ones are reused and only the rest execute.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/fanout"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/vault"
	"github.com/hazyhaar/socialpilot/vtq"
)

// Precondition error codes recorded on account runs.
const (
	CodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	CodeAccountNotActive  = "ACCOUNT_NOT_ACTIVE"
	CodeCredentialMissing = "CREDENTIAL_MISSING"
	CodeDecryptFailed     = "CREDENTIAL_DECRYPT_FAILED"
	CodeStrategyInvalid   = "STRATEGY_INVALID"
	CodeQuotaExhausted    = "QUOTA_EXHAUSTED"
	CodeSubInactive       = "SUBSCRIPTION_INACTIVE"
	CodeCanceled          = "CANCELED"
	CodeHealthCheckFailed = "HEALTH_CHECK_FAILED"
	CodeActionFailed      = "ACTION_FAILED"
	CodeRedelivered       = "REDELIVERY_EXHAUSTED"
)

// errAccountBusy means another account run held the account lease for the
// whole wait.
var errAccountBusy = errors.New("executor: account busy")

// errActionInFlight means an action this account run needs is still being
// executed by another account run; its outcome is reused once it settles.
var errActionInFlight = errors.New("executor: action in flight elsewhere")

// errRunCanceled is the cancel cause CancelRun gives in-flight account runs.
var errRunCanceled = errors.New("executor: run canceled")

func canceledRun(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errRunCanceled)
}

// Config wires the executor.
type Config struct {
	Store    *store.Store
	Driver   browser.Driver
	Vault    *vault.Vault
	Guard    *quota.Guard
	Recorder *recorder.Recorder
	// Queue is needed by Run and for visibility heartbeats. Optional for
	// direct ExecuteAccountRun calls.
	Queue *vtq.Q

	// Workers bounds concurrent account runs in this process. Default: 4.
	Workers int
	// Visibility must match the queue's visibility; the handler extends the
	// job by this much while it works. Default: 5m.
	Visibility time.Duration
	// LeaseTTL is the per-account lock hold time, renewed while an action
	// runs. Default: 2m.
	LeaseTTL time.Duration
	// LeaseWait is how long an action waits for the account lock before the
	// job is deferred. Default: LeaseTTL.
	LeaseWait time.Duration
	// LeasePoll is the delay between lock attempts. Default: 500ms.
	LeasePoll time.Duration
	// DeferDelay hides a job that could not start. Default: 15s.
	DeferDelay time.Duration
	// Retry is applied to transient driver failures. Default: 3 attempts,
	// 2s base backoff.
	Retry connectivity.Policy
	// ArtifactsDir receives screenshots. Empty disables them.
	ArtifactsDir string
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Visibility <= 0 {
		c.Visibility = 5 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.LeaseWait <= 0 {
		c.LeaseWait = c.LeaseTTL
	}
	if c.LeasePoll <= 0 {
		c.LeasePoll = 500 * time.Millisecond
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 15 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Retry.Logger = c.Logger
	c.Retry.Retryable = func(err error) bool {
		var te *transientError
		return errors.As(err, &te)
	}
}

// Executor executes account runs.
type Executor struct {
	cfg    Config
	st     *store.Store
	logger *slog.Logger

	mu sync.Mutex
	// inflight maps run id -> account run id -> cancel of its context, so
	// CancelRun can abort actions executing in this process.
	inflight map[string]map[string]context.CancelCauseFunc
}

// New validates cfg and returns an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil || cfg.Driver == nil || cfg.Vault == nil || cfg.Guard == nil || cfg.Recorder == nil {
		return nil, errors.New("executor: store, driver, vault, guard and recorder are required")
	}
	cfg.defaults()
	return &Executor{
		cfg:      cfg,
		st:       cfg.Store,
		logger:   cfg.Logger,
		inflight: make(map[string]map[string]context.CancelCauseFunc),
	}, nil
}

// Run consumes the account run queue until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	if e.cfg.Queue == nil {
		return errors.New("executor: no queue configured")
	}
	e.cfg.Queue.RunBatch(ctx, e.cfg.Workers, e.Handle)
	return nil
}

// Handle is the vtq handler for account run jobs.
func (e *Executor) Handle(ctx context.Context, job *vtq.Job) error {
	id, ok := e.accountRunID(job)
	if !ok {
		return nil
	}
	if e.cfg.Queue != nil {
		stop := e.heartbeat(ctx, job.ID)
		defer stop()
	}
	return e.ExecuteAccountRun(ctx, id)
}

// Discard is the queue's OnDiscard hook: a job the queue gave up on after
// too many failed deliveries fails its account run, so the run can still
// finalize instead of staying running forever.
func (e *Executor) Discard(ctx context.Context, job *vtq.Job) {
	id, ok := e.accountRunID(job)
	if !ok {
		return
	}
	ar, err := e.st.GetAccountRun(ctx, id)
	if err != nil {
		e.logger.Error("executor: discard: load account run", "account_run_id", id, "error", err)
		return
	}
	if ar == nil || store.IsTerminalRun(ar.Status) {
		return
	}
	e.logger.Warn("executor: account run redelivered too often, failing",
		"account_run_id", id, "attempts", job.Attempts)
	if err := e.failAccountRun(ctx, ar, store.NonTerminal(), CodeRedelivered); err != nil {
		e.logger.Error("executor: discard", "account_run_id", id, "error", err)
	}
}

func (e *Executor) accountRunID(job *vtq.Job) (string, bool) {
	var j fanout.Job
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			e.logger.Error("executor: bad job payload, dropping", "job_id", job.ID, "error", err)
			return "", false
		}
	}
	if j.AccountRunID == "" {
		j.AccountRunID = job.ID
	}
	return j.AccountRunID, true
}

// heartbeat keeps a long account run invisible to other workers.
func (e *Executor) heartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.cfg.Visibility / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := e.cfg.Queue.Extend(ctx, jobID, e.cfg.Visibility); err != nil {
					e.logger.Warn("executor: extend job failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done); wg.Wait() }
}

func (e *Executor) track(runID, arID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.inflight[runID]
	if m == nil {
		m = make(map[string]context.CancelCauseFunc)
		e.inflight[runID] = m
	}
	m[arID] = cancel
}

func (e *Executor) untrack(runID, arID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m := e.inflight[runID]; m != nil {
		delete(m, arID)
		if len(m) == 0 {
			delete(e.inflight, runID)
		}
	}
}

// abort cancels the in-process account runs of runID.
func (e *Executor) abort(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, cancel := range e.inflight[runID] {
		cancel(errRunCanceled)
		n++
	}
	return n
}

// ExecuteAccountRun admits and executes one account run. A *vtq.DeferError
// return asks the queue to retry later; other errors are infrastructure
// failures and the job is redelivered.
func (e *Executor) ExecuteAccountRun(ctx context.Context, id string) error {
	ar, err := e.st.GetAccountRun(ctx, id)
	if err != nil {
		return fmt.Errorf("executor: load account run: %w", err)
	}
	if ar == nil {
		e.logger.Warn("executor: account run not found, dropping", "account_run_id", id)
		return nil
	}
	if store.IsTerminalRun(ar.Status) {
		return e.FinalizeRun(ctx, ar.RunID)
	}
	run, err := e.st.GetRun(ctx, ar.RunID)
	if err != nil {
		return fmt.Errorf("executor: load run: %w", err)
	}
	if run == nil {
		return nil
	}
	if run.Status == store.RunCanceled {
		return e.cancelAccountRun(ctx, ar)
	}

	if ar.Status == store.RunPending {
		started, err := e.admit(ctx, run, ar)
		if err != nil || !started {
			return err
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.track(run.ID, ar.ID, cancel)
	defer e.untrack(run.ID, ar.ID)

	err = e.execute(runCtx, run, ar)
	if ctx.Err() != nil {
		// Shutdown: leave the account run running for redelivery.
		return ctx.Err()
	}
	if errors.Is(err, errAccountBusy) {
		return vtq.Defer(e.cfg.DeferDelay, "account busy")
	}
	if errors.Is(err, errActionInFlight) {
		return vtq.Defer(e.cfg.DeferDelay, "action in flight elsewhere")
	}
	return err
}

// admit moves a pending account run to running once the runtime quota and
// the parallel limit allow it. It reports false when the account run was
// failed or taken by someone else, and returns a DeferError at the limit.
func (e *Executor) admit(ctx context.Context, run *store.Run, ar *store.AccountRun) (bool, error) {
	d, err := e.cfg.Guard.CanAdmit(ctx, run.WorkspaceID, quota.ResourceRuntime)
	if err != nil {
		return false, fmt.Errorf("executor: quota: %w", err)
	}
	if !d.Allowed {
		code := CodeSubInactive
		if d.Reason == quota.ReasonQuotaExhausted {
			code = CodeQuotaExhausted
		}
		e.logger.Info("executor: account run denied", "account_run_id", ar.ID, "reason", d.Reason)
		return false, e.failAccountRun(ctx, ar, []string{store.RunPending}, code)
	}

	limit := 0
	if run.ScheduleID != "" {
		sched, err := e.st.GetSchedule(ctx, run.ScheduleID)
		if err != nil {
			return false, fmt.Errorf("executor: load schedule: %w", err)
		}
		sub, err := e.st.GetSubscription(ctx, run.WorkspaceID)
		if err != nil {
			return false, fmt.Errorf("executor: load subscription: %w", err)
		}
		maxParallel := 1
		if sched != nil {
			maxParallel = sched.MaxParallel
		}
		limit = quota.EffectiveParallel(sub, maxParallel)
	}

	deferred, started := false, false
	err = e.st.Tx(ctx, func(tx *store.Store) error {
		deferred, started = false, false
		if limit > 0 {
			n, err := tx.CountRunningAccountRuns(ctx, run.ScheduleID)
			if err != nil {
				return err
			}
			if n >= limit {
				deferred = true
				return nil
			}
		}
		ok, err := tx.TransitionAccountRun(ctx, ar.ID, []string{store.RunPending}, store.RunRunning, "")
		if err != nil || !ok {
			return err
		}
		started = true
		_, err = tx.TransitionRun(ctx, run.ID, []string{store.RunPending}, store.RunRunning, "")
		return err
	})
	if err != nil {
		return false, fmt.Errorf("executor: admit: %w", err)
	}
	if deferred {
		e.logger.Debug("executor: parallel limit reached, deferring", "account_run_id", ar.ID, "limit", limit)
		return false, vtq.Defer(e.cfg.DeferDelay, "parallel limit reached")
	}
	if started {
		ar.Status = store.RunRunning
	}
	return started, nil
}

// failAccountRun fails ar if its status is in from, skips its pending
// actions and finalizes the run.
func (e *Executor) failAccountRun(ctx context.Context, ar *store.AccountRun, from []string, code string) error {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.st.TransitionAccountRun(ctx, ar.ID, from, store.RunFailed, code); err != nil {
		return fmt.Errorf("executor: fail account run: %w", err)
	}
	if _, err := e.st.SkipPendingActions(ctx, ar.ID, code); err != nil {
		return fmt.Errorf("executor: skip actions: %w", err)
	}
	e.logger.Info("executor: account run failed", "account_run_id", ar.ID, "error_code", code)
	return e.FinalizeRun(ctx, ar.RunID)
}

func (e *Executor) cancelAccountRun(ctx context.Context, ar *store.AccountRun) error {
	if _, err := e.st.TransitionAccountRun(ctx, ar.ID, store.NonTerminal(), store.RunCanceled, CodeCanceled); err != nil {
		return fmt.Errorf("executor: cancel account run: %w", err)
	}
	if _, err := e.st.SkipPendingActions(ctx, ar.ID, CodeCanceled); err != nil {
		return fmt.Errorf("executor: skip actions: %w", err)
	}
	return e.FinalizeRun(ctx, ar.RunID)
}

// transientError marks a driver failure worth retrying.
type transientError struct{ code string }

func (e *transientError) Error() string { return "executor: transient driver error " + e.code }
