package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/connectivity"
	"github.com/hazyhaar/socialpilot/horosafe"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/strategy"
)

// accountRun is the working state of one account run execution.
type accountRun struct {
	run   *store.Run
	ar    *store.AccountRun
	acct  *store.SocialAccount
	cfg   strategy.Config
	state browser.StorageState
	fp    *browser.Fingerprint
	scope strategy.Scope
	seq   int
	// stopCode is set once the remaining actions must not run.
	stopCode string
}

// step pairs a stored action with the spec that produced it.
type step struct {
	action  *store.Action
	spec    strategy.Spec
	created bool
}

// execute runs a started account run to its final status.
func (e *Executor) execute(ctx context.Context, run *store.Run, ar *store.AccountRun) error {
	rs, code, err := e.prepare(ctx, run, ar)
	if err != nil {
		return err
	}
	if code != "" {
		return e.failAccountRun(ctx, ar, []string{store.RunRunning}, code)
	}

	health, err := e.runSpecs(ctx, rs, []strategy.Spec{strategy.HealthCheck(rs.scope)})
	if err != nil {
		return err
	}
	if len(health) == 1 && health[0].Status == store.ActionFailed {
		code := health[0].ErrorCode
		if code == "" {
			code = CodeHealthCheckFailed
		}
		if code == browser.CodeAuthRequired {
			e.markNeedsLogin(ctx, rs)
		}
		return e.failAccountRun(ctx, ar, []string{store.RunRunning}, code)
	}
	if err := e.st.TouchHealth(ctx, rs.acct.ID); err != nil {
		e.logger.Warn("executor: touch health failed", "account_id", rs.acct.ID, "error", err)
	}

	var work []*store.Action
	if rs.cfg.IsSearch() {
		collect, err := e.runSpecs(ctx, rs, []strategy.Spec{rs.cfg.SearchCollect(rs.scope)})
		if err != nil {
			return err
		}
		work = collect
		if len(collect) == 1 && collect[0].Status == store.ActionSucceeded && rs.stopCode == "" {
			cands, err := browser.CandidatesFrom(collect[0].Metadata)
			if err != nil {
				e.logger.Warn("executor: bad candidates", "action_id", collect[0].ID, "error", err)
			}
			follow, err := e.runSpecs(ctx, rs, rs.cfg.FollowUps(rs.scope, cands))
			if err != nil {
				return err
			}
			if len(follow) > 0 {
				work = follow
			}
		}
	} else {
		work, err = e.runSpecs(ctx, rs, rs.cfg.DirectSpecs(rs.scope))
		if err != nil {
			return err
		}
	}

	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if !canceledRun(ctx) {
			// Shutdown: the account run stays running and is redelivered.
			return ctx.Err()
		}
		rs.stopCode = CodeCanceled
	}
	if rs.stopCode != "" {
		if _, err := e.st.SkipPendingActions(wctx, ar.ID, rs.stopCode); err != nil {
			return fmt.Errorf("executor: skip actions: %w", err)
		}
	}
	if rs.stopCode == browser.CodeAuthRequired {
		e.markNeedsLogin(wctx, rs)
	}

	status, code := aggregate(work)
	if ok, err := e.st.TransitionAccountRun(wctx, ar.ID, []string{store.RunRunning}, status, code); err != nil {
		return fmt.Errorf("executor: finish account run: %w", err)
	} else if ok {
		e.logger.Info("executor: account run finished", "account_run_id", ar.ID, "status", status, "actions", len(work))
	}
	return e.FinalizeRun(wctx, run.ID)
}

// prepare checks the preconditions of an account run. A non-empty code
// fails the account run without executing anything.
func (e *Executor) prepare(ctx context.Context, run *store.Run, ar *store.AccountRun) (*accountRun, string, error) {
	acct, err := e.st.GetAccount(ctx, ar.SocialAccountID)
	if err != nil {
		return nil, "", fmt.Errorf("executor: load account: %w", err)
	}
	if acct == nil {
		return nil, CodeAccountNotFound, nil
	}
	if acct.Status != store.AccountActive {
		return nil, CodeAccountNotActive, nil
	}
	cred, err := e.st.GetCredential(ctx, acct.ID, store.CredentialStorageState)
	if err != nil {
		return nil, "", fmt.Errorf("executor: load credential: %w", err)
	}
	if cred == nil {
		return nil, CodeCredentialMissing, nil
	}
	plain, err := e.cfg.Vault.Open(acct.ID, cred.Ciphertext)
	if err != nil {
		return nil, CodeDecryptFailed, nil
	}
	var state browser.StorageState
	if err := json.Unmarshal(plain, &state); err != nil {
		return nil, CodeDecryptFailed, nil
	}
	cfg, err := strategy.Parse(run.StrategyType, run.StrategyConfig)
	if err != nil {
		e.logger.Warn("executor: strategy snapshot invalid", "run_id", run.ID, "error", err)
		return nil, CodeStrategyInvalid, nil
	}

	fp := browser.ProfileFor(acct.ID)
	if len(acct.FingerprintProfile) > 0 {
		var stored browser.Fingerprint
		if err := json.Unmarshal(acct.FingerprintProfile, &stored); err == nil && !stored.IsZero() {
			fp = stored
		}
	}

	existing, err := e.st.ListActionsByAccountRun(ctx, ar.ID)
	if err != nil {
		return nil, "", fmt.Errorf("executor: list actions: %w", err)
	}
	return &accountRun{
		run: run, ar: ar, acct: acct, cfg: cfg, state: state, fp: &fp,
		scope: strategy.Scope{WorkspaceID: run.WorkspaceID, AccountID: acct.ID, RunID: run.ID, Version: run.StrategyVersion},
		seq:   len(existing),
	}, "", nil
}

func (e *Executor) markNeedsLogin(ctx context.Context, rs *accountRun) {
	ctx = context.WithoutCancel(ctx)
	if rs.acct.Status == store.AccountNeedsLogin {
		return
	}
	if err := e.st.SetAccountStatus(ctx, rs.acct.ID, store.AccountNeedsLogin); err != nil {
		e.logger.Error("executor: mark needs_login failed", "account_id", rs.acct.ID, "error", err)
		return
	}
	rs.acct.Status = store.AccountNeedsLogin
	e.cfg.Recorder.LogAsync(recorder.Event(rs.run.WorkspaceID, "", "social_account.needs_login", "social_account", rs.acct.ID,
		map[string]any{"account_run_id": rs.ar.ID}))
}

// runSpecs stores the actions of specs, then executes them in order. It
// returns the final state of every action, reused ones included. Actions
// not reached because of cancellation or a lost login stay pending for the
// caller to skip.
func (e *Executor) runSpecs(ctx context.Context, rs *accountRun, specs []strategy.Spec) ([]*store.Action, error) {
	if len(specs) == 0 || rs.stopCode != "" || ctx.Err() != nil {
		return nil, nil
	}
	cur, err := e.st.GetAccountRun(ctx, rs.ar.ID)
	if err != nil {
		return nil, fmt.Errorf("executor: reload account run: %w", err)
	}
	if cur == nil || cur.Status != store.RunRunning {
		rs.stopCode = CodeCanceled
		return nil, nil
	}

	steps := make([]step, 0, len(specs))
	for _, sp := range specs {
		st, err := e.ensure(ctx, rs, sp)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}

	out := make([]*store.Action, 0, len(steps))
	for _, st := range steps {
		a := st.action
		switch {
		case store.IsTerminalAction(a.Status):
			if !st.created {
				e.logger.Debug("executor: reusing action", "action_id", a.ID, "idempotency_key", a.IdempotencyKey, "status", a.Status)
			}
		case a.AccountRunID != rs.ar.ID:
			// The same logical action belongs to another account run. Wait
			// for its outcome unless that account run is already over.
			owner, err := e.st.GetAccountRun(ctx, a.AccountRunID)
			if err != nil {
				return out, fmt.Errorf("executor: load action owner: %w", err)
			}
			if owner != nil && !store.IsTerminalRun(owner.Status) {
				e.logger.Info("executor: action in flight elsewhere", "action_id", a.ID, "owner_account_run_id", a.AccountRunID)
				return out, errActionInFlight
			}
			if err := e.abandon(ctx, a); err != nil {
				return out, err
			}
		case rs.stopCode != "" || ctx.Err() != nil:
			continue
		default:
			if err := e.executeAction(ctx, rs, a, st.spec); err != nil {
				return out, err
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// ensure stores the action of sp, or returns the existing one with the same
// idempotency key. Reply and quote targets hit inside the repeat window are
// stored as skipped.
func (e *Executor) ensure(ctx context.Context, rs *accountRun, sp strategy.Spec) (step, error) {
	a := &store.Action{
		WorkspaceID:      rs.run.WorkspaceID,
		AccountRunID:     rs.ar.ID,
		SocialAccountID:  rs.acct.ID,
		Seq:              rs.seq,
		ActionType:       sp.ActionType,
		IdempotencyKey:   sp.IdempotencyKey,
		TargetURL:        sp.TargetURL,
		TargetExternalID: sp.TargetExternalID,
		Metadata: map[string]any{
			"strategy_id":      rs.run.StrategyID,
			"strategy_version": rs.run.StrategyVersion,
		},
	}
	if sp.RepeatWindowDays > 0 && sp.TargetExternalID != "" {
		now := e.st.Now()
		since := now.Add(-time.Duration(sp.RepeatWindowDays) * 24 * time.Hour)
		hit, err := e.st.HasRecentSuccess(ctx, rs.acct.ID, sp.ActionType, sp.TargetExternalID, since)
		if err != nil {
			return step{}, fmt.Errorf("executor: repeat window: %w", err)
		}
		if hit {
			a.Status = store.ActionSkipped
			a.Metadata["reason"] = "repeat_window"
			a.FinishedAt = &now
		}
	}
	got, created, err := e.st.EnsureAction(ctx, a)
	if err != nil {
		return step{}, fmt.Errorf("executor: ensure action: %w", err)
	}
	if created {
		rs.seq++
	}
	return step{action: got, spec: sp, created: created}, nil
}

// executeAction runs a under the account lease and records its outcome,
// artifacts and runtime.
func (e *Executor) executeAction(ctx context.Context, rs *accountRun, a *store.Action, sp strategy.Spec) error {
	wctx := context.WithoutCancel(ctx)
	if a.TargetURL != "" {
		if err := horosafe.ValidateTargetURL(rs.acct.PlatformKey, a.TargetURL); err != nil {
			now := e.st.Now()
			a.Status, a.ErrorCode, a.Message = store.ActionFailed, browser.CodeInvalidTarget, err.Error()
			a.FinishedAt = &now
			return e.saveAction(wctx, a)
		}
	}

	release, err := e.lease(ctx, rs.acct.ID, rs.ar.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer release()

	started := e.st.Now()
	a.Status, a.StartedAt, a.FinishedAt = store.ActionRunning, &started, nil
	if err := e.saveAction(wctx, a); err != nil {
		return err
	}

	clock := time.Now()
	res := e.call(ctx, browser.ActionRequest{
		PlatformKey:      rs.acct.PlatformKey,
		ActionType:       a.ActionType,
		TargetURL:        a.TargetURL,
		TargetExternalID: a.TargetExternalID,
		StorageState:     rs.state,
		Params:           sp.Params,
		BandwidthMode:    rs.cfg.BandwidthMode,
		Fingerprint:      rs.fp,
	})
	elapsed := time.Since(clock)
	finished := e.st.Now()

	if ctx.Err() != nil && !canceledRun(ctx) {
		// Interrupted by shutdown: run it again on redelivery.
		a.Status, a.StartedAt = store.ActionPending, nil
		if err := e.saveAction(wctx, a); err != nil {
			return err
		}
		return ctx.Err()
	}

	switch res.Status {
	case browser.StatusSucceeded:
		a.Status = store.ActionSucceeded
	case browser.StatusSkipped:
		a.Status = store.ActionSkipped
	default:
		a.Status = store.ActionFailed
		if res.ErrorCode == "" {
			res.ErrorCode = CodeActionFailed
		}
	}
	a.ErrorCode, a.Message, a.FinishedAt = res.ErrorCode, res.Message, &finished
	for k, v := range res.Metadata {
		a.Metadata[k] = v
	}
	if res.CurrentURL != "" {
		a.Metadata["current_url"] = res.CurrentURL
	}
	if err := e.saveAction(wctx, a); err != nil {
		return err
	}
	if len(res.Screenshot) > 0 {
		e.storeScreenshot(wctx, a, res.Screenshot)
	}
	if _, err := e.cfg.Recorder.AddUsage(wctx, a.WorkspaceID, a.ID, finished, elapsed); err != nil {
		e.logger.Error("executor: record usage failed", "action_id", a.ID, "error", err)
	}

	if a.Status == store.ActionFailed {
		e.logger.Warn("executor: action failed", "action_id", a.ID, "action_type", a.ActionType, "error_code", a.ErrorCode)
		if a.ErrorCode == browser.CodeAuthRequired {
			rs.stopCode = browser.CodeAuthRequired
		}
	}
	return nil
}

// abandon fails an action left unfinished by an account run that ended
// without it, so it stops blocking the key.
func (e *Executor) abandon(ctx context.Context, a *store.Action) error {
	now := e.st.Now()
	a.Status, a.ErrorCode, a.FinishedAt = store.ActionFailed, browser.CodeAborted, &now
	a.Message = "owning account run ended before the action finished"
	e.logger.Warn("executor: abandoned action failed", "action_id", a.ID, "owner_account_run_id", a.AccountRunID)
	return e.saveAction(context.WithoutCancel(ctx), a)
}

func (e *Executor) saveAction(ctx context.Context, a *store.Action) error {
	if err := e.st.UpdateAction(ctx, a); err != nil {
		return fmt.Errorf("executor: update action %s: %w", a.ID, err)
	}
	return nil
}

// call submits req to the driver, retrying transient failures.
func (e *Executor) call(ctx context.Context, req browser.ActionRequest) browser.ActionResult {
	var res browser.ActionResult
	err := connectivity.Retry(ctx, e.cfg.Retry, func(ctx context.Context, attempt int) error {
		r, err := e.cfg.Driver.Execute(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				res = browser.Failed(browser.CodeAborted, "aborted")
				return ctx.Err()
			}
			res = browser.Failed(browser.CodeBrowserNodeError, err.Error())
			return &transientError{code: res.ErrorCode}
		}
		if r.Status != browser.StatusSucceeded && r.Status != browser.StatusSkipped {
			r.Status = browser.StatusFailed
		}
		res = r
		if r.Status == browser.StatusFailed && browser.IsTransient(r.ErrorCode) {
			return &transientError{code: r.ErrorCode}
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		res = browser.Failed(browser.CodeAborted, "aborted")
	}
	return res
}

// lease takes the execution lock of an account, waiting up to LeaseWait,
// and renews it until the returned release is called.
func (e *Executor) lease(ctx context.Context, accountID, holder string) (func(), error) {
	deadline := time.Now().Add(e.cfg.LeaseWait)
	for {
		ok, err := e.st.AcquireLease(ctx, accountID, holder, e.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("executor: acquire lease: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, errAccountBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.LeasePoll):
		}
	}

	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		t := time.NewTicker(e.cfg.LeaseTTL / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if _, err := e.st.AcquireLease(context.WithoutCancel(ctx), accountID, holder, e.cfg.LeaseTTL); err != nil {
					e.logger.Warn("executor: renew lease failed", "account_id", accountID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-renewed
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.st.ReleaseLease(rctx, accountID, holder); err != nil {
			e.logger.Warn("executor: release lease failed", "account_id", accountID, "error", err)
		}
	}, nil
}

// storeScreenshot writes png under ArtifactsDir as
// {workspace}/{action}-screenshot.png and records the artifact.
func (e *Executor) storeScreenshot(ctx context.Context, a *store.Action, png []byte) {
	if e.cfg.ArtifactsDir == "" {
		return
	}
	key := a.WorkspaceID + "/" + a.ID + "-screenshot.png"
	path, err := horosafe.SafePath(e.cfg.ArtifactsDir, key)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0o750)
	}
	if err == nil {
		err = os.WriteFile(path, png, 0o640)
	}
	if err != nil {
		e.logger.Error("executor: write screenshot failed", "action_id", a.ID, "error", err)
		return
	}
	art := &store.Artifact{WorkspaceID: a.WorkspaceID, ActionID: a.ID, Type: "screenshot", StorageKey: key, Size: int64(len(png))}
	if err := e.st.CreateArtifact(ctx, art); err != nil {
		e.logger.Error("executor: record artifact failed", "action_id", a.ID, "error", err)
		return
	}
	a.Artifacts = append(a.Artifacts, *art)
}

// aggregate folds the work actions of an account run into its status:
// succeeded when none failed, failed when all failed, partial_failure
// otherwise. Skipped and reused actions count as success. The error code
// is the first failure's, preferring anything over ABORTED.
func aggregate(actions []*store.Action) (string, string) {
	failed := 0
	code := ""
	for _, a := range actions {
		if a.Status != store.ActionFailed {
			continue
		}
		failed++
		if code == "" || (code == browser.CodeAborted && a.ErrorCode != browser.CodeAborted) {
			code = a.ErrorCode
		}
	}
	switch {
	case failed == 0:
		return store.RunSucceeded, ""
	case failed == len(actions):
		return store.RunFailed, code
	}
	return store.RunPartialFailure, code
}
