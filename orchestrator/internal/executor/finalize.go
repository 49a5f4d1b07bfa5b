package executor

import (
	"context"
	"fmt"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// FinalizeRun rolls the account runs of runID up into the run once all of
// them are terminal. It is safe to call from every finisher: only the first
// transition wins.
func (e *Executor) FinalizeRun(ctx context.Context, runID string) error {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("executor: load run: %w", err)
	}
	if run == nil || store.IsTerminalRun(run.Status) {
		return nil
	}
	ars, err := e.st.ListAccountRuns(ctx, runID)
	if err != nil {
		return fmt.Errorf("executor: list account runs: %w", err)
	}
	if len(ars) == 0 && run.Status == store.RunPending {
		// Not fanned out yet.
		return nil
	}
	for _, ar := range ars {
		if !store.IsTerminalRun(ar.Status) {
			return nil
		}
	}

	status, code := rollUp(ars)
	ok, err := e.st.TransitionRun(ctx, runID, store.NonTerminal(), status, code)
	if err != nil {
		return fmt.Errorf("executor: finish run: %w", err)
	}
	if !ok {
		return nil
	}
	e.logger.Info("executor: run finished", "run_id", runID, "status", status, "account_runs", len(ars))
	e.cfg.Recorder.LogAsync(recorder.Event(run.WorkspaceID, "", "run.finish", "run", runID,
		map[string]any{"status": status, "account_runs": len(ars)}))
	return nil
}

// rollUp folds terminal account runs into a run status.
func rollUp(ars []*store.AccountRun) (string, string) {
	var succeeded, partial, failed, canceled int
	code := ""
	for _, ar := range ars {
		switch ar.Status {
		case store.RunSucceeded:
			succeeded++
		case store.RunPartialFailure:
			partial++
		case store.RunFailed:
			failed++
			if code == "" {
				code = ar.ErrorCode
			}
		case store.RunCanceled:
			canceled++
		}
	}
	switch {
	case succeeded == len(ars):
		return store.RunSucceeded, ""
	case canceled == len(ars):
		return store.RunCanceled, CodeCanceled
	case succeeded == 0 && partial == 0:
		if code == "" {
			code = CodeCanceled
		}
		return store.RunFailed, code
	}
	return store.RunPartialFailure, ""
}

// CancelRun cancels a run and cascades to its account runs: non-terminal
// account runs become canceled and their pending actions skipped. Account
// runs executing in this process are aborted. Canceling a terminal run is a
// no-op. It returns nil when the run does not exist.
func (e *Executor) CancelRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("executor: load run: %w", err)
	}
	if run == nil || store.IsTerminalRun(run.Status) {
		return run, nil
	}

	canceled := 0
	err = e.st.Tx(ctx, func(tx *store.Store) error {
		canceled = 0
		if _, err := tx.TransitionRun(ctx, runID, store.NonTerminal(), store.RunCanceled, CodeCanceled); err != nil {
			return err
		}
		ars, err := tx.ListAccountRuns(ctx, runID)
		if err != nil {
			return err
		}
		for _, ar := range ars {
			ok, err := tx.TransitionAccountRun(ctx, ar.ID, store.NonTerminal(), store.RunCanceled, CodeCanceled)
			if err != nil {
				return err
			}
			if ok {
				canceled++
			}
			if _, err := tx.SkipPendingActions(ctx, ar.ID, CodeCanceled); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("executor: cancel run: %w", err)
	}

	aborted := e.abort(runID)
	e.logger.Info("executor: run canceled", "run_id", runID, "account_runs", canceled, "aborted", aborted)
	e.cfg.Recorder.LogAsync(recorder.Event(run.WorkspaceID, "", "run.cancel", "run", runID,
		map[string]any{"account_runs": canceled}))
	return e.st.GetRun(ctx, runID)
}
