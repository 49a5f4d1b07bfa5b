// Package fanout expands a run into one account run per matching social
// account and hands each to the executor queue.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/plan"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// CodeSelectorInvalid fails a run whose schedule selector no longer parses.
const CodeSelectorInvalid = "SELECTOR_INVALID"

// Publisher enqueues account run jobs. *vtq.Q satisfies it.
type Publisher interface {
	Publish(ctx context.Context, id string, payload []byte) error
}

// Job is the queue payload of one account run.
type Job struct {
	AccountRunID string `json:"account_run_id"`
	RunID        string `json:"run_id"`
}

// Fanout creates account runs.
type Fanout struct {
	st     *store.Store
	q      Publisher
	logger *slog.Logger
}

// New returns a Fanout writing to st and publishing on q.
func New(st *store.Store, q Publisher, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{st: st, q: q, logger: logger}
}

// Match returns the active accounts of workspaceID selected by sel, in
// creation order.
func (f *Fanout) Match(ctx context.Context, workspaceID string, sel plan.Selector) ([]*store.SocialAccount, error) {
	accounts, err := f.st.ListAccounts(ctx, workspaceID, "", store.AccountActive)
	if err != nil {
		return nil, fmt.Errorf("fanout: list accounts: %w", err)
	}
	var out []*store.SocialAccount
	for _, a := range accounts {
		if sel.Matches(plan.Candidate{ID: a.ID, Platform: a.PlatformKey, Labels: a.Labels}) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Expand creates the account runs of a pending run and publishes their jobs.
// With no matching account the run succeeds immediately. Expanding a run
// that already has account runs only republishes the pending ones.
func (f *Fanout) Expand(ctx context.Context, run *store.Run, sched *store.Schedule) ([]*store.AccountRun, error) {
	existing, err := f.st.ListAccountRuns(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("fanout: list account runs: %w", err)
	}
	if len(existing) > 0 {
		return existing, f.publish(ctx, existing)
	}

	sel, err := plan.ParseSelector(sched.AccountSelector)
	if err != nil {
		if _, terr := f.st.TransitionRun(ctx, run.ID, store.NonTerminal(), store.RunFailed, CodeSelectorInvalid); terr != nil {
			return nil, fmt.Errorf("fanout: fail run: %w", terr)
		}
		return nil, fmt.Errorf("fanout: %w", err)
	}
	accounts, err := f.Match(ctx, run.WorkspaceID, sel)
	if err != nil {
		return nil, err
	}

	var created []*store.AccountRun
	err = f.st.Tx(ctx, func(tx *store.Store) error {
		created = created[:0]
		if len(accounts) == 0 {
			_, err := tx.TransitionRun(ctx, run.ID, []string{store.RunPending}, store.RunSucceeded, "")
			return err
		}
		for _, a := range accounts {
			ar := &store.AccountRun{RunID: run.ID, WorkspaceID: run.WorkspaceID, SocialAccountID: a.ID}
			if err := tx.CreateAccountRun(ctx, ar); err != nil {
				return err
			}
			created = append(created, ar)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: create account runs: %w", err)
	}

	f.logger.Info("fanout: run expanded", "run_id", run.ID, "schedule_id", sched.ID, "accounts", len(created))
	if len(created) == 0 {
		return []*store.AccountRun{}, nil
	}
	return created, f.publish(ctx, created)
}

func (f *Fanout) publish(ctx context.Context, ars []*store.AccountRun) error {
	for _, ar := range ars {
		if ar.Status != store.RunPending && ar.Status != store.RunRunning {
			continue
		}
		payload, _ := json.Marshal(Job{AccountRunID: ar.ID, RunID: ar.RunID})
		if err := f.q.Publish(ctx, ar.ID, payload); err != nil {
			return fmt.Errorf("fanout: publish %s: %w", ar.ID, err)
		}
	}
	return nil
}

// Recover re-expands non-terminal runs after a restart: runs that never
// fanned out get their account runs, and account runs whose job was lost
// are republished. Publishing is idempotent per account run id. It returns
// the runs it touched so the caller can finalize those whose account runs
// all finished before the restart.
func (f *Fanout) Recover(ctx context.Context) ([]*store.Run, error) {
	runs, err := f.st.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("fanout: list active runs: %w", err)
	}
	var out []*store.Run
	for _, run := range runs {
		if run.ScheduleID == "" {
			continue
		}
		sched, err := f.st.GetSchedule(ctx, run.ScheduleID)
		if err != nil {
			return out, fmt.Errorf("fanout: schedule %s: %w", run.ScheduleID, err)
		}
		if sched == nil {
			continue
		}
		if _, err := f.Expand(ctx, run, sched); err != nil {
			f.logger.Warn("fanout: recover run failed", "run_id", run.ID, "error", err)
			continue
		}
		out = append(out, run)
	}
	return out, nil
}
