// Package scheduler turns schedules into runs: on demand through RunNow and
// on their cadence through the polling loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/keyed"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/plan"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// Expander fans a new run out. *fanout.Fanout satisfies it.
type Expander interface {
	Expand(ctx context.Context, run *store.Run, sched *store.Schedule) ([]*store.AccountRun, error)
}

// Config configures the scheduler.
type Config struct {
	Store    *store.Store
	Guard    *quota.Guard
	Fanout   Expander
	Recorder *recorder.Recorder
	// Interval is how often due schedules are polled. Default: 30s.
	Interval time.Duration
	// Batch caps the schedules handled per tick. Default: 100.
	Batch  int
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Scheduler creates runs.
type Scheduler struct {
	cfg    Config
	st     *store.Store
	logger *slog.Logger
	// locks serializes triggers of one schedule in this process.
	locks keyed.Mutex
}

// New returns a Scheduler.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{cfg: cfg, st: cfg.Store, logger: cfg.Logger}
}

// Plan sets sc.NextRunAt from its cadence and random config, relative to
// now. Manual and disabled schedules get nil.
func Plan(sc *store.Schedule, now time.Time) error {
	cad, err := plan.ParseCadence(sc.Frequency, sc.ScheduleSpec)
	if err != nil {
		return err
	}
	rnd, err := plan.ParseRandom(sc.RandomConfig)
	if err != nil {
		return err
	}
	sc.NextRunAt = nil
	if sc.Enabled {
		sc.NextRunAt = plan.NextRun(sc.ID, cad, rnd, now)
	}
	return nil
}

// RunNow triggers sched immediately, bypassing its cadence. It fails with
// errs.ErrConcurrencyLimit when the schedule already has max_parallel
// account runs in flight, and with a quota denial when the workspace may
// not run automation.
func (s *Scheduler) RunNow(ctx context.Context, sched *store.Schedule, actorUserID string) (*store.Run, error) {
	if !sched.Enabled {
		return nil, errs.Invalid("schedule disabled")
	}
	run, err := s.trigger(ctx, sched, store.TriggerManual, actorUserID)
	if err != nil {
		return nil, err
	}
	now := s.st.Now()
	if err := Plan(sched, now); err == nil {
		if err := s.st.SetScheduleTimes(ctx, sched.ID, sched.NextRunAt, &now); err != nil {
			s.logger.Warn("scheduler: set schedule times failed", "schedule_id", sched.ID, "error", err)
		}
	}
	return run, nil
}

// trigger creates a pending run snapshotting the schedule's strategy and
// fans it out.
func (s *Scheduler) trigger(ctx context.Context, sched *store.Schedule, trigger, actorUserID string) (*store.Run, error) {
	unlock := s.locks.Lock(sched.ID)
	defer unlock()

	d, err := s.cfg.Guard.CanAdmit(ctx, sched.WorkspaceID, quota.ResourceRuntime)
	if err != nil {
		return nil, fmt.Errorf("scheduler: quota: %w", err)
	}
	if !d.Allowed {
		return nil, errs.Denied(d.Reason)
	}

	strat, err := s.st.GetStrategy(ctx, sched.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load strategy: %w", err)
	}
	if strat == nil || strat.WorkspaceID != sched.WorkspaceID {
		return nil, errs.Invalid("invalid strategy")
	}

	limit := sched.MaxParallel
	if limit < 1 {
		limit = 1
	}
	run := &store.Run{
		WorkspaceID:     sched.WorkspaceID,
		ScheduleID:      sched.ID,
		StrategyID:      strat.ID,
		StrategyVersion: strat.Version,
		StrategyType:    strat.Type,
		StrategyConfig:  strat.Config,
		Trigger:         trigger,
	}
	err = s.st.Tx(ctx, func(tx *store.Store) error {
		n, err := tx.CountActiveAccountRuns(ctx, sched.ID)
		if err != nil {
			return err
		}
		if n >= limit {
			return errs.ErrConcurrencyLimit
		}
		run.ID = ""
		return tx.CreateRun(ctx, run)
	})
	if errors.Is(err, errs.ErrConcurrencyLimit) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: create run: %w", err)
	}

	s.logger.Info("scheduler: run triggered", "run_id", run.ID, "schedule_id", sched.ID, "trigger", trigger)
	s.cfg.Recorder.LogAsync(recorder.Event(sched.WorkspaceID, actorUserID, "run.trigger", "run", run.ID,
		map[string]any{"schedule_id": sched.ID, "trigger": trigger, "strategy_version": strat.Version}))

	if _, err := s.cfg.Fanout.Expand(ctx, run, sched); err != nil {
		// The run row exists; fan-out is retried by recovery.
		s.logger.Error("scheduler: fan-out failed", "run_id", run.ID, "error", err)
	}
	got, err := s.st.GetRun(ctx, run.ID)
	if err != nil || got == nil {
		return run, nil
	}
	return got, nil
}

// Run polls due schedules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick plans unplanned schedules and triggers the due ones. A due schedule
// at its parallel limit or denied by quota skips this slot.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.st.Now()

	unplanned, err := s.st.UnplannedSchedules(ctx, s.cfg.Batch)
	if err != nil {
		s.logger.Error("scheduler: list unplanned", "error", err)
		return
	}
	for _, sc := range unplanned {
		if err := Plan(sc, now); err != nil {
			s.logger.Warn("scheduler: bad cadence", "schedule_id", sc.ID, "error", err)
			continue
		}
		if err := s.st.SetScheduleTimes(ctx, sc.ID, sc.NextRunAt, nil); err != nil {
			s.logger.Warn("scheduler: plan schedule", "schedule_id", sc.ID, "error", err)
		}
	}

	due, err := s.st.DueSchedules(ctx, now, s.cfg.Batch)
	if err != nil {
		s.logger.Error("scheduler: due schedules", "error", err)
		return
	}
	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, sc, now)
	}
	if len(due) > 0 {
		s.logger.Debug("scheduler: tick", "due", len(due))
	}
}

func (s *Scheduler) fire(ctx context.Context, sc *store.Schedule, now time.Time) {
	slot := *sc.NextRunAt
	rnd, rerr := plan.ParseRandom(sc.RandomConfig)
	if err := Plan(sc, now); err != nil {
		// A cadence that no longer parses stops firing.
		s.logger.Warn("scheduler: bad cadence, unplanning", "schedule_id", sc.ID, "error", err)
		if err := s.st.SetScheduleTimes(ctx, sc.ID, nil, nil); err != nil {
			s.logger.Warn("scheduler: unplan schedule", "schedule_id", sc.ID, "error", err)
		}
		return
	}

	ran := &now
	switch {
	case rerr == nil && rnd.Skip(sc.ID, slot):
		s.logger.Info("scheduler: slot skipped", "schedule_id", sc.ID, "slot", slot)
		ran = nil
	default:
		_, err := s.trigger(ctx, sc, store.TriggerScheduled, "")
		var denied *errs.DeniedError
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrConcurrencyLimit):
			s.logger.Info("scheduler: parallel limit reached, skipping slot", "schedule_id", sc.ID)
			ran = nil
		case errors.As(err, &denied):
			s.logger.Info("scheduler: quota denied, skipping slot", "schedule_id", sc.ID, "reason", denied.Reason)
			ran = nil
		default:
			s.logger.Error("scheduler: trigger failed", "schedule_id", sc.ID, "error", err)
			ran = nil
		}
	}
	if err := s.st.SetScheduleTimes(ctx, sc.ID, sc.NextRunAt, ran); err != nil {
		s.logger.Warn("scheduler: set schedule times failed", "schedule_id", sc.ID, "error", err)
	}
}
