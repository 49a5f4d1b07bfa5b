package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/plan"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/scheduler"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// scheduleBody is shared by create and patch; nil fields are left as they
// are on patch and defaulted on create.
type scheduleBody struct {
	Name            *string         `json:"name"`
	StrategyID      *string         `json:"strategy_id"`
	Enabled         *bool           `json:"enabled"`
	AccountSelector json.RawMessage `json:"account_selector"`
	Frequency       *string         `json:"frequency"`
	ScheduleSpec    json.RawMessage `json:"schedule_spec"`
	RandomConfig    json.RawMessage `json:"random_config"`
	MaxParallel     *int            `json:"max_parallel"`
}

// apply copies the set fields onto sc and normalizes the JSON documents.
func (b scheduleBody) apply(sc *store.Schedule) error {
	if b.Name != nil {
		sc.Name = strings.TrimSpace(*b.Name)
	}
	if sc.Name == "" {
		return errs.Invalid("name is required")
	}
	if b.Enabled != nil {
		sc.Enabled = *b.Enabled
	}
	if len(b.AccountSelector) > 0 {
		sc.AccountSelector = b.AccountSelector
	}
	sel, err := plan.ParseSelector(sc.AccountSelector)
	if err != nil {
		return err
	}
	sc.AccountSelector = sel.JSON()

	if b.Frequency != nil {
		sc.Frequency = *b.Frequency
		if len(b.ScheduleSpec) == 0 {
			sc.ScheduleSpec = nil
		}
	}
	if len(b.ScheduleSpec) > 0 {
		sc.ScheduleSpec = b.ScheduleSpec
	}
	cad, err := plan.ParseCadence(sc.Frequency, sc.ScheduleSpec)
	if err != nil {
		return err
	}
	sc.Frequency, sc.ScheduleSpec = cad.Kind, cad.Spec()

	if len(b.RandomConfig) > 0 {
		sc.RandomConfig = b.RandomConfig
	}
	rnd, err := plan.ParseRandom(sc.RandomConfig)
	if err != nil {
		return err
	}
	sc.RandomConfig = rnd.JSON()

	if b.MaxParallel != nil {
		sc.MaxParallel = *b.MaxParallel
	}
	if sc.MaxParallel < 1 {
		return errs.Invalid("max_parallel must be >= 1")
	}
	return nil
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	list, err := a.st.ListSchedules(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleBody
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.StrategyID == nil {
		a.fail(w, r, errs.Invalid("strategy_id is required"))
		return
	}
	if _, err := a.wsStrategy(r, *req.StrategyID); err != nil {
		if isNotFound(err) {
			err = errs.Invalid("invalid strategy_id")
		}
		a.fail(w, r, err)
		return
	}
	ws, _ := caller(r)
	sc := &store.Schedule{
		ID:              a.st.NewID(),
		WorkspaceID:     ws,
		StrategyID:      *req.StrategyID,
		Enabled:         true,
		AccountSelector: json.RawMessage(`{"all":true}`),
		Frequency:       plan.FreqManual,
		MaxParallel:     1,
	}
	if err := req.apply(sc); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := scheduler.Plan(sc, a.st.Now()); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.st.CreateSchedule(r.Context(), sc); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "schedule.create", "schedule", sc.ID,
		map[string]any{"strategy_id": sc.StrategyID, "frequency": sc.Frequency})
	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) wsSchedule(r *http.Request) (*store.Schedule, error) {
	ws, _ := caller(r)
	sc, err := a.st.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if sc == nil || sc.WorkspaceID != ws {
		return nil, notFound("schedule")
	}
	return sc, nil
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := a.wsSchedule(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handleUpdateSchedule re-plans next_run_at after any change, so a
// disabled schedule stops firing at once.
func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleBody
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.StrategyID != nil {
		a.fail(w, r, errs.Invalid("strategy_id cannot be changed"))
		return
	}
	sc, err := a.wsSchedule(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := req.apply(sc); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := scheduler.Plan(sc, a.st.Now()); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.st.UpdateSchedule(r.Context(), sc); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "schedule.update", "schedule", sc.ID, map[string]any{"enabled": sc.Enabled})
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) handleRunNow(w http.ResponseWriter, r *http.Request) {
	sc, err := a.wsSchedule(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	_, uid := caller(r)
	run, err := a.cfg.Scheduler.RunNow(r.Context(), sc, uid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
