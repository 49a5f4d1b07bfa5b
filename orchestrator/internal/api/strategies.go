package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/strategy"
)

func (a *API) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	list, err := a.st.ListStrategies(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateStrategy stores the canonical form of a validated config at
// version 1.
func (a *API) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		Type        string          `json:"type"`
		PlatformKey string          `json:"platform_key"`
		Config      json.RawMessage `json:"config"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		a.fail(w, r, errs.Invalid("name is required"))
		return
	}
	platform := strings.ToLower(strings.TrimSpace(req.PlatformKey))
	if platform == "" {
		platform = browser.PlatformX
	}
	if platform != browser.PlatformX {
		a.fail(w, r, errs.Invalid("unsupported platform_key %q", platform))
		return
	}
	cfg, err := strategy.Parse(req.Type, req.Config)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ws, _ := caller(r)
	st := &store.Strategy{
		WorkspaceID: ws, Name: name, Type: cfg.Type, PlatformKey: platform, Config: cfg.JSON(),
	}
	if err := a.st.CreateStrategy(r.Context(), st); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "strategy.create", "strategy", st.ID, map[string]any{"type": st.Type, "version": st.Version})
	writeJSON(w, http.StatusCreated, st)
}

func (a *API) wsStrategy(r *http.Request, id string) (*store.Strategy, error) {
	ws, _ := caller(r)
	st, err := a.st.GetStrategy(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if st == nil || st.WorkspaceID != ws {
		return nil, notFound("strategy")
	}
	return st, nil
}

func (a *API) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := a.wsStrategy(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleUpdateStrategy renames and reconfigures a strategy. The type is
// fixed at creation. Runs already triggered keep their snapshot.
func (a *API) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   *string         `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	st, err := a.wsStrategy(r, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			a.fail(w, r, errs.Invalid("name must not be empty"))
			return
		}
		st.Name = name
	}
	var next json.RawMessage
	if len(req.Config) > 0 {
		cfg, err := strategy.Parse(st.Type, req.Config)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		next = cfg.JSON()
	}
	prev := st.Version
	if err := a.st.UpdateStrategy(r.Context(), st, next); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "strategy.update", "strategy", st.ID,
		map[string]any{"version": st.Version, "config_changed": st.Version != prev})
	writeJSON(w, http.StatusOK, st)
}
