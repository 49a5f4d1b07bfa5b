package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/horosafe"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// RunDetail is the body of GET /runs/{id}.
type RunDetail struct {
	Run         *store.Run          `json:"run"`
	AccountRuns []*store.AccountRun `json:"account_runs"`
	Actions     []*store.Action     `json:"actions"`
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	q := r.URL.Query()
	runs, err := a.st.ListRuns(r.Context(), ws, store.RunFilter{
		ScheduleID: q.Get("schedule_id"),
		Status:     q.Get("status"),
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) wsRun(r *http.Request) (*store.Run, error) {
	ws, _ := caller(r)
	run, err := a.st.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if run == nil || run.WorkspaceID != ws {
		return nil, notFound("run")
	}
	return run, nil
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.wsRun(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ars, err := a.st.ListAccountRuns(r.Context(), run.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	actions, err := a.st.ListActionsByRun(r.Context(), run.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.st.AttachArtifacts(r.Context(), actions); err != nil {
		a.fail(w, r, err)
		return
	}
	for _, act := range actions {
		if act.Artifacts == nil {
			act.Artifacts = []store.Artifact{}
		}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, AccountRuns: ars, Actions: actions})
}

// handleCancelRun cancels a non-terminal run. Cancelling a terminal run
// returns it unchanged.
func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.wsRun(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	got, err := a.cfg.Runs.CancelRun(r.Context(), run.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if got == nil {
		a.fail(w, r, notFound("run"))
		return
	}
	a.audit(r, "run.cancel", "run", got.ID, map[string]any{"status": got.Status})
	writeJSON(w, http.StatusOK, got)
}

func (a *API) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	art, err := a.st.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if art == nil || art.WorkspaceID != ws {
		a.fail(w, r, notFound("artifact"))
		return
	}
	if a.cfg.ArtifactsDir == "" {
		a.fail(w, r, notFound("artifact file"))
		return
	}
	p, err := horosafe.SafePath(a.cfg.ArtifactsDir, art.StorageKey)
	if err != nil {
		a.fail(w, r, errs.Invalid("invalid storage key"))
		return
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		a.fail(w, r, notFound("artifact file"))
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		a.fail(w, r, err)
		return
	}

	ctype := "application/octet-stream"
	if path.Ext(art.StorageKey) == ".png" {
		ctype = "image/png"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(art.StorageKey)+`"`)
	http.ServeContent(w, r, path.Base(art.StorageKey), info.ModTime(), f)
}
