package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	q := r.URL.Query()
	accts, err := a.st.ListAccounts(r.Context(), ws, q.Get("platform_key"), q.Get("status"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

// handleCreateAccount registers an account awaiting its first login. It
// gets one of the desktop fingerprint profiles.
func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlatformKey string   `json:"platform_key"`
		Handle      string   `json:"handle"`
		DisplayName string   `json:"display_name"`
		Labels      []string `json:"labels"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
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
	handle := strings.TrimPrefix(strings.TrimSpace(req.Handle), "@")
	if handle == "" {
		a.fail(w, r, errs.Invalid("handle is required"))
		return
	}
	ws, uid := caller(r)

	acct := &store.SocialAccount{
		ID:          a.st.NewID(),
		WorkspaceID: ws,
		PlatformKey: platform,
		Handle:      handle,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Status:      store.AccountNeedsLogin,
		Labels:      cleanLabels(req.Labels),
	}
	fp, err := json.Marshal(browser.ProfileFor(acct.ID))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	acct.FingerprintProfile = fp
	err = a.admitInsert(r.Context(), ws, quota.ResourceSocialAccount, func(tx *store.Store) error {
		return tx.CreateAccount(r.Context(), acct)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeMessage(w, http.StatusConflict, "social account already exists")
			return
		}
		a.fail(w, r, err)
		return
	}
	a.audit(r, "social_account.create", "social_account", acct.ID,
		map[string]any{"platform_key": platform, "handle": handle, "created_by": uid})
	writeJSON(w, http.StatusCreated, acct)
}

func cleanLabels(in []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, l := range in {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func (a *API) wsAccount(r *http.Request) (*store.SocialAccount, error) {
	ws, _ := caller(r)
	acct, err := a.st.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.WorkspaceID != ws {
		return nil, notFound("social account")
	}
	return acct, nil
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.wsAccount(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleUpdateAccount edits display name and labels. Status may only be set
// to disabled; other statuses follow from logins and health checks.
func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName *string   `json:"display_name"`
		Labels      *[]string `json:"labels"`
		Status      *string   `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	acct, err := a.wsAccount(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.DisplayName != nil {
		acct.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Labels != nil {
		acct.Labels = cleanLabels(*req.Labels)
	}
	if req.Status != nil {
		if *req.Status != store.AccountDisabled {
			a.fail(w, r, errs.Invalid("status may only be set to disabled"))
			return
		}
		acct.Status = store.AccountDisabled
	}
	if err := a.st.UpdateAccount(r.Context(), acct); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "social_account.update", "social_account", acct.ID, map[string]any{"status": acct.Status})
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) handleCreateLoginSession(w http.ResponseWriter, r *http.Request) {
	ws, uid := caller(r)
	ls, err := a.cfg.Sessions.Create(r.Context(), ws, chi.URLParam(r, "id"), uid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ls)
}

func (a *API) handleGetLoginSession(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	ls, err := a.cfg.Sessions.Get(r.Context(), ws, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (a *API) handleFinalizeLoginSession(w http.ResponseWriter, r *http.Request) {
	ws, uid := caller(r)
	ls, err := a.cfg.Sessions.Finalize(r.Context(), ws, chi.URLParam(r, "id"), uid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (a *API) handleCancelLoginSession(w http.ResponseWriter, r *http.Request) {
	ws, uid := caller(r)
	ls, err := a.cfg.Sessions.Cancel(r.Context(), ws, chi.URLParam(r, "id"), uid)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWatchLoginSession pushes the session JSON on every status change
// until the session is terminal, then closes. Changes are signaled by the
// broker and also picked up by a periodic re-read, which is what expires a
// session nobody touches.
func (a *API) handleWatchLoginSession(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	id := chi.URLParam(r, "id")
	ls, err := a.cfg.Sessions.Get(r.Context(), ws, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("api: watch upgrade failed", "login_session_id", id, "error", err)
		return
	}
	defer conn.Close()

	changed, unsubscribe := a.cfg.Sessions.Subscribe(id)
	defer unsubscribe()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.cfg.WatchInterval)
	defer ticker.Stop()

	last := ""
	for {
		if ls.Status != last {
			if err := conn.WriteJSON(ls); err != nil {
				return
			}
			last = ls.Status
		}
		if !store.IsOpenSession(ls.Status) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ls.Status))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-changed:
		case <-ticker.C:
		}
		if ls, err = a.cfg.Sessions.Get(r.Context(), ws, id); err != nil {
			a.logger.Warn("api: watch reload failed", "login_session_id", id, "error", err)
			return
		}
	}
}
