package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hazyhaar/socialpilot/auth"
	"github.com/hazyhaar/socialpilot/kit"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/plan"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/recorder"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/strategy"
	"github.com/hazyhaar/socialpilot/shield"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// fail maps err onto a status code. Unexpected errors are logged with the
// request's trace logger and hidden from the caller.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var denied *errs.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "quota denied", "reason": denied.Reason})
	case errors.Is(err, errs.ErrConcurrencyLimit):
		writeMessage(w, http.StatusConflict, errs.ErrConcurrencyLimit.Error())
	case errors.Is(err, errs.ErrInvalidInput),
		errors.Is(err, plan.ErrInvalid),
		errors.Is(err, strategy.ErrInvalid),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, errs.ErrSessionNotActive),
		errors.Is(err, errs.ErrNotLoggedIn),
		errors.Is(err, errs.ErrBrowserUnavailable):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case isNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrConflict), errors.Is(err, store.ErrDuplicate):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrForbidden):
		writeMessage(w, http.StatusForbidden, err.Error())
	default:
		shield.GetLogger(r.Context()).Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Invalid("malformed JSON body: %v", err)
	}
	return nil
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, errs.ErrNotFound)
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound) || errors.Is(err, store.ErrNotFound)
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// audit records an admin mutation synchronously, so it is visible to the
// next read of the audit log. A failed insert is logged, not returned.
func (a *API) audit(r *http.Request, action, targetType, targetID string, meta any) {
	ws, uid := caller(r)
	if err := a.cfg.Recorder.Log(r.Context(), recorder.Event(ws, uid, action, targetType, targetID, meta)); err != nil {
		shield.GetLogger(r.Context()).Error("api: audit insert failed", "action", action, "error", err)
	}
}

// caller returns the workspace and user of the authenticated request.
func caller(r *http.Request) (workspaceID, userID string) {
	return kit.GetWorkspaceID(r.Context()), kit.GetUserID(r.Context())
}
