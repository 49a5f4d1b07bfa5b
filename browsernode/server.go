// Package browsernode exposes a browser cluster over an internal HTTP API so
// Chrome can run on a separate host from the orchestrator, and provides the
// matching client.
//
// Every route except /healthz requires the shared x-internal-token header.
package browsernode

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/browser"
	"github.com/hazyhaar/socialpilot/horosafe"
)

// TokenHeader carries the shared secret between orchestrator and node.
const TokenHeader = "x-internal-token"

// Backend is what a node serves: usually a *browser.Cluster.
type Backend interface {
	browser.Driver
	browser.SessionBrowser
}

// StartRequest is the body of POST /login-sessions.
type StartRequest struct {
	LoginSessionID string               `json:"login_session_id"`
	PlatformKey    string               `json:"platform_key"`
	Fingerprint    *browser.Fingerprint `json:"fingerprint_profile,omitempty"`
}

// StartResponse is returned by POST /login-sessions.
type StartResponse struct {
	RemoteURL string `json:"remote_url"`
}

// Server is the node HTTP handler.
type Server struct {
	backend Backend
	token   []byte
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the node handler. token must pass horosafe.ValidateSecret.
func NewServer(backend Backend, token string, logger *slog.Logger) (*Server, error) {
	if err := horosafe.ValidateSecret([]byte(token)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{backend: backend, token: []byte(token), logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/login-sessions", s.handleStart)
		r.Get("/login-sessions/{id}/is-logged-in", s.handleIsLoggedIn)
		r.Get("/login-sessions/{id}/storage-state", s.handleStorageState)
		r.Post("/login-sessions/{id}/stop", s.handleStop)
		r.Post("/automation/actions/execute", s.handleExecute)
	})
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(TokenHeader))
		if subtle.ConstantTimeCompare(got, s.token) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.LoginSessionID) == "" || strings.TrimSpace(req.PlatformKey) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "login_session_id and platform_key are required"})
		return
	}
	remote, err := s.backend.StartLoginSession(r.Context(), req.LoginSessionID, req.PlatformKey, req.Fingerprint)
	if err != nil {
		s.logger.Warn("browsernode: start login session failed", "id", req.LoginSessionID, "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{RemoteURL: remote})
}

func (s *Server) handleIsLoggedIn(w http.ResponseWriter, r *http.Request) {
	ok, err := s.backend.IsLoggedIn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_in": ok})
}

func (s *Server) handleStorageState(w http.ResponseWriter, r *http.Request) {
	state, err := s.backend.ExportStorageState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.StopLoginSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req browser.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PlatformKey == "" || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "platform_key and action_type are required"})
		return
	}
	res, err := s.backend.Execute(r.Context(), req)
	if err != nil {
		res = browser.Failed(browser.CodeBrowserError, err.Error())
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, browser.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "login session not found"})
		return
	}
	s.logger.Error("browsernode: session call failed", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
