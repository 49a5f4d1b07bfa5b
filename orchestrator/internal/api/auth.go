package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hazyhaar/socialpilot/auth"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (a *API) issueTokens(ctx context.Context, u *store.User) (*TokenResponse, error) {
	access, err := auth.GenerateToken(a.cfg.JWTSecret, u.ID, u.WorkspaceID, u.Role, a.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	rt := auth.NewRefreshToken(a.cfg.RefreshPepper, a.cfg.RefreshTTL)
	rt.ExpiresAt = a.st.Now().Add(a.cfg.RefreshTTL)
	if err := a.st.InsertRefreshToken(ctx, u.ID, rt.Hash, rt.ExpiresAt); err != nil {
		return nil, fmt.Errorf("api: store refresh token: %w", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: rt.Raw,
		TokenType:    "bearer",
		ExpiresIn:    int(a.cfg.AccessTTL.Seconds()),
	}, nil
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	u, err := a.st.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if u == nil || u.Status != store.UserActive || !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeMessage(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := a.st.TouchLogin(r.Context(), u.ID); err != nil {
		a.fail(w, r, err)
		return
	}
	resp, err := a.issueTokens(r.Context(), u)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh rotates a refresh token: the presented one is revoked and a
// new pair is issued.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	hash := auth.HashRefreshToken(a.cfg.RefreshPepper, req.RefreshToken)
	t, err := a.st.GetRefreshToken(r.Context(), hash)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	switch {
	case t == nil:
		writeMessage(w, http.StatusUnauthorized, "invalid refresh token")
		return
	case t.RevokedAt != nil:
		writeMessage(w, http.StatusUnauthorized, "refresh token revoked")
		return
	case !t.ExpiresAt.After(a.st.Now()):
		writeMessage(w, http.StatusUnauthorized, "refresh token expired")
		return
	}
	u, err := a.st.GetUser(r.Context(), t.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if u == nil || u.Status != store.UserActive {
		writeMessage(w, http.StatusUnauthorized, "user disabled or not found")
		return
	}
	ok, err := a.st.RevokeRefreshToken(r.Context(), hash)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "refresh token revoked")
		return
	}
	resp, err := a.issueTokens(r.Context(), u)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.RefreshToken != "" {
		if _, err := a.st.RevokeRefreshToken(r.Context(), auth.HashRefreshToken(a.cfg.RefreshPepper, req.RefreshToken)); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) currentUser(r *http.Request) (*store.User, error) {
	_, uid := caller(r)
	u, err := a.st.GetUser(r.Context(), uid)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Status == store.UserDeleted {
		return nil, notFound("user")
	}
	return u, nil
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := a.currentUser(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	u, err := a.currentUser(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !auth.CheckPassword(u.PasswordHash, req.CurrentPassword) {
		a.fail(w, r, errs.Invalid("current password incorrect"))
		return
	}
	if err := auth.ValidateNewPassword(strings.TrimSpace(req.NewPassword)); err != nil {
		a.fail(w, r, errs.Invalid("%v", err))
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.st.SetPassword(r.Context(), u.ID, hash, false); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "user.password_change", "user", u.ID, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
