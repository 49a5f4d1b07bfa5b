package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/socialpilot/auth"
	"github.com/hazyhaar/socialpilot/idgen"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/errs"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/quota"
	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

const tempPasswordLen = 16

func validRole(role string) bool { return role == auth.RoleUser || role == auth.RoleAdmin }

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	users, err := a.st.ListUsers(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// handleCreateUser creates a user with a temporary password returned once.
// A deleted user with the same email is revived.
func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	email := store.NormalizeEmail(req.Email)
	if !strings.Contains(email, "@") {
		a.fail(w, r, errs.Invalid("invalid email"))
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if !validRole(req.Role) {
		a.fail(w, r, errs.Invalid("invalid role"))
		return
	}
	ws, _ := caller(r)

	password := idgen.Alphanumeric(tempPasswordLen)
	hash, err := auth.HashPassword(password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	u := &store.User{
		WorkspaceID: ws, Email: email, PasswordHash: hash, Role: req.Role,
		Status: store.UserActive, MustChangePassword: true,
	}
	err = a.admitInsert(r.Context(), ws, quota.ResourceSeat, func(tx *store.Store) error {
		return tx.CreateUser(r.Context(), u)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeMessage(w, http.StatusConflict, "email already exists")
			return
		}
		a.fail(w, r, err)
		return
	}
	a.audit(r, "admin.user.create", "user", u.ID, map[string]any{"email": u.Email, "role": u.Role})
	writeJSON(w, http.StatusCreated, map[string]any{"user": u, "initial_password": password})
}

// wsUser loads a non-deleted user of the caller's workspace.
func (a *API) wsUser(r *http.Request) (*store.User, error) {
	ws, _ := caller(r)
	u, err := a.st.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if u == nil || u.WorkspaceID != ws || u.Status == store.UserDeleted {
		return nil, notFound("user")
	}
	return u, nil
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role   *string `json:"role"`
		Status *string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	u, err := a.wsUser(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ws, self := caller(r)
	reactivate := false
	if req.Role != nil {
		if !validRole(*req.Role) {
			a.fail(w, r, errs.Invalid("invalid role"))
			return
		}
		u.Role = *req.Role
	}
	if req.Status != nil {
		switch *req.Status {
		case store.UserActive:
			reactivate = u.Status != store.UserActive
		case store.UserDisabled:
			if u.ID == self {
				a.fail(w, r, errs.Invalid("cannot disable yourself"))
				return
			}
		default:
			a.fail(w, r, errs.Invalid("invalid status"))
			return
		}
		u.Status = *req.Status
	}
	if reactivate {
		err = a.admitInsert(r.Context(), ws, quota.ResourceSeat, func(tx *store.Store) error {
			return tx.UpdateUser(r.Context(), u)
		})
	} else {
		err = a.st.UpdateUser(r.Context(), u)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if u.Status == store.UserDisabled {
		if err := a.st.RevokeUserTokens(r.Context(), u.ID); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	a.audit(r, "admin.user.update", "user", u.ID, map[string]any{"role": req.Role, "status": req.Status})
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.wsUser(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if _, self := caller(r); u.ID == self {
		a.fail(w, r, errs.Invalid("cannot delete yourself"))
		return
	}
	u.Status = store.UserDeleted
	err = a.st.Tx(r.Context(), func(tx *store.Store) error {
		if err := tx.UpdateUser(r.Context(), u); err != nil {
			return err
		}
		return tx.RevokeUserTokens(r.Context(), u.ID)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "admin.user.delete", "user", u.ID, map[string]any{"email": u.Email})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	u, err := a.wsUser(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	password := idgen.Alphanumeric(tempPasswordLen)
	hash, err := auth.HashPassword(password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	err = a.st.Tx(r.Context(), func(tx *store.Store) error {
		if err := tx.SetPassword(r.Context(), u.ID, hash, true); err != nil {
			return err
		}
		return tx.RevokeUserTokens(r.Context(), u.ID)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "admin.user.reset_password", "user", u.ID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"temporary_password": password})
}

func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	entries, err := a.st.ListAudit(r.Context(), ws, queryInt(r, "limit", 200))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// SubscriptionOverview is the body of GET /admin/subscription.
type SubscriptionOverview struct {
	Subscription      *store.Subscription `json:"subscription"`
	CurrentMonthUsage *store.UsageMonthly `json:"current_month_usage"`
	Active            bool                `json:"active"`
	ActiveReason      string              `json:"active_reason,omitempty"`
}

func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ws, _ := caller(r)
	sub, err := a.st.GetSubscription(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	now := a.st.Now()
	usage, err := a.st.GetUsage(r.Context(), ws, store.Period(now))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	d := quota.Active(sub, now)
	writeJSON(w, http.StatusOK, SubscriptionOverview{
		Subscription: sub, CurrentMonthUsage: usage, Active: d.Allowed, ActiveReason: d.Reason,
	})
}

func (a *API) handlePutSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanName               string     `json:"plan_name"`
		Status                 string     `json:"status"`
		Seats                  *int       `json:"seats"`
		MaxSocialAccounts      *int       `json:"max_social_accounts"`
		MaxParallelSessions    *int       `json:"max_parallel_sessions"`
		AutomationRuntimeHours *int       `json:"automation_runtime_hours"`
		ArtifactRetentionDays  *int       `json:"artifact_retention_days"`
		CurrentPeriodStart     *time.Time `json:"current_period_start"`
		CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	switch status {
	case store.SubTrial, store.SubActive, store.SubPastDue, store.SubSuspended, store.SubCanceled:
	default:
		a.fail(w, r, errs.Invalid("invalid subscription status"))
		return
	}
	if strings.TrimSpace(req.PlanName) == "" {
		a.fail(w, r, errs.Invalid("plan_name is required"))
		return
	}
	for name, v := range map[string]*int{
		"seats": req.Seats, "max_social_accounts": req.MaxSocialAccounts,
		"max_parallel_sessions": req.MaxParallelSessions, "automation_runtime_hours": req.AutomationRuntimeHours,
		"artifact_retention_days": req.ArtifactRetentionDays,
	} {
		if v != nil && *v < 0 {
			a.fail(w, r, errs.Invalid("%s must not be negative", name))
			return
		}
	}
	ws, _ := caller(r)
	sub := &store.Subscription{
		WorkspaceID: ws, PlanName: strings.TrimSpace(req.PlanName), Status: status,
		Seats: req.Seats, MaxSocialAccounts: req.MaxSocialAccounts, MaxParallelSessions: req.MaxParallelSessions,
		AutomationRuntimeHours: req.AutomationRuntimeHours, ArtifactRetentionDays: req.ArtifactRetentionDays,
		CurrentPeriodStart: req.CurrentPeriodStart, CurrentPeriodEnd: req.CurrentPeriodEnd,
	}
	if err := a.st.UpsertSubscription(r.Context(), sub); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r, "admin.subscription.upsert", "workspace_subscription", ws,
		map[string]any{"plan_name": sub.PlanName, "status": sub.Status})
	got, err := a.st.GetSubscription(r.Context(), ws)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// admitInsert runs insert in the transaction that checks resource, holding
// the workspace's lock for that resource, so concurrent requests cannot
// both pass the count. A denial comes back as *errs.DeniedError.
func (a *API) admitInsert(ctx context.Context, workspaceID, resource string, insert func(tx *store.Store) error) error {
	unlock := a.locks.Lock(workspaceID + "/" + resource)
	defer unlock()
	return a.st.Tx(ctx, func(tx *store.Store) error {
		d, err := a.cfg.Guard.With(tx).CanAdmit(ctx, workspaceID, resource)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return errs.Denied(d.Reason)
		}
		return insert(tx)
	})
}
