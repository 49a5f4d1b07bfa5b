package store

import (
	"encoding/json"
	"time"
)

// User statuses and roles.
const (
	UserActive   = "active"
	UserDisabled = "disabled"
	UserDeleted  = "deleted"
)

// Subscription statuses.
const (
	SubTrial     = "trial"
	SubActive    = "active"
	SubPastDue   = "past_due"
	SubSuspended = "suspended"
	SubCanceled  = "canceled"
)

// Social account statuses.
const (
	AccountPending    = "pending"
	AccountActive     = "active"
	AccountNeedsLogin = "needs_login"
	AccountDisabled   = "disabled"
)

// Login session statuses.
const (
	SessionPending   = "pending"
	SessionActive    = "active"
	SessionSucceeded = "succeeded"
	SessionFailed    = "failed"
	SessionExpired   = "expired"
	SessionCanceled  = "canceled"
)

// Run and account run statuses.
const (
	RunPending        = "pending"
	RunRunning        = "running"
	RunSucceeded      = "succeeded"
	RunPartialFailure = "partial_failure"
	RunFailed         = "failed"
	RunCanceled       = "canceled"
)

// Action statuses.
const (
	ActionPending   = "pending"
	ActionRunning   = "running"
	ActionSucceeded = "succeeded"
	ActionFailed    = "failed"
	ActionSkipped   = "skipped"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// CredentialStorageState is the credential type holding an encrypted browser
// storage state.
const CredentialStorageState = "storage_state"

// IsTerminalRun reports whether a run or account run status is final.
func IsTerminalRun(status string) bool {
	switch status {
	case RunSucceeded, RunPartialFailure, RunFailed, RunCanceled:
		return true
	}
	return false
}

// IsTerminalAction reports whether an action status is final.
func IsTerminalAction(status string) bool {
	switch status {
	case ActionSucceeded, ActionFailed, ActionSkipped:
		return true
	}
	return false
}

// IsOpenSession reports whether a login session still holds a browser.
func IsOpenSession(status string) bool {
	return status == SessionPending || status == SessionActive
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID                 string     `json:"id"`
	WorkspaceID        string     `json:"workspace_id"`
	Email              string     `json:"email"`
	PasswordHash       string     `json:"-"`
	Role               string     `json:"role"`
	Status             string     `json:"status"`
	MustChangePassword bool       `json:"must_change_password"`
	LastLoginAt        *time.Time `json:"last_login_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Subscription is the plan and quota limits of a workspace. Nil limits mean
// unlimited.
type Subscription struct {
	WorkspaceID            string     `json:"workspace_id"`
	PlanName               string     `json:"plan_name"`
	Status                 string     `json:"status"`
	Seats                  *int       `json:"seats"`
	MaxSocialAccounts      *int       `json:"max_social_accounts"`
	MaxParallelSessions    *int       `json:"max_parallel_sessions"`
	AutomationRuntimeHours *int       `json:"automation_runtime_hours"`
	ArtifactRetentionDays  *int       `json:"artifact_retention_days"`
	CurrentPeriodStart     *time.Time `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type UsageMonthly struct {
	WorkspaceID              string    `json:"workspace_id"`
	Period                   string    `json:"period"`
	AutomationRuntimeSeconds int64     `json:"automation_runtime_seconds"`
	UpdatedAt                time.Time `json:"updated_at"`
}

type SocialAccount struct {
	ID                 string          `json:"id"`
	WorkspaceID        string          `json:"workspace_id"`
	PlatformKey        string          `json:"platform_key"`
	Handle             string          `json:"handle"`
	DisplayName        string          `json:"display_name"`
	Status             string          `json:"status"`
	Labels             []string        `json:"labels"`
	FingerprintProfile json.RawMessage `json:"fingerprint_profile"`
	LastHealthAt       *time.Time      `json:"last_health_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type Credential struct {
	ID              string
	SocialAccountID string
	Type            string
	Ciphertext      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type LoginSession struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspace_id"`
	SocialAccountID string    `json:"social_account_id"`
	Status          string    `json:"status"`
	RemoteURL       string    `json:"remote_url,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Strategy struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	PlatformKey string          `json:"platform_key"`
	Version     int             `json:"version"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Schedule struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	Name            string          `json:"name"`
	StrategyID      string          `json:"strategy_id"`
	Enabled         bool            `json:"enabled"`
	AccountSelector json.RawMessage `json:"account_selector"`
	Frequency       string          `json:"frequency"`
	ScheduleSpec    json.RawMessage `json:"schedule_spec"`
	RandomConfig    json.RawMessage `json:"random_config"`
	MaxParallel     int             `json:"max_parallel"`
	NextRunAt       *time.Time      `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Run snapshots the strategy it executes so later edits do not change it.
type Run struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	ScheduleID      string          `json:"schedule_id,omitempty"`
	StrategyID      string          `json:"strategy_id"`
	StrategyVersion int             `json:"strategy_version"`
	StrategyType    string          `json:"strategy_type"`
	StrategyConfig  json.RawMessage `json:"strategy_config"`
	Trigger         string          `json:"trigger"`
	Status          string          `json:"status"`
	ErrorCode       string          `json:"error_code,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at"`
}

type AccountRun struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	WorkspaceID     string     `json:"workspace_id"`
	SocialAccountID string     `json:"social_account_id"`
	Status          string     `json:"status"`
	ErrorCode       string     `json:"error_code,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

type Action struct {
	ID               string         `json:"id"`
	WorkspaceID      string         `json:"workspace_id"`
	AccountRunID     string         `json:"account_run_id"`
	SocialAccountID  string         `json:"social_account_id"`
	Seq              int            `json:"seq"`
	ActionType       string         `json:"action_type"`
	Status           string         `json:"status"`
	IdempotencyKey   string         `json:"idempotency_key"`
	TargetURL        string         `json:"target_url,omitempty"`
	TargetExternalID string         `json:"target_external_id,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	Message          string         `json:"message,omitempty"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at"`
	Artifacts        []Artifact     `json:"artifacts"`
}

// Artifact is write-once.
type Artifact struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ActionID    string    `json:"action_id"`
	Type        string    `json:"type"`
	StorageKey  string    `json:"storage_key"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditLog is append-only.
type AuditLog struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	ActorUserID string          `json:"actor_user_id,omitempty"`
	ActorEmail  string          `json:"actor_email,omitempty"`
	Action      string          `json:"action"`
	TargetType  string          `json:"target_type"`
	TargetID    string          `json:"target_id"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}
