package store

// Schema is the orchestrator DDL. Timestamps are unix milliseconds. JSON
// columns hold documents already validated at the API boundary.
const Schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                    TEXT PRIMARY KEY,
	workspace_id          TEXT NOT NULL REFERENCES workspaces(id),
	email                 TEXT NOT NULL,
	password_hash         TEXT NOT NULL,
	role                  TEXT NOT NULL DEFAULT 'user' CHECK(role IN ('user','admin')),
	status                TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active','disabled','deleted')),
	must_change_password  INTEGER NOT NULL DEFAULT 0,
	last_login_at         INTEGER,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_workspace ON users(workspace_id, status);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id),
	token_hash  TEXT NOT NULL UNIQUE,
	expires_at  INTEGER NOT NULL,
	revoked_at  INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_user ON refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS workspace_subscriptions (
	workspace_id              TEXT PRIMARY KEY REFERENCES workspaces(id),
	plan_name                 TEXT NOT NULL DEFAULT 'trial',
	status                    TEXT NOT NULL DEFAULT 'trial'
	                          CHECK(status IN ('trial','active','past_due','suspended','canceled')),
	seats                     INTEGER,
	max_social_accounts       INTEGER,
	max_parallel_sessions     INTEGER,
	automation_runtime_hours  INTEGER,
	artifact_retention_days   INTEGER,
	current_period_start      INTEGER,
	current_period_end        INTEGER,
	updated_at                INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_usage_monthly (
	workspace_id                TEXT NOT NULL REFERENCES workspaces(id),
	period                      TEXT NOT NULL,
	automation_runtime_seconds  INTEGER NOT NULL DEFAULT 0,
	updated_at                  INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, period)
);

CREATE TABLE IF NOT EXISTS usage_increments (
	action_id     TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	period        TEXT NOT NULL,
	seconds       INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS social_accounts (
	id                   TEXT PRIMARY KEY,
	workspace_id         TEXT NOT NULL REFERENCES workspaces(id),
	platform_key         TEXT NOT NULL,
	handle               TEXT NOT NULL,
	display_name         TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending'
	                     CHECK(status IN ('pending','active','needs_login','disabled')),
	labels               TEXT NOT NULL DEFAULT '[]',
	fingerprint_profile  TEXT NOT NULL DEFAULT '{}',
	last_health_at       INTEGER,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	UNIQUE (workspace_id, platform_key, handle)
);

CREATE TABLE IF NOT EXISTS credentials (
	id                 TEXT PRIMARY KEY,
	social_account_id  TEXT NOT NULL REFERENCES social_accounts(id),
	type               TEXT NOT NULL,
	ciphertext         TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	UNIQUE (social_account_id, type)
);

CREATE TABLE IF NOT EXISTS login_sessions (
	id                 TEXT PRIMARY KEY,
	workspace_id       TEXT NOT NULL REFERENCES workspaces(id),
	social_account_id  TEXT NOT NULL REFERENCES social_accounts(id),
	status             TEXT NOT NULL DEFAULT 'pending'
	                   CHECK(status IN ('pending','active','succeeded','failed','expired','canceled')),
	remote_url         TEXT,
	error_code         TEXT,
	expires_at         INTEGER NOT NULL,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_sessions_open ON login_sessions(workspace_id, status);

CREATE TABLE IF NOT EXISTS strategies (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL REFERENCES workspaces(id),
	name          TEXT NOT NULL,
	type          TEXT NOT NULL,
	platform_key  TEXT NOT NULL DEFAULT 'x',
	version       INTEGER NOT NULL DEFAULT 1,
	config        TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_versions (
	strategy_id  TEXT NOT NULL REFERENCES strategies(id),
	version      INTEGER NOT NULL,
	config       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (strategy_id, version)
);

CREATE TABLE IF NOT EXISTS schedules (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL REFERENCES workspaces(id),
	name              TEXT NOT NULL,
	strategy_id       TEXT NOT NULL REFERENCES strategies(id),
	enabled           INTEGER NOT NULL DEFAULT 1,
	account_selector  TEXT NOT NULL,
	frequency         TEXT NOT NULL DEFAULT 'manual',
	schedule_spec     TEXT NOT NULL DEFAULT '{}',
	random_config     TEXT NOT NULL DEFAULT '{}',
	max_parallel      INTEGER NOT NULL DEFAULT 1,
	next_run_at       INTEGER,
	last_run_at       INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL REFERENCES workspaces(id),
	schedule_id       TEXT REFERENCES schedules(id),
	strategy_id       TEXT NOT NULL,
	strategy_version  INTEGER NOT NULL,
	strategy_type     TEXT NOT NULL,
	strategy_config   TEXT NOT NULL,
	trigger           TEXT NOT NULL CHECK(trigger IN ('manual','scheduled')),
	status            TEXT NOT NULL DEFAULT 'pending'
	                  CHECK(status IN ('pending','running','succeeded','partial_failure','failed','canceled')),
	error_code        TEXT,
	created_at        INTEGER NOT NULL,
	started_at        INTEGER,
	finished_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON runs(schedule_id, status);

CREATE TABLE IF NOT EXISTS account_runs (
	id                 TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES runs(id),
	workspace_id       TEXT NOT NULL,
	social_account_id  TEXT NOT NULL REFERENCES social_accounts(id),
	status             TEXT NOT NULL DEFAULT 'pending'
	                   CHECK(status IN ('pending','running','succeeded','partial_failure','failed','canceled')),
	error_code         TEXT,
	created_at         INTEGER NOT NULL,
	started_at         INTEGER,
	finished_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_account_runs_run ON account_runs(run_id, status);

CREATE TABLE IF NOT EXISTS actions (
	id                  TEXT PRIMARY KEY,
	workspace_id        TEXT NOT NULL,
	account_run_id      TEXT NOT NULL REFERENCES account_runs(id),
	social_account_id   TEXT NOT NULL,
	seq                 INTEGER NOT NULL,
	action_type         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending'
	                    CHECK(status IN ('pending','running','succeeded','failed','skipped')),
	idempotency_key     TEXT NOT NULL,
	target_url          TEXT,
	target_external_id  TEXT,
	error_code          TEXT,
	message             TEXT,
	metadata            TEXT NOT NULL DEFAULT '{}',
	created_at          INTEGER NOT NULL,
	started_at          INTEGER,
	finished_at         INTEGER,
	UNIQUE (workspace_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_actions_account_run ON actions(account_run_id, seq);
CREATE INDEX IF NOT EXISTS idx_actions_history ON actions(social_account_id, action_type, target_external_id, status);

CREATE TABLE IF NOT EXISTS artifacts (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	action_id     TEXT NOT NULL REFERENCES actions(id),
	type          TEXT NOT NULL,
	storage_key   TEXT NOT NULL,
	size          INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_action ON artifacts(action_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_age ON artifacts(workspace_id, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id             TEXT PRIMARY KEY,
	workspace_id   TEXT NOT NULL,
	actor_user_id  TEXT,
	action         TEXT NOT NULL,
	target_type    TEXT NOT NULL DEFAULT '',
	target_id      TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_logs(workspace_id, created_at);

CREATE TABLE IF NOT EXISTS account_leases (
	social_account_id  TEXT PRIMARY KEY,
	holder             TEXT NOT NULL,
	expires_at         INTEGER NOT NULL
);
`
