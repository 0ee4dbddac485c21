package store

import (
	"database/sql"
	"fmt"
)

// schema is the set of tables required by the design. All rows carry
// created_at/updated_at; multi-tenant rows carry tenant_id. Indexes match
// the minimum set the design lists.
const schema = `
CREATE TABLE IF NOT EXISTS capability_tokens (
	token_id      TEXT PRIMARY KEY,
	jti           TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	subject       TEXT NOT NULL,
	capabilities  TEXT NOT NULL,
	issued_at     TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	revoked_at    TEXT,
	active        INTEGER NOT NULL DEFAULT 1,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	token_hash    TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_captokens_jti ON capability_tokens(jti);
CREATE INDEX IF NOT EXISTS idx_captokens_tenant ON capability_tokens(tenant_id);
CREATE INDEX IF NOT EXISTS idx_captokens_tenant_active ON capability_tokens(tenant_id, active);
CREATE INDEX IF NOT EXISTS idx_captokens_expires ON capability_tokens(expires_at);

CREATE TABLE IF NOT EXISTS token_audit_logs (
	audit_id       TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	token_id       TEXT,
	operation      TEXT NOT NULL,
	status         TEXT NOT NULL,
	request_json   TEXT,
	response_json  TEXT,
	error          TEXT,
	duration_ms    INTEGER NOT NULL,
	correlation_id TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON token_audit_logs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS token_cleanup_jobs (
	job_id             TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	tokens_processed   INTEGER NOT NULL DEFAULT 0,
	tokens_cleaned     INTEGER NOT NULL DEFAULT 0,
	errors_encountered INTEGER NOT NULL DEFAULT 0,
	dry_run            INTEGER NOT NULL DEFAULT 0,
	duration_seconds   REAL NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS replay_protection (
	jti            TEXT PRIMARY KEY,
	token_hash     TEXT NOT NULL,
	expires_at     TEXT NOT NULL,
	first_seen_ip  TEXT,
	usage_count    INTEGER NOT NULL DEFAULT 1,
	last_used_at   TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replay_expires ON replay_protection(expires_at);

CREATE TABLE IF NOT EXISTS capability_violations (
	violation_id          TEXT PRIMARY KEY,
	tenant_id             TEXT NOT NULL,
	violation_type        TEXT NOT NULL,
	attempted_action      TEXT,
	required_capability   TEXT,
	provided_capabilities TEXT,
	endpoint              TEXT,
	method                TEXT,
	ip                    TEXT,
	agent                 TEXT,
	subject               TEXT,
	severity              TEXT NOT NULL,
	context_json          TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_violations_tenant_created ON capability_violations(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS token_usage_tracking (
	usage_id          TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	token_id          TEXT NOT NULL,
	action_performed  TEXT NOT NULL,
	capabilities_used TEXT,
	success           INTEGER NOT NULL,
	response_time_ms  INTEGER NOT NULL,
	context_json      TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_created ON token_usage_tracking(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS tool_allow_lists (
	rule_id         TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	capability_name TEXT NOT NULL,
	tool_pattern    TEXT NOT NULL,
	action_pattern  TEXT,
	rule_type       TEXT NOT NULL,
	pattern_type    TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 1,
	description     TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_allowlist_unique ON tool_allow_lists(tenant_id, capability_name, tool_pattern);

CREATE TABLE IF NOT EXISTS policies (
	policy_id   TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	source      TEXT NOT NULL,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_tenant ON policies(tenant_id);
`

// Migrate creates every table and index required by the design, idempotently.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}
