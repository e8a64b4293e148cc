package store

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one per string. The DDL is
// portable between SQLite and PostgreSQL: BIGINT maps to INTEGER affinity in
// SQLite and booleans are stored as 0/1 integers in both.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_ms  BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS experts (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES users(id),
			display_name     TEXT NOT NULL,
			rate_per_minute  BIGINT NOT NULL CHECK (rate_per_minute > 0),
			approved         INTEGER NOT NULL DEFAULT 0,
			unclaimed        BIGINT NOT NULL DEFAULT 0 CHECK (unclaimed >= 0),
			rating_count     BIGINT NOT NULL DEFAULT 0,
			rating_sum       BIGINT NOT NULL DEFAULT 0,
			created_ms       BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_experts_user ON experts(user_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			caller_id         TEXT NOT NULL REFERENCES users(id),
			expert_id         TEXT NOT NULL REFERENCES experts(id),
			state             TEXT NOT NULL,
			rate_per_minute   BIGINT NOT NULL,
			started_ms        BIGINT,
			ended_ms          BIGINT,
			duration_seconds  BIGINT NOT NULL DEFAULT 0,
			minutes           BIGINT NOT NULL DEFAULT 0,
			tokens_spent      BIGINT NOT NULL DEFAULT 0,
			tokens_debited    BIGINT NOT NULL DEFAULT 0,
			expert_credit     BIGINT NOT NULL DEFAULT 0,
			caller_balance    BIGINT NOT NULL DEFAULT 0,
			end_reason        TEXT NOT NULL DEFAULT '',
			ended_by          TEXT NOT NULL DEFAULT '',
			rating            INTEGER NOT NULL DEFAULT 0,
			review            TEXT NOT NULL DEFAULT '',
			created_ms        BIGINT NOT NULL,
			updated_ms        BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, updated_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expert ON sessions(expert_id, state)`,

		// Append-only: rows are inserted and never updated.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id              TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			bucket          TEXT NOT NULL,
			type            TEXT NOT NULL,
			amount          BIGINT NOT NULL CHECK (amount >= 0),
			balance_before  BIGINT NOT NULL,
			balance_after   BIGINT NOT NULL CHECK (balance_after >= 0),
			session_id      TEXT,
			description     TEXT NOT NULL DEFAULT '',
			created_ms      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id, created_ms)`,
		// One settlement debit and credit per session: a second settlement
		// cannot commit. Refunds may be split across several entries.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_session_once
			ON ledger_entries(session_id, account_id, bucket, type)
			WHERE session_id IS NOT NULL AND type IN ('debit', 'credit')`,

		`CREATE TABLE IF NOT EXISTS expert_availability (
			expert_id     TEXT PRIMARY KEY REFERENCES experts(id),
			online        INTEGER NOT NULL DEFAULT 0,
			busy          INTEGER NOT NULL DEFAULT 0,
			session_id    TEXT,
			last_seen_ms  BIGINT NOT NULL DEFAULT 0,
			updated_ms    BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_availability_online ON expert_availability(online, busy)`,

		// Live roster reported by each transport instance.
		`CREATE TABLE IF NOT EXISTS roster_reports (
			reporter     TEXT PRIMARY KEY,
			session_ids  TEXT NOT NULL DEFAULT '[]',
			expert_ids   TEXT NOT NULL DEFAULT '[]',
			reported_ms  BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS leases (
			name        TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			expires_ms  BIGINT NOT NULL
		)`,
	}
}
