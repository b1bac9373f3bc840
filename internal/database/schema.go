package database

import "strings"

// Statements are kept portable; only the auto-increment column differs.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id VARCHAR(64) PRIMARY KEY,
    plan VARCHAR(16) NOT NULL DEFAULT 'free',
    total_credits BIGINT NOT NULL DEFAULT 0,
    used_credits BIGINT NOT NULL DEFAULT 0,
    reset_date TIMESTAMP NULL,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CHECK (used_credits >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
    id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    amount BIGINT NOT NULL,
    tx_type VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL,
    description VARCHAR(255) NOT NULL DEFAULT '',
    reference_id VARCHAR(128) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tx_type, reference_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS generation_history (
    id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    job_id VARCHAR(128) NOT NULL,
    voice_id VARCHAR(128) NOT NULL,
    text_length INT NOT NULL,
    credits_used BIGINT NOT NULL,
    audio_url TEXT NOT NULL,
    billed SMALLINT NOT NULL DEFAULT 0,
    sweep_attempts INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (job_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`,
	`CREATE TABLE IF NOT EXISTS pricing_plans (
    id {{autoid}},
    tier VARCHAR(16) NOT NULL,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    credits BIGINT NOT NULL,
    period_days INT NOT NULL DEFAULT 30,
    is_active SMALLINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    plan_id BIGINT NOT NULL,
    provider_order_id VARCHAR(128) NOT NULL,
    provider_payment_id VARCHAR(128) NOT NULL DEFAULT '',
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (provider_order_id)
)`,
}

func schemaFor(d Dialect) []string {
	autoID := "BIGINT AUTO_INCREMENT PRIMARY KEY"
	switch d {
	case Postgres:
		autoID = "BIGSERIAL PRIMARY KEY"
	case SQLite:
		autoID = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	out := make([]string, 0, len(schemaStatements))
	for _, stmt := range schemaStatements {
		out = append(out, strings.ReplaceAll(stmt, "{{autoid}}", autoID))
	}
	return out
}
