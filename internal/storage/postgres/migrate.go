package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id            UUID PRIMARY KEY,
		name          TEXT NOT NULL,
		currency      TEXT NOT NULL,
		balance_minor BIGINT NOT NULL DEFAULT 0 CHECK (balance_minor >= 0),
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS terminals (
		id        UUID PRIMARY KEY,
		agent_id  UUID NOT NULL REFERENCES agents(id),
		name      TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS account_definitions (
		id             BIGSERIAL PRIMARY KEY,
		code           TEXT NOT NULL UNIQUE,
		regex          TEXT,
		normalize_mode TEXT NOT NULL DEFAULT 'NONE',
		algorithm      TEXT NOT NULL DEFAULT 'NONE',
		min_length     INT,
		max_length     INT
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id                      UUID PRIMARY KEY,
		name                    TEXT NOT NULL,
		provider_code           TEXT NOT NULL,
		settlement_currency     TEXT NOT NULL,
		min_amount_minor        BIGINT NOT NULL DEFAULT 0,
		max_amount_minor        BIGINT NOT NULL DEFAULT 0,
		fee_basis_points        INT NOT NULL DEFAULT 0,
		fee_fixed_minor         BIGINT NOT NULL DEFAULT 0,
		account_definition_code TEXT NOT NULL REFERENCES account_definitions(code),
		allowed_currencies      TEXT[] NOT NULL DEFAULT '{}',
		parameter_defaults      JSONB NOT NULL DEFAULT '{}',
		is_active               BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS fx_rates (
		id             BIGSERIAL PRIMARY KEY,
		agent_id       UUID NOT NULL REFERENCES agents(id),
		base_currency  TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		rate           NUMERIC(24, 12) NOT NULL CHECK (rate > 0),
		source         TEXT NOT NULL DEFAULT '',
		is_active      BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS fx_rates_active_pair
		ON fx_rates (agent_id, base_currency, quote_currency) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id                  BIGSERIAL PRIMARY KEY,
		agent_id            UUID NOT NULL REFERENCES agents(id),
		terminal_id         UUID NOT NULL REFERENCES terminals(id),
		service_id          UUID NOT NULL REFERENCES services(id),
		external_id         TEXT NOT NULL,
		account             TEXT NOT NULL,
		account_normalized  TEXT NOT NULL,
		currency            TEXT NOT NULL,
		amount_minor        BIGINT NOT NULL,
		credit_currency     TEXT NOT NULL,
		credit_amount_minor BIGINT NOT NULL,
		provider_fee_minor  BIGINT NOT NULL DEFAULT 0,
		status              TEXT NOT NULL,
		quotation_id        TEXT,
		payload_hash        TEXT NOT NULL,
		parameters          JSONB NOT NULL DEFAULT '{}',
		provider_ref        TEXT,
		provider_fields     JSONB,
		provider_error      TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		confirmed_at        TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		UNIQUE (agent_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS transfers_status_idx ON transfers (status)`,
	`CREATE TABLE IF NOT EXISTS quotations (
		id          TEXT PRIMARY KEY,
		transfer_id BIGINT NOT NULL REFERENCES transfers(id),
		rate        NUMERIC(24, 12) NOT NULL,
		parameters  JSONB NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS quotations_expires_idx ON quotations (expires_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id              BIGSERIAL PRIMARY KEY,
		transfer_id     BIGINT NOT NULL REFERENCES transfers(id),
		provider_code   TEXT NOT NULL,
		request         JSONB NOT NULL,
		status          TEXT NOT NULL,
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		claimed_at      TIMESTAMPTZ,
		last_error      TEXT,
		timeout_fault   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_due_idx ON outbox (status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          BIGSERIAL PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		prev_state  TEXT,
		next_state  TEXT,
		metadata    JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates every table and index the engine uses. Statements are
// idempotent, so calling it on every boot is safe.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
