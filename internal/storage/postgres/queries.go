package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage"
)

// Queries implements storage.Queries over a DBTX.
type Queries struct {
	db DBTX
}

var _ storage.Queries = (*Queries)(nil)

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the query set to a transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNoRows
	}
	return err
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func parseRate(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse stored rate: %w", err)
	}
	return d, nil
}

func (q *Queries) GetAgent(ctx context.Context, id uuid.UUID) (models.Agent, error) {
	var a models.Agent
	err := q.db.QueryRow(ctx,
		`SELECT id, name, currency, balance_minor, is_active, created_at FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Currency, &a.BalanceMinor, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return models.Agent{}, mapNoRows(err)
	}
	return a, nil
}

func (q *Queries) GetTerminal(ctx context.Context, id uuid.UUID) (models.Terminal, error) {
	var t models.Terminal
	err := q.db.QueryRow(ctx,
		`SELECT id, agent_id, name, is_active FROM terminals WHERE id = $1`, id,
	).Scan(&t.ID, &t.AgentID, &t.Name, &t.IsActive)
	if err != nil {
		return models.Terminal{}, mapNoRows(err)
	}
	return t, nil
}

func (q *Queries) GetService(ctx context.Context, id uuid.UUID) (models.Service, error) {
	var (
		s        models.Service
		defaults []byte
	)
	err := q.db.QueryRow(ctx,
		`SELECT id, name, provider_code, settlement_currency, min_amount_minor, max_amount_minor,
		        fee_basis_points, fee_fixed_minor, account_definition_code, allowed_currencies,
		        parameter_defaults, is_active
		 FROM services WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.ProviderCode, &s.SettlementCurrency, &s.MinAmountMinor, &s.MaxAmountMinor,
		&s.FeeBasisPoints, &s.FeeFixedMinor, &s.AccountDefinitionCode, &s.AllowedCurrencies,
		&defaults, &s.IsActive)
	if err != nil {
		return models.Service{}, mapNoRows(err)
	}
	if s.ParameterDefaults, err = unmarshalMap(defaults); err != nil {
		return models.Service{}, fmt.Errorf("decode service defaults: %w", err)
	}
	return s, nil
}

func (q *Queries) GetAccountDefinitionByCode(ctx context.Context, code string) (models.AccountDefinition, error) {
	var d models.AccountDefinition
	err := q.db.QueryRow(ctx,
		`SELECT id, code, COALESCE(regex, ''), normalize_mode, algorithm,
		        COALESCE(min_length, 0), COALESCE(max_length, 0)
		 FROM account_definitions WHERE lower(code) = lower($1)`, code,
	).Scan(&d.ID, &d.Code, &d.Regex, &d.NormalizeMode, &d.Algorithm, &d.MinLength, &d.MaxLength)
	if err != nil {
		return models.AccountDefinition{}, mapNoRows(err)
	}
	return d, nil
}

func (q *Queries) ListAccountDefinitions(ctx context.Context) ([]models.AccountDefinition, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, code, COALESCE(regex, ''), normalize_mode, algorithm,
		        COALESCE(min_length, 0), COALESCE(max_length, 0)
		 FROM account_definitions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AccountDefinition
	for rows.Next() {
		var d models.AccountDefinition
		if err := rows.Scan(&d.ID, &d.Code, &d.Regex, &d.NormalizeMode, &d.Algorithm, &d.MinLength, &d.MaxLength); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertAccountDefinition(ctx context.Context, def models.AccountDefinition) (models.AccountDefinition, error) {
	err := q.db.QueryRow(ctx,
		`INSERT INTO account_definitions (code, regex, normalize_mode, algorithm, min_length, max_length)
		 VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, 0), NULLIF($6, 0))
		 ON CONFLICT (code) DO UPDATE SET
		   regex = EXCLUDED.regex,
		   normalize_mode = EXCLUDED.normalize_mode,
		   algorithm = EXCLUDED.algorithm,
		   min_length = EXCLUDED.min_length,
		   max_length = EXCLUDED.max_length
		 RETURNING id`,
		def.Code, def.Regex, def.NormalizeMode, def.Algorithm, def.MinLength, def.MaxLength,
	).Scan(&def.ID)
	if err != nil {
		return models.AccountDefinition{}, err
	}
	return def, nil
}

func (q *Queries) AdjustAgentBalance(ctx context.Context, id uuid.UUID, deltaMinor int64) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE agents SET balance_minor = balance_minor + $2 WHERE id = $1 AND balance_minor + $2 >= 0`,
		id, deltaMinor)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const fxRateColumns = `id, agent_id, base_currency, quote_currency, rate::text, source, is_active, updated_at`

func (q *Queries) scanFxRate(row pgx.Row) (models.FxRate, error) {
	var (
		r       models.FxRate
		rateRaw string
	)
	if err := row.Scan(&r.ID, &r.AgentID, &r.Base, &r.Quote, &rateRaw, &r.Source, &r.IsActive, &r.UpdatedAt); err != nil {
		return models.FxRate{}, mapNoRows(err)
	}
	rate, err := parseRate(rateRaw)
	if err != nil {
		return models.FxRate{}, err
	}
	r.Rate = rate
	return r, nil
}

func (q *Queries) GetActiveFxRate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	return q.scanFxRate(q.db.QueryRow(ctx,
		`SELECT `+fxRateColumns+` FROM fx_rates
		 WHERE agent_id = $1 AND base_currency = $2 AND quote_currency = $3 AND is_active`,
		agentID, base, quote))
}

func (q *Queries) GetActiveFxRateForUpdate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	return q.scanFxRate(q.db.QueryRow(ctx,
		`SELECT `+fxRateColumns+` FROM fx_rates
		 WHERE agent_id = $1 AND base_currency = $2 AND quote_currency = $3 AND is_active
		 FOR UPDATE`,
		agentID, base, quote))
}

func (q *Queries) InsertFxRate(ctx context.Context, rate models.FxRate) (models.FxRate, error) {
	err := q.db.QueryRow(ctx,
		`INSERT INTO fx_rates (agent_id, base_currency, quote_currency, rate, source, is_active, updated_at)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		 RETURNING id`,
		rate.AgentID, rate.Base, rate.Quote, rate.Rate.String(), rate.Source, rate.IsActive, rate.UpdatedAt,
	).Scan(&rate.ID)
	if err != nil {
		return models.FxRate{}, err
	}
	return rate, nil
}

func (q *Queries) UpdateFxRate(ctx context.Context, id int64, rate decimal.Decimal, source string, updatedAt time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE fx_rates SET rate = $2::numeric, source = $3, updated_at = $4 WHERE id = $1`,
		id, rate.String(), source, updatedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListActiveFxRates(ctx context.Context, agentID uuid.UUID) ([]models.FxRate, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+fxRateColumns+` FROM fx_rates
		 WHERE agent_id = $1 AND is_active ORDER BY base_currency, quote_currency`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FxRate
	for rows.Next() {
		r, err := q.scanFxRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const transferColumns = `id, agent_id, terminal_id, service_id, external_id, account, account_normalized,
	currency, amount_minor, credit_currency, credit_amount_minor, provider_fee_minor, status,
	quotation_id, payload_hash, parameters, provider_ref, provider_fields, provider_error,
	created_at, confirmed_at, completed_at`

func scanTransfer(row pgx.Row) (models.Transfer, error) {
	var (
		t          models.Transfer
		params     []byte
		provFields []byte
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.TerminalID, &t.ServiceID, &t.ExternalID, &t.Account, &t.AccountNormalized,
		&t.Currency, &t.AmountMinor, &t.CreditCurrency, &t.CreditAmountMinor, &t.ProviderFeeMinor, &t.Status,
		&t.QuotationID, &t.PayloadHash, &params, &t.ProviderRef, &provFields, &t.ProviderError,
		&t.CreatedAt, &t.ConfirmedAt, &t.CompletedAt)
	if err != nil {
		return models.Transfer{}, mapNoRows(err)
	}
	if t.Parameters, err = unmarshalMap(params); err != nil {
		return models.Transfer{}, fmt.Errorf("decode transfer parameters: %w", err)
	}
	if t.ProviderFields, err = unmarshalMap(provFields); err != nil {
		return models.Transfer{}, fmt.Errorf("decode provider fields: %w", err)
	}
	return t, nil
}

func (q *Queries) InsertTransfer(ctx context.Context, t models.Transfer) (models.Transfer, error) {
	params, err := marshalMap(t.Parameters)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("encode transfer parameters: %w", err)
	}
	err = q.db.QueryRow(ctx,
		`INSERT INTO transfers (agent_id, terminal_id, service_id, external_id, account, account_normalized,
		        currency, amount_minor, credit_currency, credit_amount_minor, provider_fee_minor, status,
		        payload_hash, parameters, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id, created_at`,
		t.AgentID, t.TerminalID, t.ServiceID, t.ExternalID, t.Account, t.AccountNormalized,
		t.Currency, t.AmountMinor, t.CreditCurrency, t.CreditAmountMinor, t.ProviderFeeMinor, t.Status,
		t.PayloadHash, params, t.CreatedAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return models.Transfer{}, err
	}
	return t, nil
}

func (q *Queries) GetTransfer(ctx context.Context, id int64) (models.Transfer, error) {
	return scanTransfer(q.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

func (q *Queries) GetTransferForUpdate(ctx context.Context, id int64) (models.Transfer, error) {
	return scanTransfer(q.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetTransferByExternalID(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error) {
	return scanTransfer(q.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE agent_id = $1 AND external_id = $2`, agentID, externalID))
}

func (q *Queries) GetTransferByExternalIDForUpdate(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error) {
	return scanTransfer(q.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE agent_id = $1 AND external_id = $2 FOR UPDATE`, agentID, externalID))
}

func (q *Queries) UpdateTransferStatus(ctx context.Context, id int64, status string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE transfers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetTransferQuotation(ctx context.Context, id int64, quotationID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE transfers SET quotation_id = $2 WHERE id = $1`, id, quotationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetTransferConfirmedAt(ctx context.Context, id int64, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE transfers SET confirmed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetTransferCompletedAt(ctx context.Context, id int64, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE transfers SET completed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetTransferProviderOutcome(ctx context.Context, id int64, providerRef *string, fields map[string]string, providerErr *string) (int64, error) {
	var raw []byte
	if fields != nil {
		var err error
		if raw, err = marshalMap(fields); err != nil {
			return 0, fmt.Errorf("encode provider fields: %w", err)
		}
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE transfers SET
		   provider_ref = COALESCE($2, provider_ref),
		   provider_fields = COALESCE($3, provider_fields),
		   provider_error = COALESCE($4, provider_error)
		 WHERE id = $1`,
		id, providerRef, raw, providerErr)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListExpiredPrepared(ctx context.Context, now time.Time, limit int32) ([]models.Transfer, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+prefixedTransferColumns("t")+`
		 FROM transfers t
		 JOIN quotations qt ON qt.id = t.quotation_id
		 WHERE t.status = 'PREPARED' AND qt.expires_at <= $1
		 ORDER BY t.id
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func (q *Queries) ListTransfersByStatus(ctx context.Context, status string, limit, offset int32) ([]models.Transfer, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE status = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransfers(rows)
}

func collectTransfers(rows pgx.Rows) ([]models.Transfer, error) {
	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func prefixedTransferColumns(alias string) string {
	return alias + `.id, ` + alias + `.agent_id, ` + alias + `.terminal_id, ` + alias + `.service_id, ` +
		alias + `.external_id, ` + alias + `.account, ` + alias + `.account_normalized, ` +
		alias + `.currency, ` + alias + `.amount_minor, ` + alias + `.credit_currency, ` +
		alias + `.credit_amount_minor, ` + alias + `.provider_fee_minor, ` + alias + `.status, ` +
		alias + `.quotation_id, ` + alias + `.payload_hash, ` + alias + `.parameters, ` +
		alias + `.provider_ref, ` + alias + `.provider_fields, ` + alias + `.provider_error, ` +
		alias + `.created_at, ` + alias + `.confirmed_at, ` + alias + `.completed_at`
}

func (q *Queries) InsertQuotation(ctx context.Context, quote models.Quotation) error {
	params, err := marshalMap(quote.Parameters)
	if err != nil {
		return fmt.Errorf("encode quotation parameters: %w", err)
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO quotations (id, transfer_id, rate, parameters, created_at, expires_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		quote.ID, quote.TransferID, quote.Rate.String(), params, quote.CreatedAt, quote.ExpiresAt)
	return err
}

func (q *Queries) GetQuotation(ctx context.Context, id string) (models.Quotation, error) {
	var (
		quote   models.Quotation
		rateRaw string
		params  []byte
	)
	err := q.db.QueryRow(ctx,
		`SELECT id, transfer_id, rate::text, parameters, created_at, expires_at, consumed_at
		 FROM quotations WHERE id = $1`, id,
	).Scan(&quote.ID, &quote.TransferID, &rateRaw, &params, &quote.CreatedAt, &quote.ExpiresAt, &quote.ConsumedAt)
	if err != nil {
		return models.Quotation{}, mapNoRows(err)
	}
	if quote.Rate, err = parseRate(rateRaw); err != nil {
		return models.Quotation{}, err
	}
	if quote.Parameters, err = unmarshalMap(params); err != nil {
		return models.Quotation{}, fmt.Errorf("decode quotation parameters: %w", err)
	}
	return quote, nil
}

func (q *Queries) ConsumeQuotation(ctx context.Context, id string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE quotations SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, id, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) DeleteExpiredQuotations(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM quotations WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const outboxColumns = `id, transfer_id, provider_code, request, status, attempts, next_attempt_at,
	claimed_at, COALESCE(last_error, ''), timeout_fault, created_at, updated_at`

func scanOutboxEntry(row pgx.Row) (models.OutboxEntry, error) {
	var (
		e   models.OutboxEntry
		req []byte
	)
	err := row.Scan(&e.ID, &e.TransferID, &e.ProviderCode, &req, &e.Status, &e.Attempts, &e.NextAttemptAt,
		&e.ClaimedAt, &e.LastError, &e.TimeoutFault, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.OutboxEntry{}, mapNoRows(err)
	}
	if err := json.Unmarshal(req, &e.Request); err != nil {
		return models.OutboxEntry{}, fmt.Errorf("decode outbox request: %w", err)
	}
	return e, nil
}

func (q *Queries) InsertOutboxEntry(ctx context.Context, e models.OutboxEntry) (models.OutboxEntry, error) {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("encode outbox request: %w", err)
	}
	err = q.db.QueryRow(ctx,
		`INSERT INTO outbox (transfer_id, provider_code, request, status, attempts, next_attempt_at, timeout_fault)
		 VALUES ($1, $2, $3, $4, $5, $6, false)
		 RETURNING id, created_at, updated_at`,
		e.TransferID, e.ProviderCode, req, e.Status, e.Attempts, e.NextAttemptAt,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return models.OutboxEntry{}, err
	}
	return e, nil
}

func (q *Queries) ClaimDueOutbox(ctx context.Context, now time.Time, limit int32) ([]models.OutboxEntry, error) {
	rows, err := q.db.Query(ctx,
		`UPDATE outbox SET status = 'IN_FLIGHT', claimed_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox
		   WHERE status = 'PENDING' AND next_attempt_at <= $1
		   ORDER BY next_attempt_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED)
		 RETURNING `+outboxColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) MarkOutboxSuccess(ctx context.Context, id int64, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE outbox SET status = 'SUCCESS', claimed_at = NULL, timeout_fault = false, updated_at = $2 WHERE id = $1`,
		id, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkOutboxFailed(ctx context.Context, id int64, lastError string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE outbox SET status = 'FAILED', last_error = $2, claimed_at = NULL, timeout_fault = false, updated_at = $3 WHERE id = $1`,
		id, lastError, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) RescheduleOutbox(ctx context.Context, id int64, attempts int32, dueAt time.Time, lastError string, timeoutFault bool) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', attempts = $2, next_attempt_at = $3, last_error = $4,
		        timeout_fault = $5, claimed_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, attempts, dueAt, lastError, timeoutFault)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) MarkOutboxExhausted(ctx context.Context, id int64, lastError string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE outbox SET status = 'RETRY_EXHAUSTED', last_error = $2, claimed_at = NULL, updated_at = $3 WHERE id = $1`,
		id, lastError, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) RequeueStaleOutbox(ctx context.Context, cutoff time.Time, limit int32) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', claimed_at = NULL, updated_at = now()
		 WHERE id IN (
		   SELECT id FROM outbox
		   WHERE status = 'IN_FLIGHT' AND claimed_at <= $1
		   ORDER BY claimed_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED)`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) GetOutboxEntryByTransfer(ctx context.Context, transferID int64) (models.OutboxEntry, error) {
	return scanOutboxEntry(q.db.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE transfer_id = $1 ORDER BY id DESC LIMIT 1`, transferID))
}

func (q *Queries) InsertAudit(ctx context.Context, rec models.AuditRecord) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO audit_log (entity_type, entity_id, action, prev_state, next_state, metadata)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
		rec.EntityType, rec.EntityID, rec.Action, rec.PrevState, rec.NextState, rec.Metadata)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
