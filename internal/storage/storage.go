// Package storage defines the persistence contract the engine runs on: a
// typed query set plus a transaction scope. Two implementations exist,
// postgres (pgx) and memory (tests, local development).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sendbridge/remitd/internal/models"
)

// ErrNoRows is returned by lookups that match nothing, regardless of backend.
var ErrNoRows = errors.New("storage: no rows")

// Queries is the typed data access surface. Methods returning an affected-row
// count perform conditional updates; callers verify exactly one row changed.
type Queries interface {
	// Reference data, read-only for the engine.
	GetAgent(ctx context.Context, id uuid.UUID) (models.Agent, error)
	GetTerminal(ctx context.Context, id uuid.UUID) (models.Terminal, error)
	GetService(ctx context.Context, id uuid.UUID) (models.Service, error)
	GetAccountDefinitionByCode(ctx context.Context, code string) (models.AccountDefinition, error)
	ListAccountDefinitions(ctx context.Context) ([]models.AccountDefinition, error)
	UpsertAccountDefinition(ctx context.Context, def models.AccountDefinition) (models.AccountDefinition, error)

	// AdjustAgentBalance applies a signed delta to the agent float. A negative
	// delta only succeeds while the resulting balance stays non-negative; the
	// affected-row count is zero otherwise.
	AdjustAgentBalance(ctx context.Context, id uuid.UUID, deltaMinor int64) (int64, error)

	// FX rates. Resolution never inverts a stored direction.
	GetActiveFxRate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error)
	GetActiveFxRateForUpdate(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error)
	InsertFxRate(ctx context.Context, rate models.FxRate) (models.FxRate, error)
	UpdateFxRate(ctx context.Context, id int64, rate decimal.Decimal, source string, updatedAt time.Time) (int64, error)
	ListActiveFxRates(ctx context.Context, agentID uuid.UUID) ([]models.FxRate, error)

	// Transfers.
	InsertTransfer(ctx context.Context, t models.Transfer) (models.Transfer, error)
	GetTransfer(ctx context.Context, id int64) (models.Transfer, error)
	GetTransferForUpdate(ctx context.Context, id int64) (models.Transfer, error)
	GetTransferByExternalID(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error)
	GetTransferByExternalIDForUpdate(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error)
	UpdateTransferStatus(ctx context.Context, id int64, status string) (int64, error)
	SetTransferQuotation(ctx context.Context, id int64, quotationID string) (int64, error)
	SetTransferConfirmedAt(ctx context.Context, id int64, at time.Time) (int64, error)
	SetTransferCompletedAt(ctx context.Context, id int64, at time.Time) (int64, error)
	SetTransferProviderOutcome(ctx context.Context, id int64, providerRef *string, fields map[string]string, providerErr *string) (int64, error)
	// ListExpiredPrepared returns PREPARED transfers whose bound quotation
	// passed its expiry before now.
	ListExpiredPrepared(ctx context.Context, now time.Time, limit int32) ([]models.Transfer, error)
	ListTransfersByStatus(ctx context.Context, status string, limit, offset int32) ([]models.Transfer, error)

	// Quotations.
	InsertQuotation(ctx context.Context, q models.Quotation) error
	GetQuotation(ctx context.Context, id string) (models.Quotation, error)
	// ConsumeQuotation is the atomic take: it succeeds at most once per
	// quotation and returns the affected-row count.
	ConsumeQuotation(ctx context.Context, id string, at time.Time) (int64, error)
	DeleteExpiredQuotations(ctx context.Context, cutoff time.Time) (int64, error)

	// Outbox.
	InsertOutboxEntry(ctx context.Context, e models.OutboxEntry) (models.OutboxEntry, error)
	// ClaimDueOutbox atomically moves due PENDING entries to IN_FLIGHT and
	// returns them. An entry is claimed by exactly one caller.
	ClaimDueOutbox(ctx context.Context, now time.Time, limit int32) ([]models.OutboxEntry, error)
	MarkOutboxSuccess(ctx context.Context, id int64, at time.Time) (int64, error)
	MarkOutboxFailed(ctx context.Context, id int64, lastError string, at time.Time) (int64, error)
	RescheduleOutbox(ctx context.Context, id int64, attempts int32, dueAt time.Time, lastError string, timeoutFault bool) (int64, error)
	MarkOutboxExhausted(ctx context.Context, id int64, lastError string, at time.Time) (int64, error)
	// RequeueStaleOutbox returns IN_FLIGHT entries claimed before cutoff to
	// PENDING so a crashed worker cannot strand them.
	RequeueStaleOutbox(ctx context.Context, cutoff time.Time, limit int32) (int64, error)
	GetOutboxEntryByTransfer(ctx context.Context, transferID int64) (models.OutboxEntry, error)

	// Audit trail.
	InsertAudit(ctx context.Context, rec models.AuditRecord) error
}

// Store provides the non-transactional query set and transaction scoping.
// RunInTx is the atomic unit of work: every multi-write sequence in the
// engine (Prepare's create, Confirm's transition plus outbox enqueue, the
// FX upsert) runs inside it.
type Store interface {
	Queries() Queries
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}
