package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Agent is an integration partner submitting transfer orders. Balance is the
// prepaid float the agent draws down at confirmation time.
type Agent struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Terminal is a point of sale owned by an agent.
type Terminal struct {
	ID       uuid.UUID `json:"id"`
	AgentID  uuid.UUID `json:"agent_id"`
	Name     string    `json:"name"`
	IsActive bool      `json:"is_active"`
}

// Service is a payable destination product: which provider settles it, in
// which currency, and within which amount bounds.
type Service struct {
	ID                    uuid.UUID         `json:"id"`
	Name                  string            `json:"name"`
	ProviderCode          string            `json:"provider_code"`
	SettlementCurrency    string            `json:"settlement_currency"`
	MinAmountMinor        int64             `json:"min_amount_minor"`
	MaxAmountMinor        int64             `json:"max_amount_minor"`
	FeeBasisPoints        int32             `json:"fee_basis_points"`
	FeeFixedMinor         int64             `json:"fee_fixed_minor"`
	AccountDefinitionCode string            `json:"account_definition_code"`
	AllowedCurrencies     []string          `json:"allowed_currencies"`
	ParameterDefaults     map[string]string `json:"parameter_defaults"`
	IsActive              bool              `json:"is_active"`
}

// AccountDefinition is immutable reference data describing how a destination
// account string is normalized and verified.
type AccountDefinition struct {
	ID            int64  `json:"id"`
	Code          string `json:"code"`
	Regex         string `json:"regex,omitempty"`
	NormalizeMode string `json:"normalize_mode"`
	Algorithm     string `json:"algorithm"`
	MinLength     int    `json:"min_length,omitempty"`
	MaxLength     int    `json:"max_length,omitempty"`
}

// FxRate is one stored direction of a currency pair for one agent.
// Directions are never inverted implicitly; spreads may differ by direction.
type FxRate struct {
	ID        int64           `json:"id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	IsActive  bool            `json:"is_active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transfer is the authoritative order record. (AgentID, ExternalID) is the
// agent-supplied idempotency key; ID is the internal numeric identity.
type Transfer struct {
	ID                int64             `json:"id"`
	AgentID           uuid.UUID         `json:"agent_id"`
	TerminalID        uuid.UUID         `json:"terminal_id"`
	ServiceID         uuid.UUID         `json:"service_id"`
	ExternalID        string            `json:"external_id"`
	Account           string            `json:"account"`
	AccountNormalized string            `json:"account_normalized"`
	Currency          string            `json:"currency"`
	AmountMinor       int64             `json:"amount_minor"`
	CreditCurrency    string            `json:"credit_currency"`
	CreditAmountMinor int64             `json:"credit_amount_minor"`
	ProviderFeeMinor  int64             `json:"provider_fee_minor"`
	Status            string            `json:"status"`
	QuotationID       *string           `json:"quotation_id,omitempty"`
	PayloadHash       string            `json:"-"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	ProviderRef       *string           `json:"provider_ref,omitempty"`
	ProviderFields    map[string]string `json:"provider_fields,omitempty"`
	ProviderError     *string           `json:"provider_error,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// Quotation is a short-lived price snapshot binding a quoted rate and
// parameter set to exactly one confirmation. Never mutated after creation
// except for the single consume.
type Quotation struct {
	ID         string            `json:"id"`
	TransferID int64             `json:"transfer_id"`
	Rate       decimal.Decimal   `json:"rate"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty"`
}

// ProviderRequest is the settlement call contract handed to a gateway.
type ProviderRequest struct {
	TransferID        int64             `json:"transfer_id"`
	ExternalID        string            `json:"external_id"`
	AgentID           uuid.UUID         `json:"agent_id"`
	ProviderCode      string            `json:"provider_code"`
	Account           string            `json:"account"`
	AmountMinor       int64             `json:"amount_minor"`
	Currency          string            `json:"currency"`
	CreditAmountMinor int64             `json:"credit_amount_minor"`
	CreditCurrency    string            `json:"credit_currency"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	// ProviderParams carries fields received from the provider on earlier
	// steps of multi-step protocols.
	ProviderParams map[string]string `json:"provider_params,omitempty"`
}

// ProviderResult is the gateway outcome. Status uses the outbox vocabulary:
// SUCCESS and FAILED are definitive, PENDING means the provider has not
// resolved the request yet and the dispatcher should retry.
type ProviderResult struct {
	Status      string            `json:"status"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// OutboxEntry is a durable settlement task created in the same unit of work
// as the Confirm transition and drained by the dispatcher.
type OutboxEntry struct {
	ID            int64           `json:"id"`
	TransferID    int64           `json:"transfer_id"`
	ProviderCode  string          `json:"provider_code"`
	Request       ProviderRequest `json:"request"`
	Status        string          `json:"status"`
	Attempts      int32           `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	// TimeoutFault marks the last failure as an ambiguous timeout, which
	// routes the entry through the provider status query before it can be
	// declared failed.
	TimeoutFault bool      `json:"timeout_fault"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuditRecord is one immutable state-transition trail entry.
type AuditRecord struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	PrevState  string    `json:"prev_state,omitempty"`
	NextState  string    `json:"next_state,omitempty"`
	Metadata   []byte    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
