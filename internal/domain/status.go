package domain

// Transfer lifecycle states.
const (
	TransferStatusNew       = "NEW"
	TransferStatusPrepared  = "PREPARED"
	TransferStatusConfirmed = "CONFIRMED"
	TransferStatusSuccess   = "SUCCESS"
	TransferStatusFailed    = "FAILED"
	TransferStatusExpired   = "EXPIRED"
	TransferStatusFraud     = "FRAUD"
)

// TransferStatusTerminal reports whether a transfer state is terminal.
// Terminal records are immutable except for provider-response enrichment.
func TransferStatusTerminal(status string) bool {
	switch status {
	case TransferStatusSuccess, TransferStatusFailed, TransferStatusExpired, TransferStatusFraud:
		return true
	}
	return false
}

// Outbox entry states, shared vocabulary between the dispatcher and the
// provider result contract.
const (
	OutboxStatusPending        = "PENDING"
	OutboxStatusInFlight       = "IN_FLIGHT"
	OutboxStatusSuccess        = "SUCCESS"
	OutboxStatusFailed         = "FAILED"
	OutboxStatusRetryExhausted = "RETRY_EXHAUSTED"
)

// Account normalization modes (AccountDefinition.NormalizeMode).
const (
	NormalizeNone       = "none"
	NormalizeStripSpace = "strip_space"
	NormalizeUppercase  = "uppercase"
	NormalizeAlnumUpper = "alnum_upper"
)

// Account checksum algorithms (AccountDefinition.Algorithm).
const (
	AlgorithmNone  = "none"
	AlgorithmLuhn  = "luhn"
	AlgorithmMod97 = "mod97"
)
