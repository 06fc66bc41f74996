package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for transport mapping and retry policy.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation covers malformed or missing input. Never retried.
	KindValidation
	// KindNotFound covers unknown agents, services, transfers and the like.
	KindNotFound
	// KindConflict covers state-machine transitions not permitted from the
	// current state, including incompatible idempotency-key replays.
	KindConflict
	// KindBusiness covers well-formed requests the engine must refuse:
	// amount out of range, rate unavailable, account checksum failures.
	KindBusiness
	// KindTransport covers provider unreachability and timeouts. Retried by
	// the dispatcher, never surfaced to inbound callers.
	KindTransport
	// KindExhausted marks a settlement whose retry budget ran out.
	KindExhausted
)

// Error carries a stable machine-readable code alongside the classification.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match any two engine errors with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf builds a KindValidation error.
func Validationf(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// Conflictf builds a KindConflict error.
func Conflictf(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// Businessf builds a KindBusiness error.
func Businessf(code, format string, args ...any) *Error {
	return newError(KindBusiness, code, format, args...)
}

// Transportf builds a KindTransport error wrapping the underlying fault.
func Transportf(err error, format string, args ...any) *Error {
	e := newError(KindTransport, "provider/transport", format, args...)
	e.wrapped = err
	return e
}

// KindOf extracts the classification from any error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the stable code from any error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Shared sentinels. Operation-specific codes are built with the
// constructors above; these cover conditions checked across packages.
var (
	ErrUnsupportedCurrency = &Error{Kind: KindBusiness, Code: "currency/unsupported", Message: "currency is not in the catalog"}
	ErrRateUnavailable     = &Error{Kind: KindBusiness, Code: "rate/unavailable", Message: "no active rate for the currency pair"}
	ErrQuotationNotFound   = &Error{Kind: KindNotFound, Code: "quotation/not-found", Message: "quotation does not exist"}
	ErrQuotationExpired    = &Error{Kind: KindBusiness, Code: "quotation/expired", Message: "quotation has expired"}
	ErrQuotationConsumed   = &Error{Kind: KindConflict, Code: "quotation/already-consumed", Message: "quotation was already consumed"}
	ErrQuotationMismatch   = &Error{Kind: KindBusiness, Code: "quotation/mismatch", Message: "quotation does not belong to this transfer"}
	ErrTransferNotFound    = &Error{Kind: KindNotFound, Code: "transfer/not-found", Message: "transfer does not exist"}
	ErrInvalidState        = &Error{Kind: KindConflict, Code: "transfer/invalid-state", Message: "operation not permitted in the current state"}
	ErrDuplicateExternalID = &Error{Kind: KindConflict, Code: "transfer/duplicate-external-id", Message: "external id already used with a different payload or state"}
)
