package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/observability"
	"github.com/sendbridge/remitd/internal/storage"
)

var transferTransitions = map[string]map[string]struct{}{
	domain.TransferStatusNew: {
		domain.TransferStatusPrepared: {},
		domain.TransferStatusFraud:    {},
	},
	domain.TransferStatusPrepared: {
		domain.TransferStatusConfirmed: {},
		domain.TransferStatusExpired:   {},
		domain.TransferStatusFraud:     {},
	},
	domain.TransferStatusConfirmed: {
		domain.TransferStatusSuccess: {},
		domain.TransferStatusFailed:  {},
		domain.TransferStatusFraud:   {},
	},
	domain.TransferStatusSuccess: {},
	domain.TransferStatusFailed:  {},
	domain.TransferStatusExpired: {},
	domain.TransferStatusFraud:   {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	nextStates, ok := transferTransitions[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// transitionTransferState moves a transfer between states under the row lock
// taken by the caller's unit of work. Repeating the transition the transfer
// already completed is a no-op; any other disallowed move is a conflict.
func transitionTransferState(ctx context.Context, q storage.Queries, audit *AuditService, transferID int64, currentState, nextState, action string, metadata []byte) error {
	if normalizeState(currentState) == normalizeState(nextState) {
		return nil
	}
	if !canTransition(currentState, nextState) {
		return domain.Conflictf("transfer/invalid-state", "transition %s -> %s is not permitted", currentState, nextState)
	}

	rows, err := q.UpdateTransferStatus(ctx, transferID, nextState)
	if err != nil {
		return fmt.Errorf("update transfer state: %w", err)
	}
	if err := requireExactlyOne(rows, "update transfer state"); err != nil {
		return err
	}
	observability.IncrementTransfer(action, normalizeState(nextState))

	return audit.Write(ctx, q, "transfer", strconv.FormatInt(transferID, 10), action, currentState, nextState, metadata)
}
