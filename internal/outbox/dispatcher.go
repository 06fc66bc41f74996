// Package outbox drains the durable settlement queue: it claims due entries,
// calls the provider gateway with a bounded timeout, and drives each entry to
// SUCCESS, FAILED or RETRY_EXHAUSTED with exponential backoff in between.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/gateway"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/observability"
	"github.com/sendbridge/remitd/internal/storage"
)

// ResultApplier receives the resolved provider outcome for a transfer. It is
// called exactly once per entry with a terminal status.
type ResultApplier interface {
	ApplyProviderResult(ctx context.Context, transferID int64, result models.ProviderResult) error
}

type Config struct {
	// BatchSize bounds how many due entries one poll claims.
	BatchSize int32
	// MaxAttempts is the retry budget per entry, the first attempt included.
	MaxAttempts int32
	// BackoffBase is the delay after the first failed attempt; it doubles
	// with every further failure.
	BackoffBase time.Duration
	// AttemptTimeout bounds each provider call. Exceeding it is a transport
	// fault with an unknown outcome.
	AttemptTimeout time.Duration
	// StaleAfter returns IN_FLIGHT entries abandoned by a dead worker to
	// PENDING once their claim is this old.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

type Dispatcher struct {
	store    storage.Store
	registry *gateway.Registry
	applier  ResultApplier
	cfg      Config
	now      func() time.Time
}

func NewDispatcher(store storage.Store, registry *gateway.Registry, applier ResultApplier, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		applier:  applier,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// RunOnce performs one poll: requeue stale claims, claim due entries, and
// dispatch each. It returns how many entries were processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	q := d.store.Queries()
	now := d.now().UTC()

	requeued, err := q.RequeueStaleOutbox(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("requeue stale entries: %w", err)
	}
	if requeued > 0 {
		zap.L().Warn("requeued stale settlement claims", zap.Int64("count", requeued))
	}

	entries, err := q.ClaimDueOutbox(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due entries: %w", err)
	}
	observability.SetOutboxClaimed(len(entries))

	processed := 0
	for _, entry := range entries {
		if err := d.dispatch(ctx, entry); err != nil {
			zap.L().Error("settlement dispatch failed",
				zap.Int64("outbox_id", entry.ID),
				zap.Int64("transfer_id", entry.TransferID),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, entry models.OutboxEntry) error {
	gw, err := d.registry.Get(entry.ProviderCode)
	if err != nil {
		// No gateway will ever serve this entry; fail it rather than let it
		// cycle through the retry budget.
		return d.finalizeFailed(ctx, entry, err.Error())
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	started := d.now()
	result, err := gw.Send(attemptCtx, entry.Request)
	cancel()
	observability.ObserveDispatch(entry.ProviderCode, d.now().Sub(started))

	if err != nil {
		timeoutFault := gateway.IsTimeout(err) || attemptCtx.Err() == context.DeadlineExceeded
		return d.handleTransient(ctx, gw, entry, err.Error(), timeoutFault)
	}

	switch result.Status {
	case domain.OutboxStatusSuccess:
		return d.finalizeSuccess(ctx, entry, result)
	case domain.OutboxStatusFailed:
		// A provider-declared failure is definitive, no retry.
		observability.IncrementDispatch(entry.ProviderCode, "failed")
		rows, err := d.store.Queries().MarkOutboxFailed(ctx, entry.ID, result.Error, d.now().UTC())
		if err != nil {
			return fmt.Errorf("mark outbox failed: %w", err)
		}
		if rows != 1 {
			return fmt.Errorf("mark outbox failed affected %d rows", rows)
		}
		return d.applier.ApplyProviderResult(ctx, entry.TransferID, result)
	default:
		// Provider has not resolved the request, treat like a transient.
		return d.handleTransient(ctx, gw, entry, "provider still pending", false)
	}
}

func (d *Dispatcher) handleTransient(ctx context.Context, gw gateway.Gateway, entry models.OutboxEntry, cause string, timeoutFault bool) error {
	attempts := entry.Attempts + 1
	ambiguous := timeoutFault || entry.TimeoutFault

	if attempts >= d.cfg.MaxAttempts {
		if ambiguous {
			// The provider may have processed a timed-out attempt. Ask before
			// declaring failure so a settled transfer is not mis-marked.
			if resolved, err := d.reconcile(ctx, gw, entry); resolved {
				return err
			}
		}
		return d.finalizeExhausted(ctx, entry, cause)
	}

	due := d.now().UTC().Add(backoff(d.cfg.BackoffBase, attempts))
	rows, err := d.store.Queries().RescheduleOutbox(ctx, entry.ID, attempts, due, cause, ambiguous)
	if err != nil {
		return fmt.Errorf("reschedule outbox entry: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("reschedule outbox entry affected %d rows", rows)
	}
	observability.IncrementDispatch(entry.ProviderCode, "retried")
	zap.L().Warn("settlement attempt failed, rescheduled",
		zap.Int64("outbox_id", entry.ID),
		zap.Int32("attempts", attempts),
		zap.Time("next_attempt_at", due),
		zap.Bool("timeout_fault", ambiguous),
		zap.String("cause", cause))
	return nil
}

// reconcile asks the provider what became of the request. It reports false
// when no status path exists or the provider still has no answer, in which
// case the caller falls through to exhaustion.
func (d *Dispatcher) reconcile(ctx context.Context, gw gateway.Gateway, entry models.OutboxEntry) (bool, error) {
	querier, ok := gw.(gateway.StatusQuerier)
	if !ok {
		return false, nil
	}
	statusCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	result, err := querier.QueryStatus(statusCtx, entry.Request)
	cancel()
	if err != nil {
		zap.L().Warn("status reconciliation failed",
			zap.Int64("outbox_id", entry.ID), zap.Error(err))
		return false, nil
	}
	switch result.Status {
	case domain.OutboxStatusSuccess:
		zap.L().Info("status reconciliation recovered a settled transfer",
			zap.Int64("outbox_id", entry.ID),
			zap.Int64("transfer_id", entry.TransferID))
		return true, d.finalizeSuccess(ctx, entry, result)
	case domain.OutboxStatusFailed:
		return true, d.finalizeFailed(ctx, entry, result.Error)
	default:
		return false, nil
	}
}

func (d *Dispatcher) finalizeSuccess(ctx context.Context, entry models.OutboxEntry, result models.ProviderResult) error {
	rows, err := d.store.Queries().MarkOutboxSuccess(ctx, entry.ID, d.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox success: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("mark outbox success affected %d rows", rows)
	}
	observability.IncrementDispatch(entry.ProviderCode, "success")
	return d.applier.ApplyProviderResult(ctx, entry.TransferID, result)
}

func (d *Dispatcher) finalizeFailed(ctx context.Context, entry models.OutboxEntry, cause string) error {
	rows, err := d.store.Queries().MarkOutboxFailed(ctx, entry.ID, cause, d.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("mark outbox failed affected %d rows", rows)
	}
	observability.IncrementDispatch(entry.ProviderCode, "failed")
	return d.applier.ApplyProviderResult(ctx, entry.TransferID, models.ProviderResult{
		Status: domain.OutboxStatusFailed,
		Error:  cause,
	})
}

func (d *Dispatcher) finalizeExhausted(ctx context.Context, entry models.OutboxEntry, cause string) error {
	rows, err := d.store.Queries().MarkOutboxExhausted(ctx, entry.ID, cause, d.now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox exhausted: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("mark outbox exhausted affected %d rows", rows)
	}
	observability.IncrementDispatch(entry.ProviderCode, "exhausted")
	zap.L().Error("settlement retry budget exhausted",
		zap.Int64("outbox_id", entry.ID),
		zap.Int64("transfer_id", entry.TransferID),
		zap.String("cause", cause))
	return d.applier.ApplyProviderResult(ctx, entry.TransferID, models.ProviderResult{
		Status: domain.OutboxStatusRetryExhausted,
		Error:  cause,
	})
}

// backoff doubles the base delay with every failed attempt, capped at an
// hour: base, 2*base, 4*base and so on.
func backoff(base time.Duration, attempts int32) time.Duration {
	d := base
	for i := int32(1); i < attempts; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}
