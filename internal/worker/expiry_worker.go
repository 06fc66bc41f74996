package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/observability"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage"
)

const expiryBatchSize = 200

// quotationRetention keeps expired quotation rows around long enough for the
// transfer sweep, which joins on them, to run first.
const quotationRetention = 24 * time.Hour

// ExpiryWorker sweeps PREPARED transfers whose quotation TTL elapsed without
// a Confirm, then garbage-collects old quotation rows.
type ExpiryWorker struct {
	transfers *service.TransferService
	quotes    *service.QuotationService
	store     storage.Store
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewExpiryWorker(transfers *service.TransferService, quotes *service.QuotationService, store storage.Store) *ExpiryWorker {
	return &ExpiryWorker{
		transfers: transfers,
		quotes:    quotes,
		store:     store,
		interval:  time.Minute,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *ExpiryWorker) WithInterval(interval time.Duration) *ExpiryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *ExpiryWorker) Start(ctx context.Context) {
	zap.L().Info("expiry worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("expiry worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("expiry worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ExpiryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ExpiryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *ExpiryWorker) runOnce(ctx context.Context) {
	if _, err := w.transfers.ExpireDue(ctx, expiryBatchSize); err != nil {
		observability.IncrementWorkerRun("expiry", "failed")
		zap.L().Error("expiry sweep failed", zap.Error(err))
		return
	}
	if _, err := w.quotes.Sweep(ctx, w.store.Queries(), quotationRetention); err != nil {
		observability.IncrementWorkerRun("expiry", "failed")
		zap.L().Error("quotation cleanup failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("expiry", "success")
}
