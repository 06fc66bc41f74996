package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/observability"
	"github.com/sendbridge/remitd/internal/outbox"
)

// DispatchWorker polls the settlement outbox and drives due entries through
// the provider gateways.
type DispatchWorker struct {
	dispatcher *outbox.Dispatcher
	interval   time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewDispatchWorker(dispatcher *outbox.Dispatcher) *DispatchWorker {
	return &DispatchWorker{
		dispatcher: dispatcher,
		interval:   time.Second,
		stopCh:     make(chan struct{}),
	}
}

// WithInterval updates the poll interval.
func (w *DispatchWorker) WithInterval(interval time.Duration) *DispatchWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and polls at the configured interval.
func (w *DispatchWorker) Start(ctx context.Context) {
	zap.L().Info("dispatch worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Drain anything already due at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("dispatch worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("dispatch worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *DispatchWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *DispatchWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *DispatchWorker) runOnce(ctx context.Context) {
	if _, err := w.dispatcher.RunOnce(ctx); err != nil {
		observability.IncrementWorkerRun("dispatch", "failed")
		zap.L().Error("dispatch poll failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("dispatch", "success")
}
