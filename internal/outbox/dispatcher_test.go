package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendbridge/remitd/internal/account"
	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/gateway"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage/memory"
)

// countingApplier wraps the real transfer service and counts terminal
// applications per transfer, to prove exactly-once delivery of outcomes.
type countingApplier struct {
	inner *service.TransferService

	mu       sync.Mutex
	terminal map[int64]int
}

func (a *countingApplier) ApplyProviderResult(ctx context.Context, transferID int64, result models.ProviderResult) error {
	a.mu.Lock()
	switch result.Status {
	case domain.OutboxStatusSuccess, domain.OutboxStatusFailed, domain.OutboxStatusRetryExhausted:
		if a.terminal == nil {
			a.terminal = make(map[int64]int)
		}
		a.terminal[transferID]++
	}
	a.mu.Unlock()
	return a.inner.ApplyProviderResult(ctx, transferID, result)
}

func (a *countingApplier) terminalCount(transferID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminal[transferID]
}

type dispatchFixture struct {
	store     *memory.Store
	transfers *service.TransferService
	applier   *countingApplier
	clock     *clock
	agentID   uuid.UUID
	transfer  models.Transfer
	outboxID  int64
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const floatSeedMinor = int64(10_000_000)

// newDispatchFixture seeds one agent with a USD float and drives a transfer
// through Prepare and Confirm so a PENDING outbox entry exists.
func newDispatchFixture(t *testing.T, providerCode string) *dispatchFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	agentID := uuid.New()
	terminalID := uuid.New()
	serviceID := uuid.New()

	store.SeedAgent(models.Agent{
		ID:           agentID,
		Name:         "acme remit",
		Currency:     "USD",
		BalanceMinor: floatSeedMinor,
		IsActive:     true,
	})
	store.SeedTerminal(models.Terminal{ID: terminalID, AgentID: agentID, Name: "kiosk-1", IsActive: true})
	store.SeedService(models.Service{
		ID:                    serviceID,
		Name:                  "card payout",
		ProviderCode:          providerCode,
		SettlementCurrency:    "RUB",
		MinAmountMinor:        1000,
		MaxAmountMinor:        10000000,
		AccountDefinitionCode: "wallet",
		AllowedCurrencies:     []string{"USD"},
		IsActive:              true,
	})
	_, err := store.Queries().UpsertAccountDefinition(ctx, models.AccountDefinition{
		Code:          "wallet",
		Regex:         `\d{10,12}`,
		NormalizeMode: domain.NormalizeStripSpace,
		Algorithm:     domain.AlgorithmNone,
		MinLength:     10,
		MaxLength:     12,
	})
	require.NoError(t, err)
	_, err = store.Queries().InsertFxRate(ctx, models.FxRate{
		AgentID:   agentID,
		Base:      "USD",
		Quote:     "RUB",
		Rate:      decimal.RequireFromString("93.50"),
		Source:    "treasury",
		IsActive:  true,
		UpdatedAt: clk.Now(),
	})
	require.NoError(t, err)

	quotes := service.NewQuotationService(15 * time.Minute)
	transfers := service.NewTransferService(store, fx.NewResolver(store, nil), account.NewValidator(), quotes, service.NewAuditService())

	prep, err := transfers.Prepare(ctx, service.PrepareRequest{
		AgentID:     agentID,
		TerminalID:  terminalID,
		ExternalID:  "ext-dispatch",
		ServiceID:   serviceID,
		Account:     "998901234567",
		Currency:    "USD",
		AmountMinor: 150000,
	})
	require.NoError(t, err)
	conf, err := transfers.Confirm(ctx, agentID, "ext-dispatch", prep.Quotation.ID)
	require.NoError(t, err)

	// Make the entry due on the test clock regardless of wall time.
	_, err = store.Queries().RescheduleOutbox(ctx, conf.Outbox.ID, 0, clk.Now(), "", false)
	require.NoError(t, err)

	return &dispatchFixture{
		store:     store,
		transfers: transfers,
		applier:   &countingApplier{inner: transfers},
		clock:     clk,
		agentID:   agentID,
		transfer:  conf.Transfer,
		outboxID:  conf.Outbox.ID,
	}
}

func (f *dispatchFixture) newDispatcher(gw gateway.Gateway, cfg Config) *Dispatcher {
	d := NewDispatcher(f.store, gateway.NewRegistry(gw), f.applier, cfg)
	d.now = f.clock.Now
	return d
}

func (f *dispatchFixture) transferStatus(t *testing.T) string {
	t.Helper()
	tr, err := f.store.Queries().GetTransfer(context.Background(), f.transfer.ID)
	require.NoError(t, err)
	return tr.Status
}

func (f *dispatchFixture) outboxStatus(t *testing.T) models.OutboxEntry {
	t.Helper()
	entry, err := f.store.Queries().GetOutboxEntryByTransfer(context.Background(), f.transfer.ID)
	require.NoError(t, err)
	return entry
}

func (f *dispatchFixture) balance(t *testing.T) int64 {
	t.Helper()
	agent, err := f.store.Queries().GetAgent(context.Background(), f.agentID)
	require.NoError(t, err)
	return agent.BalanceMinor
}

func TestDispatchFirstAttemptSuccess(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay")
	d := f.newDispatcher(stub, Config{})

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
	assert.Equal(t, domain.OutboxStatusSuccess, f.outboxStatus(t).Status)
	assert.Equal(t, 1, f.applier.terminalCount(f.transfer.ID))
	require.Len(t, stub.Requests(), 1)
	assert.Equal(t, int64(14025000), stub.Requests()[0].CreditAmountMinor)

	// Nothing left to claim.
	n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDispatchRetriesTransientThenConverges(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Err: errors.New("connection refused")},
		gateway.StubStep{Err: errors.New("connection refused")},
	)
	d := f.newDispatcher(stub, Config{BackoffBase: time.Second})
	ctx := context.Background()

	// First attempt fails and backs off one second.
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entry := f.outboxStatus(t)
	assert.Equal(t, domain.OutboxStatusPending, entry.Status)
	assert.Equal(t, int32(1), entry.Attempts)
	assert.Equal(t, f.clock.Now().Add(time.Second), entry.NextAttemptAt)
	assert.False(t, entry.TimeoutFault)

	// Not due yet.
	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Second failure doubles the backoff.
	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	entry = f.outboxStatus(t)
	assert.Equal(t, int32(2), entry.Attempts)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), entry.NextAttemptAt)

	// Third attempt runs past the script and succeeds.
	f.clock.Advance(2 * time.Second)
	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
	assert.Equal(t, 1, f.applier.terminalCount(f.transfer.ID))
}

func TestDispatchProviderFailureIsDefinitive(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Result: models.ProviderResult{Status: domain.OutboxStatusFailed, Error: "beneficiary blocked"}},
	)
	d := f.newDispatcher(stub, Config{})

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.TransferStatusFailed, f.transferStatus(t))
	assert.Equal(t, domain.OutboxStatusFailed, f.outboxStatus(t).Status)
	assert.Equal(t, 1, f.applier.terminalCount(f.transfer.ID))
	// Declared failures refund without burning the retry budget.
	require.Len(t, stub.Requests(), 1)
	assert.Equal(t, floatSeedMinor, f.balance(t))
}

func TestDispatchPendingResultRetries(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Result: models.ProviderResult{Status: domain.OutboxStatusPending}},
	)
	d := f.newDispatcher(stub, Config{BackoffBase: time.Second})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	entry := f.outboxStatus(t)
	assert.Equal(t, domain.OutboxStatusPending, entry.Status)
	assert.Equal(t, int32(1), entry.Attempts)
	assert.Equal(t, domain.TransferStatusConfirmed, f.transferStatus(t))

	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
}

func TestDispatchExhaustionFailsTransfer(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Err: errors.New("connection refused")},
		gateway.StubStep{Err: errors.New("connection refused")},
	)
	d := f.newDispatcher(stub, Config{MaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	entry := f.outboxStatus(t)
	assert.Equal(t, domain.OutboxStatusRetryExhausted, entry.Status)
	assert.Equal(t, domain.TransferStatusFailed, f.transferStatus(t))
	assert.Equal(t, 1, f.applier.terminalCount(f.transfer.ID))
	assert.Equal(t, floatSeedMinor, f.balance(t))
}

func TestDispatchTimeoutReconciliationRecoversSuccess(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Err: context.DeadlineExceeded},
		gateway.StubStep{Err: context.DeadlineExceeded},
	)
	stub.ScriptStatus(gateway.StubStep{Result: models.ProviderResult{Status: domain.OutboxStatusSuccess, ProviderRef: "MP-9"}})
	d := f.newDispatcher(stub, Config{MaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, f.outboxStatus(t).TimeoutFault)

	// The budget runs out on an ambiguous fault, so the provider is asked
	// what actually happened before anything is declared failed.
	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxStatusSuccess, f.outboxStatus(t).Status)
	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
	assert.Equal(t, 1, f.applier.terminalCount(f.transfer.ID))
	// The float stays debited: the money actually moved.
	assert.Less(t, f.balance(t), floatSeedMinor)

	tr, err := f.store.Queries().GetTransfer(ctx, f.transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, tr.ProviderRef)
	assert.Equal(t, "MP-9", *tr.ProviderRef)
}

func TestDispatchTimeoutReconciliationUnresolvedExhausts(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Err: context.DeadlineExceeded},
		gateway.StubStep{Err: context.DeadlineExceeded},
	)
	// The status endpoint answers PENDING, which resolves nothing.
	d := f.newDispatcher(stub, Config{MaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxStatusRetryExhausted, f.outboxStatus(t).Status)
	assert.Equal(t, domain.TransferStatusFailed, f.transferStatus(t))
	assert.Equal(t, floatSeedMinor, f.balance(t))
}

func TestDispatchTimeoutFaultPersistsAcrossAttempts(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	// Attempt one times out, attempt two fails cleanly: the entry still
	// carries the ambiguity and must be reconciled before exhaustion.
	stub := gateway.NewStub("mockpay",
		gateway.StubStep{Err: context.DeadlineExceeded},
		gateway.StubStep{Err: errors.New("connection refused")},
	)
	stub.ScriptStatus(gateway.StubStep{Result: models.ProviderResult{Status: domain.OutboxStatusSuccess, ProviderRef: "MP-10"}})
	d := f.newDispatcher(stub, Config{MaxAttempts: 2, BackoffBase: time.Second})
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxStatusSuccess, f.outboxStatus(t).Status)
	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
}

func TestDispatchUnknownProviderFailsEntry(t *testing.T) {
	f := newDispatchFixture(t, "ghostpay")
	stub := gateway.NewStub("mockpay")
	d := f.newDispatcher(stub, Config{})

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxStatusFailed, f.outboxStatus(t).Status)
	assert.Equal(t, domain.TransferStatusFailed, f.transferStatus(t))
	assert.Empty(t, stub.Requests())
	assert.Equal(t, floatSeedMinor, f.balance(t))
}

func TestDispatchRequeuesStaleClaims(t *testing.T) {
	f := newDispatchFixture(t, "mockpay")
	stub := gateway.NewStub("mockpay")
	d := f.newDispatcher(stub, Config{StaleAfter: time.Minute})
	ctx := context.Background()

	// A dead worker claimed the entry and never reported back.
	claimed, err := f.store.Queries().ClaimDueOutbox(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// While the claim is fresh nothing is picked up.
	n, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Minute)
	n, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.TransferStatusSuccess, f.transferStatus(t))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, backoff(base, 1))
	assert.Equal(t, 4*time.Second, backoff(base, 2))
	assert.Equal(t, 16*time.Second, backoff(base, 4))
	assert.Equal(t, time.Hour, backoff(base, 20))
}
