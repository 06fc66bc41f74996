package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sendbridge/remitd/internal/account"
	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage/memory"
)

const testQuotationTTL = 15 * time.Minute

// testClock is a controllable time source shared by the services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store      *memory.Store
	transfers  *TransferService
	quotes     *QuotationService
	clock      *testClock
	agentID    uuid.UUID
	terminalID uuid.UUID
	serviceID  uuid.UUID
}

const seedBalanceMinor = int64(100_000_000)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	clock := newTestClock()

	f := &fixture{
		store:      store,
		clock:      clock,
		agentID:    uuid.New(),
		terminalID: uuid.New(),
		serviceID:  uuid.New(),
	}

	store.SeedAgent(models.Agent{
		ID:           f.agentID,
		Name:         "acme remit",
		Currency:     "USD",
		BalanceMinor: seedBalanceMinor,
		IsActive:     true,
	})
	store.SeedTerminal(models.Terminal{
		ID:       f.terminalID,
		AgentID:  f.agentID,
		Name:     "kiosk-1",
		IsActive: true,
	})
	store.SeedService(models.Service{
		ID:                    f.serviceID,
		Name:                  "card payout",
		ProviderCode:          "mockpay",
		SettlementCurrency:    "RUB",
		MinAmountMinor:        1000,
		MaxAmountMinor:        1000000,
		FeeBasisPoints:        50,
		AccountDefinitionCode: "wallet",
		AllowedCurrencies:     []string{"USD"},
		ParameterDefaults:     map[string]string{"purpose": "remittance"},
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
		AgentID:   f.agentID,
		Base:      "USD",
		Quote:     "RUB",
		Rate:      decimal.RequireFromString("93.50"),
		Source:    "treasury",
		IsActive:  true,
		UpdatedAt: clock.Now(),
	})
	require.NoError(t, err)

	rates := fx.NewResolver(store, nil)
	quotes := NewQuotationService(testQuotationTTL)
	quotes.now = clock.Now

	transfers := NewTransferService(store, rates, account.NewValidator(), quotes, NewAuditService())
	transfers.now = clock.Now

	f.transfers = transfers
	f.quotes = quotes
	return f
}

func (f *fixture) prepareRequest(externalID string) PrepareRequest {
	return PrepareRequest{
		AgentID:     f.agentID,
		TerminalID:  f.terminalID,
		ExternalID:  externalID,
		ServiceID:   f.serviceID,
		Account:     "9989 0123 4567",
		Currency:    "USD",
		AmountMinor: 150000,
		Parameters:  map[string]string{"beneficiary": "J Doe"},
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	agent, err := f.store.Queries().GetAgent(context.Background(), f.agentID)
	require.NoError(t, err)
	return agent.BalanceMinor
}
