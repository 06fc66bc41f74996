package fx

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage/memory"
)

func newTestResolver(t *testing.T) (*Resolver, *memory.Store, uuid.UUID) {
	t.Helper()
	store := memory.NewStore()
	agentID := uuid.New()
	store.SeedAgent(models.Agent{ID: agentID, Name: "acme", Currency: "USD", IsActive: true})
	return NewResolver(store, nil), store, agentID
}

func TestUpsertThenResolve(t *testing.T) {
	r, _, agentID := newTestResolver(t)
	ctx := context.Background()

	rate, err := r.Upsert(ctx, agentID, "USD", "RUB", decimal.RequireFromString("93.50"), "treasury")
	require.NoError(t, err)
	assert.True(t, rate.IsActive)
	assert.Equal(t, "93.5", rate.Rate.String())

	got, err := r.Resolve(ctx, agentID, "USD", "RUB")
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("93.50")))
	assert.Equal(t, "treasury", got.Source)
}

func TestResolveNeverInverts(t *testing.T) {
	r, _, agentID := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, agentID, "USD", "RUB", decimal.RequireFromString("93.50"), "treasury")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, agentID, "RUB", "USD")
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestResolveIsScopedToAgent(t *testing.T) {
	r, store, agentID := newTestResolver(t)
	ctx := context.Background()

	other := uuid.New()
	store.SeedAgent(models.Agent{ID: other, Name: "other", Currency: "USD", IsActive: true})

	_, err := r.Upsert(ctx, agentID, "USD", "KZT", decimal.RequireFromString("485.1"), "treasury")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, other, "USD", "KZT")
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestResolveSameCurrencyIsIdentity(t *testing.T) {
	r, _, agentID := newTestResolver(t)

	got, err := r.Resolve(context.Background(), agentID, "USD", "USD")
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(decimal.NewFromInt(1)))
}

func TestUpsertReplacesExistingRate(t *testing.T) {
	r, _, agentID := newTestResolver(t)
	ctx := context.Background()

	first, err := r.Upsert(ctx, agentID, "USD", "RUB", decimal.RequireFromString("93.50"), "treasury")
	require.NoError(t, err)
	second, err := r.Upsert(ctx, agentID, "USD", "RUB", decimal.RequireFromString("94.25"), "manual")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	got, err := r.Resolve(ctx, agentID, "USD", "RUB")
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("94.25")))

	rates, err := r.ListActive(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, rates, 1)
}

func TestUpsertConcurrentKeepsOneActiveRow(t *testing.T) {
	r, _, agentID := newTestResolver(t)
	ctx := context.Background()

	const writers = 16
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rate := decimal.New(9300+int64(i), -2)
			_, errs[i] = r.Upsert(ctx, agentID, "USD", "RUB", rate, "treasury")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Last write wins, but only ever one active row for the pair.
	rates, err := r.ListActive(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	assert.Equal(t, "USD", rates[0].Base)
	assert.Equal(t, "RUB", rates[0].Quote)

	got, err := r.Resolve(ctx, agentID, "USD", "RUB")
	require.NoError(t, err)
	assert.True(t, got.Rate.GreaterThanOrEqual(decimal.New(9300, -2)))
	assert.True(t, got.Rate.LessThan(decimal.New(9300+writers, -2)))
}

func TestUpsertRejectsBadInput(t *testing.T) {
	r, _, agentID := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, agentID, "USD", "USD", decimal.NewFromInt(1), "treasury")
	require.Error(t, err)
	assert.Equal(t, "rate/same-currency", domain.CodeOf(err))

	_, err = r.Upsert(ctx, agentID, "USD", "RUB", decimal.Zero, "treasury")
	require.Error(t, err)
	assert.Equal(t, "rate/not-positive", domain.CodeOf(err))

	_, err = r.Upsert(ctx, agentID, "USD", "XXX", decimal.NewFromInt(1), "treasury")
	require.ErrorIs(t, err, domain.ErrUnsupportedCurrency)

	_, err = r.Upsert(ctx, uuid.New(), "USD", "RUB", decimal.NewFromInt(1), "treasury")
	require.Error(t, err)
	assert.Equal(t, "agent/not-found", domain.CodeOf(err))
}
