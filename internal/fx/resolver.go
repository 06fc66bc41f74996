// Package fx resolves and maintains per-agent currency conversion rates.
// A rate is directional: USD→RUB never answers RUB→USD.
package fx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/refcache"
	"github.com/sendbridge/remitd/internal/storage"
)

type Resolver struct {
	store storage.Store
	cache *refcache.Cache
	now   func() time.Time
}

func NewResolver(store storage.Store, cache *refcache.Cache) *Resolver {
	return &Resolver{store: store, cache: cache, now: time.Now}
}

func rateCacheKey(agentID uuid.UUID, base, quote string) string {
	return fmt.Sprintf("fx:%s:%s:%s", agentID, base, quote)
}

// Resolve returns the active rate for the exact agent and direction. There is
// no inversion and no cross-agent fallback; a missing direction is
// ErrRateUnavailable.
func (r *Resolver) Resolve(ctx context.Context, agentID uuid.UUID, base, quote string) (models.FxRate, error) {
	if base == quote {
		return models.FxRate{AgentID: agentID, Base: base, Quote: quote, Rate: decimal.NewFromInt(1), IsActive: true}, nil
	}
	if _, err := domain.LookupCurrency(base); err != nil {
		return models.FxRate{}, err
	}
	if _, err := domain.LookupCurrency(quote); err != nil {
		return models.FxRate{}, err
	}

	key := rateCacheKey(agentID, base, quote)
	var cached models.FxRate
	if r.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	rate, err := r.store.Queries().GetActiveFxRate(ctx, agentID, base, quote)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.FxRate{}, domain.ErrRateUnavailable
		}
		return models.FxRate{}, fmt.Errorf("load fx rate: %w", err)
	}
	r.cache.Set(ctx, key, rate)
	return rate, nil
}

// Upsert installs or replaces the active rate for one agent and direction.
// The write runs in a transaction with the current row locked, so concurrent
// updates to the same pair serialize instead of racing.
func (r *Resolver) Upsert(ctx context.Context, agentID uuid.UUID, base, quote string, rate decimal.Decimal, source string) (models.FxRate, error) {
	if _, err := domain.LookupCurrency(base); err != nil {
		return models.FxRate{}, err
	}
	if _, err := domain.LookupCurrency(quote); err != nil {
		return models.FxRate{}, err
	}
	if base == quote {
		return models.FxRate{}, domain.Validationf("rate/same-currency", "base and quote currency must differ")
	}
	if !rate.IsPositive() {
		return models.FxRate{}, domain.Validationf("rate/not-positive", "rate must be greater than zero")
	}

	var out models.FxRate
	err := r.store.RunInTx(ctx, func(q storage.Queries) error {
		agent, err := q.GetAgent(ctx, agentID)
		if err != nil {
			if errors.Is(err, storage.ErrNoRows) {
				return domain.NotFoundf("agent/not-found", "agent %s does not exist", agentID)
			}
			return fmt.Errorf("load agent: %w", err)
		}
		if !agent.IsActive {
			return domain.Businessf("agent/inactive", "agent %s is inactive", agentID)
		}

		now := r.now().UTC()
		current, err := q.GetActiveFxRateForUpdate(ctx, agentID, base, quote)
		switch {
		case err == nil:
			affected, err := q.UpdateFxRate(ctx, current.ID, rate, source, now)
			if err != nil {
				return fmt.Errorf("update fx rate: %w", err)
			}
			if affected != 1 {
				return fmt.Errorf("update fx rate: expected one row, got %d", affected)
			}
			out = current
			out.Rate = rate
			out.Source = source
			out.UpdatedAt = now
			return nil
		case errors.Is(err, storage.ErrNoRows):
			out, err = q.InsertFxRate(ctx, models.FxRate{
				AgentID:   agentID,
				Base:      base,
				Quote:     quote,
				Rate:      rate,
				Source:    source,
				IsActive:  true,
				UpdatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("insert fx rate: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("load fx rate: %w", err)
		}
	})
	if err != nil {
		return models.FxRate{}, err
	}

	r.cache.Delete(ctx, rateCacheKey(agentID, base, quote))
	zap.L().Info("fx rate upserted",
		zap.String("agent_id", agentID.String()),
		zap.String("pair", base+"/"+quote),
		zap.String("rate", rate.String()),
		zap.String("source", source))
	return out, nil
}

// ListActive returns every active rate an agent can currently trade on.
func (r *Resolver) ListActive(ctx context.Context, agentID uuid.UUID) ([]models.FxRate, error) {
	rates, err := r.store.Queries().ListActiveFxRates(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list fx rates: %w", err)
	}
	return rates, nil
}
