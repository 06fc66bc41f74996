package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage"
)

// QuotationService creates and consumes the rate snapshots binding a Prepare
// to exactly one Confirm. Both calls run inside the caller's unit of work.
type QuotationService struct {
	ttl time.Duration
	now func() time.Time
}

func NewQuotationService(ttl time.Duration) *QuotationService {
	return &QuotationService{ttl: ttl, now: time.Now}
}

func (s *QuotationService) TTL() time.Duration { return s.ttl }

func newQuotationID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("quotation id entropy: %v", err))
	}
	return "q_" + hex.EncodeToString(buf)
}

// Create stores a new quotation for the transfer with an expiry exactly one
// TTL after creation.
func (s *QuotationService) Create(ctx context.Context, q storage.Queries, transferID int64, rate decimal.Decimal, parameters map[string]string) (models.Quotation, error) {
	now := s.now().UTC()
	quote := models.Quotation{
		ID:         newQuotationID(),
		TransferID: transferID,
		Rate:       rate,
		Parameters: parameters,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := q.InsertQuotation(ctx, quote); err != nil {
		return models.Quotation{}, fmt.Errorf("insert quotation: %w", err)
	}
	return quote, nil
}

// Consume takes the quotation for the given transfer. The take happens at
// most once: a second call, concurrent or later, gets ErrQuotationConsumed.
// An expired quotation is rejected even before garbage collection removes it.
func (s *QuotationService) Consume(ctx context.Context, q storage.Queries, quotationID string, transferID int64) (models.Quotation, error) {
	quote, err := q.GetQuotation(ctx, quotationID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.Quotation{}, domain.ErrQuotationNotFound
		}
		return models.Quotation{}, fmt.Errorf("load quotation: %w", err)
	}
	if quote.TransferID != transferID {
		return models.Quotation{}, domain.ErrQuotationMismatch
	}

	now := s.now().UTC()
	if !now.Before(quote.ExpiresAt) {
		return models.Quotation{}, domain.ErrQuotationExpired
	}
	if quote.ConsumedAt != nil {
		return models.Quotation{}, domain.ErrQuotationConsumed
	}

	rows, err := q.ConsumeQuotation(ctx, quotationID, now)
	if err != nil {
		return models.Quotation{}, fmt.Errorf("consume quotation: %w", err)
	}
	if rows != 1 {
		// Lost the take to a concurrent consumer.
		return models.Quotation{}, domain.ErrQuotationConsumed
	}
	quote.ConsumedAt = &now
	return quote, nil
}

// Sweep removes quotations whose expiry passed more than retention ago. The
// retention window keeps rows around long enough for the transfer expiry
// sweep, which joins on them, to run first.
func (s *QuotationService) Sweep(ctx context.Context, q storage.Queries, retention time.Duration) (int64, error) {
	return q.DeleteExpiredQuotations(ctx, s.now().UTC().Add(-retention))
}
