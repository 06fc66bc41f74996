package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sendbridge/remitd/internal/account"
	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/storage"
)

// TransferService owns the transfer lifecycle: Check, Prepare, Confirm, the
// provider outcome, and the expiry sweep. Every multi-write path runs in one
// unit of work serialized on the transfer row.
type TransferService struct {
	store    storage.Store
	rates    *fx.Resolver
	accounts *account.Validator
	quotes   *QuotationService
	audit    *AuditService
	now      func() time.Time
}

func NewTransferService(store storage.Store, rates *fx.Resolver, accounts *account.Validator, quotes *QuotationService, audit *AuditService) *TransferService {
	return &TransferService{
		store:    store,
		rates:    rates,
		accounts: accounts,
		quotes:   quotes,
		audit:    audit,
		now:      time.Now,
	}
}

type CheckRequest struct {
	AgentID   uuid.UUID
	ServiceID uuid.UUID
	Account   string
	Currency  string
}

type CheckResult struct {
	ServiceName        string
	ProviderCode       string
	AccountNormalized  string
	SettlementCurrency string
	AllowedCurrencies  []string
	Rates              []models.FxRate
	ParameterDefaults  map[string]string
	MinAmountMinor     int64
	MaxAmountMinor     int64
}

type PrepareRequest struct {
	AgentID     uuid.UUID
	TerminalID  uuid.UUID
	ExternalID  string
	ServiceID   uuid.UUID
	Account     string
	Currency    string
	AmountMinor int64
	Parameters  map[string]string
}

type PrepareResult struct {
	Transfer  models.Transfer
	Quotation models.Quotation
	// Replayed is true when the idempotency key matched an existing transfer
	// and the original outcome was returned unchanged.
	Replayed bool
}

type ConfirmResult struct {
	Transfer models.Transfer
	Outbox   models.OutboxEntry
}

// Check validates a destination against a service without creating state.
func (s *TransferService) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	q := s.store.Queries()

	svc, err := s.loadService(ctx, q, req.ServiceID)
	if err != nil {
		return CheckResult{}, err
	}
	if req.Currency != "" {
		if _, err := domain.LookupCurrency(req.Currency); err != nil {
			return CheckResult{}, err
		}
		if !currencyAllowed(svc, req.Currency) {
			return CheckResult{}, domain.Businessf("currency/not-allowed", "service %s does not accept %s", svc.Name, req.Currency)
		}
	}

	def, err := s.loadDefinition(ctx, q, svc.AccountDefinitionCode)
	if err != nil {
		return CheckResult{}, err
	}
	normalized, err := s.accounts.Validate(req.Account, def)
	if err != nil {
		return CheckResult{}, err
	}

	rates, err := s.rates.ListActive(ctx, req.AgentID)
	if err != nil {
		return CheckResult{}, err
	}
	relevant := rates[:0:0]
	for _, r := range rates {
		if r.Quote == svc.SettlementCurrency && currencyAllowed(svc, r.Base) {
			relevant = append(relevant, r)
		}
	}

	return CheckResult{
		ServiceName:        svc.Name,
		ProviderCode:       svc.ProviderCode,
		AccountNormalized:  normalized,
		SettlementCurrency: svc.SettlementCurrency,
		AllowedCurrencies:  svc.AllowedCurrencies,
		Rates:              relevant,
		ParameterDefaults:  svc.ParameterDefaults,
		MinAmountMinor:     svc.MinAmountMinor,
		MaxAmountMinor:     svc.MaxAmountMinor,
	}, nil
}

// Prepare creates a transfer and its quotation, or replays the original
// outcome when the (agent, external id) key was already used with an
// identical payload.
func (s *TransferService) Prepare(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	if req.ExternalID == "" {
		return PrepareResult{}, domain.Validationf("transfer/missing-external-id", "external id is required")
	}
	if req.AmountMinor <= 0 {
		return PrepareResult{}, domain.Validationf("transfer/amount-not-positive", "amount must be greater than zero")
	}

	hash := prepareHash(req)

	var out PrepareResult
	err := s.store.RunInTx(ctx, func(q storage.Queries) error {
		existing, err := q.GetTransferByExternalIDForUpdate(ctx, req.AgentID, req.ExternalID)
		switch {
		case err == nil:
			replay, err := s.replayPrepare(ctx, q, existing, hash)
			if err != nil {
				return err
			}
			out = replay
			return nil
		case errors.Is(err, storage.ErrNoRows):
			// First use of the key, fall through to creation.
		default:
			return fmt.Errorf("lookup transfer by external id: %w", err)
		}

		created, err := s.createPrepared(ctx, q, req, hash)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return PrepareResult{}, err
	}

	zap.L().Info("transfer prepared",
		zap.Int64("transfer_id", out.Transfer.ID),
		zap.String("external_id", req.ExternalID),
		zap.String("agent_id", req.AgentID.String()),
		zap.Bool("replayed", out.Replayed))
	return out, nil
}

func (s *TransferService) replayPrepare(ctx context.Context, q storage.Queries, existing models.Transfer, hash string) (PrepareResult, error) {
	if existing.PayloadHash != hash {
		return PrepareResult{}, domain.ErrDuplicateExternalID
	}
	if existing.Status != domain.TransferStatusPrepared || existing.QuotationID == nil {
		// Same payload, but the order has moved on; the caller cannot get a
		// fresh quotation out of a replay.
		return PrepareResult{}, domain.ErrDuplicateExternalID
	}
	quote, err := q.GetQuotation(ctx, *existing.QuotationID)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("load quotation for replay: %w", err)
	}
	return PrepareResult{Transfer: existing, Quotation: quote, Replayed: true}, nil
}

func (s *TransferService) createPrepared(ctx context.Context, q storage.Queries, req PrepareRequest, hash string) (PrepareResult, error) {
	agent, err := s.loadAgent(ctx, q, req.AgentID)
	if err != nil {
		return PrepareResult{}, err
	}
	terminal, err := q.GetTerminal(ctx, req.TerminalID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return PrepareResult{}, domain.NotFoundf("terminal/not-found", "terminal %s does not exist", req.TerminalID)
		}
		return PrepareResult{}, fmt.Errorf("load terminal: %w", err)
	}
	if terminal.AgentID != agent.ID {
		return PrepareResult{}, domain.Businessf("terminal/wrong-agent", "terminal %s does not belong to agent %s", req.TerminalID, req.AgentID)
	}
	if !terminal.IsActive {
		return PrepareResult{}, domain.Businessf("terminal/inactive", "terminal %s is inactive", req.TerminalID)
	}
	svc, err := s.loadService(ctx, q, req.ServiceID)
	if err != nil {
		return PrepareResult{}, err
	}

	debitCurrency, err := domain.LookupCurrency(req.Currency)
	if err != nil {
		return PrepareResult{}, err
	}
	if req.Currency != agent.Currency {
		return PrepareResult{}, domain.Businessf("currency/not-agent-float", "agent %s holds %s, cannot debit %s", agent.ID, agent.Currency, req.Currency)
	}
	if !currencyAllowed(svc, req.Currency) {
		return PrepareResult{}, domain.Businessf("currency/not-allowed", "service %s does not accept %s", svc.Name, req.Currency)
	}
	def, err := s.loadDefinition(ctx, q, svc.AccountDefinitionCode)
	if err != nil {
		return PrepareResult{}, err
	}
	normalized, err := s.accounts.Validate(req.Account, def)
	if err != nil {
		return PrepareResult{}, err
	}

	if req.AmountMinor < svc.MinAmountMinor || (svc.MaxAmountMinor > 0 && req.AmountMinor > svc.MaxAmountMinor) {
		return PrepareResult{}, domain.Businessf("amount/out-of-range",
			"amount must be between %d and %d minor units", svc.MinAmountMinor, svc.MaxAmountMinor)
	}

	rate := decimal.NewFromInt(1)
	if req.Currency != svc.SettlementCurrency {
		row, err := q.GetActiveFxRate(ctx, req.AgentID, req.Currency, svc.SettlementCurrency)
		if err != nil {
			if errors.Is(err, storage.ErrNoRows) {
				return PrepareResult{}, domain.ErrRateUnavailable
			}
			return PrepareResult{}, fmt.Errorf("load fx rate: %w", err)
		}
		rate = row.Rate
	}

	credit, err := domain.NewMoney(req.AmountMinor, req.Currency).Convert(svc.SettlementCurrency, rate)
	if err != nil {
		return PrepareResult{}, err
	}
	feeMinor := transferFee(req.AmountMinor, svc, debitCurrency.Exponent)
	parameters := mergeParameters(svc.ParameterDefaults, req.Parameters)

	now := s.now().UTC()
	transfer, err := q.InsertTransfer(ctx, models.Transfer{
		AgentID:           req.AgentID,
		TerminalID:        req.TerminalID,
		ServiceID:         req.ServiceID,
		ExternalID:        req.ExternalID,
		Account:           req.Account,
		AccountNormalized: normalized,
		Currency:          req.Currency,
		AmountMinor:       req.AmountMinor,
		CreditCurrency:    svc.SettlementCurrency,
		CreditAmountMinor: credit.AmountMinor,
		ProviderFeeMinor:  feeMinor,
		Status:            domain.TransferStatusNew,
		PayloadHash:       hash,
		Parameters:        parameters,
		CreatedAt:         now,
	})
	if err != nil {
		return PrepareResult{}, fmt.Errorf("insert transfer: %w", err)
	}

	if err := transitionTransferState(ctx, q, s.audit, transfer.ID, domain.TransferStatusNew, domain.TransferStatusPrepared, "prepare", nil); err != nil {
		return PrepareResult{}, err
	}
	transfer.Status = domain.TransferStatusPrepared

	quote, err := s.quotes.Create(ctx, q, transfer.ID, rate, parameters)
	if err != nil {
		return PrepareResult{}, err
	}
	rows, err := q.SetTransferQuotation(ctx, transfer.ID, quote.ID)
	if err != nil {
		return PrepareResult{}, fmt.Errorf("bind quotation: %w", err)
	}
	if err := requireExactlyOne(rows, "bind quotation"); err != nil {
		return PrepareResult{}, err
	}
	transfer.QuotationID = &quote.ID

	return PrepareResult{Transfer: transfer, Quotation: quote}, nil
}

// Confirm consumes the quotation, debits the agent float, moves the transfer
// to CONFIRMED and enqueues the settlement outbox entry, all in one unit of
// work. The provider is never called inline.
func (s *TransferService) Confirm(ctx context.Context, agentID uuid.UUID, externalID, quotationID string) (ConfirmResult, error) {
	var out ConfirmResult
	err := s.store.RunInTx(ctx, func(q storage.Queries) error {
		transfer, err := q.GetTransferByExternalIDForUpdate(ctx, agentID, externalID)
		if err != nil {
			if errors.Is(err, storage.ErrNoRows) {
				return domain.ErrTransferNotFound
			}
			return fmt.Errorf("lookup transfer: %w", err)
		}
		if transfer.Status != domain.TransferStatusPrepared {
			return domain.ErrInvalidState
		}
		if transfer.QuotationID == nil || *transfer.QuotationID != quotationID {
			return domain.ErrQuotationMismatch
		}

		if _, err := s.quotes.Consume(ctx, q, quotationID, transfer.ID); err != nil {
			return err
		}

		debitTotal := transfer.AmountMinor + transfer.ProviderFeeMinor
		rows, err := q.AdjustAgentBalance(ctx, agentID, -debitTotal)
		if err != nil {
			return fmt.Errorf("debit agent float: %w", err)
		}
		if rows != 1 {
			return domain.Businessf("agent/insufficient-float", "agent float cannot cover %d minor units", debitTotal)
		}

		if err := transitionTransferState(ctx, q, s.audit, transfer.ID, transfer.Status, domain.TransferStatusConfirmed, "confirm", nil); err != nil {
			return err
		}
		now := s.now().UTC()
		rows, err = q.SetTransferConfirmedAt(ctx, transfer.ID, now)
		if err != nil {
			return fmt.Errorf("set confirmed timestamp: %w", err)
		}
		if err := requireExactlyOne(rows, "set confirmed timestamp"); err != nil {
			return err
		}

		svc, err := s.loadService(ctx, q, transfer.ServiceID)
		if err != nil {
			return err
		}
		entry, err := q.InsertOutboxEntry(ctx, models.OutboxEntry{
			TransferID:   transfer.ID,
			ProviderCode: svc.ProviderCode,
			Request: models.ProviderRequest{
				TransferID:        transfer.ID,
				ExternalID:        transfer.ExternalID,
				AgentID:           transfer.AgentID,
				ProviderCode:      svc.ProviderCode,
				Account:           transfer.AccountNormalized,
				AmountMinor:       transfer.AmountMinor,
				Currency:          transfer.Currency,
				CreditAmountMinor: transfer.CreditAmountMinor,
				CreditCurrency:    transfer.CreditCurrency,
				Parameters:        transfer.Parameters,
			},
			Status:        domain.OutboxStatusPending,
			NextAttemptAt: now,
		})
		if err != nil {
			return fmt.Errorf("enqueue settlement: %w", err)
		}

		transfer.Status = domain.TransferStatusConfirmed
		transfer.ConfirmedAt = &now
		out = ConfirmResult{Transfer: transfer, Outbox: entry}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}

	zap.L().Info("transfer confirmed",
		zap.Int64("transfer_id", out.Transfer.ID),
		zap.String("external_id", externalID),
		zap.Int64("outbox_id", out.Outbox.ID))
	return out, nil
}

// ApplyProviderResult moves a CONFIRMED transfer to its terminal state from a
// resolved provider call. Terminal transfers only accept response enrichment;
// repeating the same terminal outcome is a no-op.
func (s *TransferService) ApplyProviderResult(ctx context.Context, transferID int64, result models.ProviderResult) error {
	return s.store.RunInTx(ctx, func(q storage.Queries) error {
		transfer, err := q.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			if errors.Is(err, storage.ErrNoRows) {
				return domain.ErrTransferNotFound
			}
			return fmt.Errorf("lookup transfer: %w", err)
		}

		target := ""
		switch result.Status {
		case domain.OutboxStatusSuccess:
			target = domain.TransferStatusSuccess
		case domain.OutboxStatusFailed, domain.OutboxStatusRetryExhausted:
			target = domain.TransferStatusFailed
		default:
			// Not resolved yet, the transfer stays CONFIRMED.
			return nil
		}

		if domain.TransferStatusTerminal(transfer.Status) {
			if transfer.Status != target {
				return domain.ErrInvalidState
			}
			return s.enrichProviderOutcome(ctx, q, transferID, result)
		}

		if err := transitionTransferState(ctx, q, s.audit, transferID, transfer.Status, target, "provider-result", providerAuditMetadata(result)); err != nil {
			return err
		}
		if err := s.enrichProviderOutcome(ctx, q, transferID, result); err != nil {
			return err
		}

		now := s.now().UTC()
		rows, err := q.SetTransferCompletedAt(ctx, transferID, now)
		if err != nil {
			return fmt.Errorf("set completed timestamp: %w", err)
		}
		if err := requireExactlyOne(rows, "set completed timestamp"); err != nil {
			return err
		}

		if target == domain.TransferStatusFailed {
			refund := transfer.AmountMinor + transfer.ProviderFeeMinor
			rows, err := q.AdjustAgentBalance(ctx, transfer.AgentID, refund)
			if err != nil {
				return fmt.Errorf("refund agent float: %w", err)
			}
			if err := requireExactlyOne(rows, "refund agent float"); err != nil {
				return err
			}
		}

		zap.L().Info("provider result applied",
			zap.Int64("transfer_id", transferID),
			zap.String("status", target),
			zap.String("provider_ref", result.ProviderRef))
		return nil
	})
}

func (s *TransferService) enrichProviderOutcome(ctx context.Context, q storage.Queries, transferID int64, result models.ProviderResult) error {
	var ref, provErr *string
	if result.ProviderRef != "" {
		ref = &result.ProviderRef
	}
	if result.Error != "" {
		provErr = &result.Error
	}
	if ref == nil && provErr == nil && result.Fields == nil {
		return nil
	}
	rows, err := q.SetTransferProviderOutcome(ctx, transferID, ref, result.Fields, provErr)
	if err != nil {
		return fmt.Errorf("record provider outcome: %w", err)
	}
	return requireExactlyOne(rows, "record provider outcome")
}

// ExpireDue sweeps PREPARED transfers whose quotation expiry has passed.
// CONFIRMED and later states are never expired.
func (s *TransferService) ExpireDue(ctx context.Context, limit int32) (int, error) {
	expired := 0
	err := s.store.RunInTx(ctx, func(q storage.Queries) error {
		due, err := q.ListExpiredPrepared(ctx, s.now().UTC(), limit)
		if err != nil {
			return fmt.Errorf("list expired transfers: %w", err)
		}
		for _, t := range due {
			if err := transitionTransferState(ctx, q, s.audit, t.ID, t.Status, domain.TransferStatusExpired, "expire", nil); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		zap.L().Info("expired stale transfers", zap.Int("count", expired))
	}
	return expired, nil
}

// MarkFraud pulls a non-terminal transfer out of the lifecycle after an
// out-of-band risk decision. A CONFIRMED transfer gets its float back.
func (s *TransferService) MarkFraud(ctx context.Context, transferID int64, reason string) error {
	return s.store.RunInTx(ctx, func(q storage.Queries) error {
		transfer, err := q.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			if errors.Is(err, storage.ErrNoRows) {
				return domain.ErrTransferNotFound
			}
			return fmt.Errorf("lookup transfer: %w", err)
		}
		if domain.TransferStatusTerminal(transfer.Status) {
			return domain.ErrInvalidState
		}
		wasConfirmed := transfer.Status == domain.TransferStatusConfirmed
		metadata, _ := json.Marshal(map[string]string{"reason": reason})
		if err := transitionTransferState(ctx, q, s.audit, transferID, transfer.Status, domain.TransferStatusFraud, "fraud", metadata); err != nil {
			return err
		}
		if wasConfirmed {
			rows, err := q.AdjustAgentBalance(ctx, transfer.AgentID, transfer.AmountMinor+transfer.ProviderFeeMinor)
			if err != nil {
				return fmt.Errorf("refund agent float: %w", err)
			}
			if err := requireExactlyOne(rows, "refund agent float"); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStatus returns the transfer identified by the idempotency key.
func (s *TransferService) GetStatus(ctx context.Context, agentID uuid.UUID, externalID string) (models.Transfer, error) {
	transfer, err := s.store.Queries().GetTransferByExternalID(ctx, agentID, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.Transfer{}, domain.ErrTransferNotFound
		}
		return models.Transfer{}, fmt.Errorf("lookup transfer: %w", err)
	}
	return transfer, nil
}

// GetBalance returns the agent's current float.
func (s *TransferService) GetBalance(ctx context.Context, agentID uuid.UUID) (models.Agent, error) {
	agent, err := s.store.Queries().GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.Agent{}, domain.NotFoundf("agent/not-found", "agent %s does not exist", agentID)
		}
		return models.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	return agent, nil
}

func (s *TransferService) loadAgent(ctx context.Context, q storage.Queries, id uuid.UUID) (models.Agent, error) {
	agent, err := q.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.Agent{}, domain.NotFoundf("agent/not-found", "agent %s does not exist", id)
		}
		return models.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	if !agent.IsActive {
		return models.Agent{}, domain.Businessf("agent/inactive", "agent %s is inactive", id)
	}
	return agent, nil
}

func (s *TransferService) loadService(ctx context.Context, q storage.Queries, id uuid.UUID) (models.Service, error) {
	svc, err := q.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.Service{}, domain.NotFoundf("service/not-found", "service %s does not exist", id)
		}
		return models.Service{}, fmt.Errorf("load service: %w", err)
	}
	if !svc.IsActive {
		return models.Service{}, domain.Businessf("service/inactive", "service %s is disabled", svc.Name)
	}
	return svc, nil
}

func (s *TransferService) loadDefinition(ctx context.Context, q storage.Queries, code string) (models.AccountDefinition, error) {
	def, err := q.GetAccountDefinitionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return models.AccountDefinition{}, domain.NotFoundf("account-definition/not-found", "account definition %s does not exist", code)
		}
		return models.AccountDefinition{}, fmt.Errorf("load account definition: %w", err)
	}
	return def, nil
}

func currencyAllowed(svc models.Service, currency string) bool {
	if len(svc.AllowedCurrencies) == 0 {
		return currency == svc.SettlementCurrency
	}
	for _, c := range svc.AllowedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// transferFee is the debit-side fee: basis points of the amount, rounded half
// away from zero to the minor unit, plus the fixed component.
func transferFee(amountMinor int64, svc models.Service, exponent int32) int64 {
	fee := svc.FeeFixedMinor
	if svc.FeeBasisPoints > 0 {
		pct := decimal.New(int64(svc.FeeBasisPoints), -4)
		variable := domain.MinorToDecimal(amountMinor, exponent).Mul(pct)
		fee += domain.DecimalToMinor(variable, exponent)
	}
	return fee
}

func mergeParameters(defaults, overrides map[string]string) map[string]string {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func providerAuditMetadata(result models.ProviderResult) []byte {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return raw
}

// prepareHash fingerprints the Prepare payload for replay detection.
func prepareHash(req PrepareRequest) string {
	keys := make([]string, 0, len(req.Parameters))
	for k := range req.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(req.AgentID.String()))
	h.Write([]byte{0})
	h.Write([]byte(req.TerminalID.String()))
	h.Write([]byte{0})
	h.Write([]byte(req.ServiceID.String()))
	h.Write([]byte{0})
	h.Write([]byte(req.ExternalID))
	h.Write([]byte{0})
	h.Write([]byte(req.Account))
	h.Write([]byte{0})
	h.Write([]byte(req.Currency))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(req.AmountMinor, 10)))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(req.Parameters[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
