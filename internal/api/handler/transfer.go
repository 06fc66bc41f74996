package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/service"
)

type TransferHandler struct {
	svc *service.TransferService
}

func NewTransferHandler(svc *service.TransferService) *TransferHandler {
	return &TransferHandler{svc: svc}
}

type transferView struct {
	ID                int64             `json:"id"`
	ExternalID        string            `json:"external_id"`
	Status            string            `json:"status"`
	Account           string            `json:"account"`
	Currency          string            `json:"currency"`
	AmountMinor       int64             `json:"amount_minor"`
	CreditCurrency    string            `json:"credit_currency"`
	CreditAmountMinor int64             `json:"credit_amount_minor"`
	FeeMinor          int64             `json:"fee_minor"`
	QuotationID       *string           `json:"quotation_id,omitempty"`
	Parameters        map[string]string `json:"parameters,omitempty"`
	ProviderRef       *string           `json:"provider_ref,omitempty"`
	ProviderFields    map[string]string `json:"provider_fields,omitempty"`
	ProviderError     *string           `json:"provider_error,omitempty"`
	CreatedAt         Timestamps        `json:"created_at"`
	ConfirmedAt       *Timestamps       `json:"confirmed_at,omitempty"`
	CompletedAt       *Timestamps       `json:"completed_at,omitempty"`
}

func renderTransfer(t models.Transfer) transferView {
	return transferView{
		ID:                t.ID,
		ExternalID:        t.ExternalID,
		Status:            t.Status,
		Account:           t.AccountNormalized,
		Currency:          t.Currency,
		AmountMinor:       t.AmountMinor,
		CreditCurrency:    t.CreditCurrency,
		CreditAmountMinor: t.CreditAmountMinor,
		FeeMinor:          t.ProviderFeeMinor,
		QuotationID:       t.QuotationID,
		Parameters:        t.Parameters,
		ProviderRef:       t.ProviderRef,
		ProviderFields:    t.ProviderFields,
		ProviderError:     t.ProviderError,
		CreatedAt:         RenderTime(t.CreatedAt),
		ConfirmedAt:       RenderTimePtr(t.ConfirmedAt),
		CompletedAt:       RenderTimePtr(t.CompletedAt),
	}
}

// Check validates a destination account against a service without creating
// any state.
func (h *TransferHandler) Check(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	var req struct {
		ServiceID string `json:"service_id"`
		Account   string `json:"account"`
		Currency  string `json:"currency,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-service-id", "Invalid service_id", "")
		return
	}

	result, err := h.svc.Check(r.Context(), service.CheckRequest{
		AgentID:   agentID,
		ServiceID: serviceID,
		Account:   req.Account,
		Currency:  req.Currency,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}

	type rateView struct {
		Base  string `json:"base"`
		Quote string `json:"quote"`
		Rate  string `json:"rate"`
	}
	rates := make([]rateView, 0, len(result.Rates))
	for _, rt := range result.Rates {
		rates = append(rates, rateView{Base: rt.Base, Quote: rt.Quote, Rate: rt.Rate.String()})
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"service_name":        result.ServiceName,
		"provider_code":       result.ProviderCode,
		"account_normalized":  result.AccountNormalized,
		"settlement_currency": result.SettlementCurrency,
		"allowed_currencies":  result.AllowedCurrencies,
		"rates":               rates,
		"parameter_defaults":  result.ParameterDefaults,
		"min_amount_minor":    result.MinAmountMinor,
		"max_amount_minor":    result.MaxAmountMinor,
	})
}

// Prepare creates a transfer and returns its quotation, or replays the
// original outcome on a duplicate external id with an identical payload.
func (h *TransferHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	var req struct {
		TerminalID  string            `json:"terminal_id"`
		ExternalID  string            `json:"external_id"`
		ServiceID   string            `json:"service_id"`
		Account     string            `json:"account"`
		Currency    string            `json:"currency"`
		AmountMinor int64             `json:"amount_minor"`
		Parameters  map[string]string `json:"parameters,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}
	terminalID, err := uuid.Parse(req.TerminalID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-terminal-id", "Invalid terminal_id", "")
		return
	}
	serviceID, err := uuid.Parse(req.ServiceID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-service-id", "Invalid service_id", "")
		return
	}

	result, err := h.svc.Prepare(r.Context(), service.PrepareRequest{
		AgentID:     agentID,
		TerminalID:  terminalID,
		ExternalID:  req.ExternalID,
		ServiceID:   serviceID,
		Account:     req.Account,
		Currency:    req.Currency,
		AmountMinor: req.AmountMinor,
		Parameters:  req.Parameters,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	RespondJSON(w, status, map[string]interface{}{
		"transfer":     renderTransfer(result.Transfer),
		"quotation_id": result.Quotation.ID,
		"rate":         result.Quotation.Rate.String(),
		"expires_at":   RenderTime(result.Quotation.ExpiresAt),
		"replayed":     result.Replayed,
	})
}

// Confirm consumes the quotation and moves the transfer to CONFIRMED; the
// provider call happens asynchronously afterwards.
func (h *TransferHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	var req struct {
		ExternalID  string `json:"external_id"`
		QuotationID string `json:"quotation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}
	if req.ExternalID == "" || req.QuotationID == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-fields", "external_id and quotation_id are required", "")
		return
	}

	result, err := h.svc.Confirm(r.Context(), agentID, req.ExternalID, req.QuotationID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"transfer":  renderTransfer(result.Transfer),
		"outbox_id": result.Outbox.ID,
	})
}

// GetStatus returns the transfer identified by its external id.
func (h *TransferHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-external-id", "external id is required", "")
		return
	}

	transfer, err := h.svc.GetStatus(r.Context(), agentID, externalID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, renderTransfer(transfer))
}
