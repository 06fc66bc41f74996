package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
	"github.com/sendbridge/remitd/internal/service"
	"github.com/sendbridge/remitd/internal/storage"
)

// AdminHandler covers operational endpoints: account definition maintenance,
// transfer triage and the fraud override.
type AdminHandler struct {
	svc   *service.TransferService
	store storage.Store
}

func NewAdminHandler(svc *service.TransferService, store storage.Store) *AdminHandler {
	return &AdminHandler{svc: svc, store: store}
}

// ListAccountDefinitions returns every account format the engine knows.
func (h *AdminHandler) ListAccountDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.Queries().ListAccountDefinitions(r.Context())
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"definitions": defs})
}

// UpsertAccountDefinition installs or replaces an account format by code.
func (h *AdminHandler) UpsertAccountDefinition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code          string `json:"code"`
		Regex         string `json:"regex,omitempty"`
		NormalizeMode string `json:"normalize_mode"`
		Algorithm     string `json:"algorithm"`
		MinLength     int    `json:"min_length,omitempty"`
		MaxLength     int    `json:"max_length,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}
	if req.Code == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-code", "code is required", "")
		return
	}
	switch req.NormalizeMode {
	case domain.NormalizeNone, domain.NormalizeStripSpace, domain.NormalizeUppercase, domain.NormalizeAlnumUpper:
	default:
		RespondError(w, r, http.StatusBadRequest, "request/invalid-normalize-mode", "unknown normalize_mode", "")
		return
	}
	switch req.Algorithm {
	case domain.AlgorithmNone, domain.AlgorithmLuhn, domain.AlgorithmMod97:
	default:
		RespondError(w, r, http.StatusBadRequest, "request/invalid-algorithm", "unknown algorithm", "")
		return
	}

	def, err := h.store.Queries().UpsertAccountDefinition(r.Context(), models.AccountDefinition{
		Code:          req.Code,
		Regex:         req.Regex,
		NormalizeMode: req.NormalizeMode,
		Algorithm:     req.Algorithm,
		MinLength:     req.MinLength,
		MaxLength:     req.MaxLength,
	})
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, def)
}

// ListTransfersByStatus pages transfers in one lifecycle state for triage.
func (h *AdminHandler) ListTransfersByStatus(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case domain.TransferStatusNew, domain.TransferStatusPrepared, domain.TransferStatusConfirmed,
		domain.TransferStatusSuccess, domain.TransferStatusFailed, domain.TransferStatusExpired,
		domain.TransferStatusFraud:
	default:
		RespondError(w, r, http.StatusBadRequest, "request/invalid-status", "unknown transfer status", "")
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)

	transfers, err := h.store.Queries().ListTransfersByStatus(r.Context(), status, int32(limit), int32(offset))
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	views := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, renderTransfer(t))
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"transfers": views})
}

// GetOutbox shows the settlement queue entry behind a transfer, mainly for
// support: attempts, next due time, last error and the timeout-fault flag.
func (h *AdminHandler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	transferID, err := strconv.ParseInt(chi.URLParam(r, "transferID"), 10, 64)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transfer-id", "Invalid transfer id", "")
		return
	}

	entry, err := h.store.Queries().GetOutboxEntryByTransfer(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			RespondError(w, r, http.StatusNotFound, "outbox/not-found", "no settlement entry for this transfer", "outbox/not-found")
			return
		}
		RespondDomainError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"id":              entry.ID,
		"transfer_id":     entry.TransferID,
		"provider_code":   entry.ProviderCode,
		"status":          entry.Status,
		"attempts":        entry.Attempts,
		"next_attempt_at": RenderTime(entry.NextAttemptAt),
		"claimed_at":      RenderTimePtr(entry.ClaimedAt),
		"last_error":      entry.LastError,
		"timeout_fault":   entry.TimeoutFault,
	})
}

// MarkFraud pulls a transfer out of the lifecycle after a risk decision.
func (h *AdminHandler) MarkFraud(w http.ResponseWriter, r *http.Request) {
	transferID, err := strconv.ParseInt(chi.URLParam(r, "transferID"), 10, 64)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transfer-id", "Invalid transfer id", "")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}

	if err := h.svc.MarkFraud(r.Context(), transferID, req.Reason); err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": domain.TransferStatusFraud})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
