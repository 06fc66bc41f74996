package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sendbridge/remitd/internal/fx"
	"github.com/sendbridge/remitd/internal/models"
)

type RateHandler struct {
	resolver *fx.Resolver
}

func NewRateHandler(resolver *fx.Resolver) *RateHandler {
	return &RateHandler{resolver: resolver}
}

type rateResponse struct {
	Base      string     `json:"base"`
	Quote     string     `json:"quote"`
	Rate      string     `json:"rate"`
	Source    string     `json:"source,omitempty"`
	UpdatedAt Timestamps `json:"updated_at"`
}

func renderRate(r models.FxRate) rateResponse {
	return rateResponse{
		Base:      r.Base,
		Quote:     r.Quote,
		Rate:      r.Rate.String(),
		Source:    r.Source,
		UpdatedAt: RenderTime(r.UpdatedAt),
	}
}

// GetRate resolves the active rate for one direction.
func (h *RateHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	base := chi.URLParam(r, "base")
	quote := chi.URLParam(r, "quote")
	rate, err := h.resolver.Resolve(r.Context(), agentID, base, quote)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, renderRate(rate))
}

// ListRates returns every active rate for the authenticated agent.
func (h *RateHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	rates, err := h.resolver.ListActive(r.Context(), agentID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	out := make([]rateResponse, 0, len(rates))
	for _, rt := range rates {
		out = append(out, renderRate(rt))
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"rates": out})
}

// UpsertRate installs or replaces an agent's rate for one direction. Admin
// only.
func (h *RateHandler) UpsertRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Base    string `json:"base"`
		Quote   string `json:"quote"`
		Rate    string `json:"rate"`
		Source  string `json:"source,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body", "")
		return
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-agent-id", "Invalid agent_id", "")
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-rate", "Invalid rate", "")
		return
	}

	updated, err := h.resolver.Upsert(r.Context(), agentID, req.Base, req.Quote, rate, req.Source)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, renderRate(updated))
}
