package handler

import (
	"net/http"

	"github.com/sendbridge/remitd/internal/service"
)

type AgentHandler struct {
	svc *service.TransferService
}

func NewAgentHandler(svc *service.TransferService) *AgentHandler {
	return &AgentHandler{svc: svc}
}

// GetBalance returns the authenticated agent's float.
func (h *AgentHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := requestAgent(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error(), "")
		return
	}

	agent, err := h.svc.GetBalance(r.Context(), agentID)
	if err != nil {
		RespondDomainError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":      agent.ID,
		"name":          agent.Name,
		"currency":      agent.Currency,
		"balance_minor": agent.BalanceMinor,
	})
}
