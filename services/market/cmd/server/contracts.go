package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/moridanjin/clawver-protocol/pkg/anchor"
	"github.com/moridanjin/clawver-protocol/pkg/httpx"
	"github.com/moridanjin/clawver-protocol/services/market/internal/contract"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

type createContractRequest struct {
	ProviderID   string `json:"provider_id"`
	SkillID      string `json:"skill_id"`
	Input        any    `json:"input"`
	PaymentProof string `json:"payment_proof,omitempty"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func writeContractError(w http.ResponseWriter, err error) {
	if writePaymentError(w, err) {
		return
	}
	var authz *contract.AuthorizationError
	if errors.As(err, &authz) {
		httpx.WriteError(w, 403, "FORBIDDEN", authz.Reason, nil)
		return
	}
	var state *contract.StateError
	if errors.As(err, &state) {
		httpx.WriteError(w, 409, "BAD_STATE", state.Error(), nil)
		return
	}
	var input *contract.InputError
	if errors.As(err, &input) {
		httpx.WriteError(w, 400, "INPUT_INVALID", "input validation failed",
			map[string]any{"errors": input.Errors})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		httpx.WriteError(w, 404, "NOT_FOUND", "contract, skill, or agent not found", nil)
		return
	}
	if errors.Is(err, store.ErrStateConflict) {
		httpx.WriteError(w, 409, "BAD_STATE", "contract changed state concurrently", nil)
		return
	}
	httpx.WriteError(w, 500, "CONTRACT_ERROR", err.Error(), nil)
}

func registerContractRoutes(api chi.Router, st *store.Store, orch *contract.Orchestrator, anchorer anchor.Anchorer, log zerolog.Logger) {
	api.Post("/contracts", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		var req createContractRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if strings.TrimSpace(req.ProviderID) == "" || strings.TrimSpace(req.SkillID) == "" {
			httpx.WriteError(w, 400, "MISSING_FIELD", "provider_id and skill_id are required", nil)
			return
		}
		if req.PaymentProof == "" {
			req.PaymentProof = strings.TrimSpace(r.Header.Get("X-PAYMENT"))
		}

		c, err := orch.Create(r.Context(), contract.CreateRequest{
			ClientID:     id.AgentID,
			ProviderID:   req.ProviderID,
			SkillID:      req.SkillID,
			Input:        req.Input,
			PaymentProof: req.PaymentProof,
		})
		if err != nil {
			writeContractError(w, err)
			return
		}
		httpx.WriteJSON(w, 201, c)
	})

	api.Post("/contracts/{contract_id}/deliver", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		res, err := orch.Deliver(r.Context(), chi.URLParam(r, "contract_id"), id.AgentID)
		if err != nil {
			writeContractError(w, err)
			return
		}

		switch {
		case res.Status == store.ContractSettled:
			if res.ExecutionHash != "" {
				anchor.Async(log, anchorer, res.ContractID, res.ExecutionHash)
			}
			paymentResponseHeader(w, res.TxRef)
			httpx.WriteJSON(w, 200, res)
		case res.Phase == "output_validation":
			httpx.WriteJSON(w, 400, res)
		default:
			httpx.WriteJSON(w, 500, res)
		}
	})

	api.Post("/contracts/{contract_id}/dispute", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		var req disputeRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			httpx.WriteError(w, 400, "MISSING_FIELD", "reason is required", nil)
			return
		}

		res, err := orch.Dispute(r.Context(), chi.URLParam(r, "contract_id"), id.AgentID, req.Reason)
		if err != nil {
			writeContractError(w, err)
			return
		}
		httpx.WriteJSON(w, 200, res)
	})

	api.Get("/contracts", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		contracts, err := st.ListContracts(r.Context(), agentID, status, limit, offset)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"contracts": contracts, "count": len(contracts)})
	})

	api.Get("/contracts/{contract_id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := st.GetContract(r.Context(), chi.URLParam(r, "contract_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "contract not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, c)
	})
}
