package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/moridanjin/clawver-protocol/pkg/anchor"
	"github.com/moridanjin/clawver-protocol/pkg/httpx"
	"github.com/moridanjin/clawver-protocol/pkg/payment"
	"github.com/moridanjin/clawver-protocol/services/market/internal/exec"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

type executeRequest struct {
	Input        any    `json:"input"`
	PaymentProof string `json:"payment_proof,omitempty"`
}

// paymentResponseHeader mirrors the settlement back to the caller the
// way x402 facilitators do, as base64 JSON in a response header.
func paymentResponseHeader(w http.ResponseWriter, txRef string) {
	if txRef == "" {
		return
	}
	b, err := json.Marshal(map[string]any{"success": true, "tx_ref": txRef})
	if err != nil {
		return
	}
	w.Header().Set("PAYMENT-RESPONSE", base64.StdEncoding.EncodeToString(b))
}

func writePaymentError(w http.ResponseWriter, err error) bool {
	var required *payment.RequiredError
	if errors.As(err, &required) {
		httpx.WriteError(w, 402, "PAYMENT_REQUIRED", "payment required",
			map[string]any{"accepts": []payment.Challenge{required.Challenge}})
		return true
	}
	var invalid *payment.InvalidProofError
	if errors.As(err, &invalid) {
		httpx.WriteError(w, 402, "PAYMENT_INVALID", invalid.Reason, nil)
		return true
	}
	return false
}

func registerExecuteRoutes(api chi.Router, st *store.Store, orch *exec.Orchestrator, anchorer anchor.Anchorer, log zerolog.Logger) {
	api.Post("/skills/{skill_id}/execute", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		var req executeRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if req.PaymentProof == "" {
			req.PaymentProof = strings.TrimSpace(r.Header.Get("X-PAYMENT"))
		}

		res, err := orch.Execute(r.Context(), exec.Request{
			SkillID:      chi.URLParam(r, "skill_id"),
			CallerID:     id.AgentID,
			Input:        req.Input,
			PaymentProof: req.PaymentProof,
		})
		if err != nil {
			if writePaymentError(w, err) {
				return
			}
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "skill or agent not found", nil)
				return
			}
			httpx.WriteError(w, 500, "EXECUTION_ERROR", err.Error(), nil)
			return
		}

		switch {
		case res.Status == store.ExecutionSuccess:
			if res.ExecutionHash != "" {
				anchor.Async(log, anchorer, res.ExecutionID, res.ExecutionHash)
			}
			paymentResponseHeader(w, res.TxRef)
			httpx.WriteJSON(w, 200, res)
		case res.InputValidation != nil && !res.InputValidation.Valid:
			httpx.WriteJSON(w, 400, res)
		default:
			httpx.WriteJSON(w, 500, res)
		}
	})

	api.Get("/executions", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		skillID := strings.TrimSpace(r.URL.Query().Get("skill_id"))
		callerID := strings.TrimSpace(r.URL.Query().Get("caller_id"))
		executions, err := st.ListExecutions(r.Context(), skillID, callerID, limit, offset)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"executions": executions, "count": len(executions)})
	})

	api.Get("/executions/{execution_id}", func(w http.ResponseWriter, r *http.Request) {
		e, err := st.GetExecution(r.Context(), chi.URLParam(r, "execution_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "execution not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, e)
	})

	api.Get("/executions/{execution_id}/verify", func(w http.ResponseWriter, r *http.Request) {
		vr, err := orch.Verify(r.Context(), chi.URLParam(r, "execution_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "execution not found", nil)
				return
			}
			httpx.WriteError(w, 400, "NOT_VERIFIABLE", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, vr)
	})
}
