package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moridanjin/clawver-protocol/pkg/httpx"
	"github.com/moridanjin/clawver-protocol/services/market/internal/reputation"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

type registerAgentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func registerAgentRoutes(api chi.Router, st *store.Store, rep *reputation.Service) {
	api.Post("/agents", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id == nil {
			httpx.WriteError(w, 401, "AUTH_REQUIRED", "authentication required", nil)
			return
		}
		var req registerAgentRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httpx.WriteError(w, 400, "MISSING_FIELD", "name is required", nil)
			return
		}

		a := store.Agent{
			AgentID:       "agt_" + uuid.NewString(),
			Name:          req.Name,
			Description:   strings.TrimSpace(req.Description),
			WalletAddress: id.WalletAddress,
		}
		if err := st.CreateAgent(r.Context(), a); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				httpx.WriteError(w, 409, "ALREADY_REGISTERED",
					"an agent is already registered for this wallet", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		created, err := st.GetAgent(r.Context(), a.AgentID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, created)
	})

	api.Get("/agents", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		agents, err := st.ListAgents(r.Context(), limit, offset)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"agents": agents, "count": len(agents)})
	})

	api.Get("/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
		a, err := st.GetAgent(r.Context(), chi.URLParam(r, "agent_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "agent not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, a)
	})

	api.Get("/agents/{agent_id}/reputation", func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agent_id")
		a, err := st.GetAgent(r.Context(), agentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "agent not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		bd, err := rep.Breakdown(r.Context(), agentID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"agent_id":  a.AgentID,
			"name":      a.Name,
			"breakdown": bd,
		})
	})
}
