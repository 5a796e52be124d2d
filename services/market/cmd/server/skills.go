package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moridanjin/clawver-protocol/pkg/httpx"
	"github.com/moridanjin/clawver-protocol/services/market/internal/sandbox"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

type publishSkillRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	Code         string         `json:"code"`
	Version      string         `json:"version,omitempty"`
	Price        int64          `json:"price"`
	TimeoutMs    int            `json:"timeout_ms"`
	MaxMemoryMb  int            `json:"max_memory_mb"`
}

type rateSkillRequest struct {
	Rating float64 `json:"rating"`
}

func registerSkillRoutes(api chi.Router, st *store.Store) {
	api.Post("/skills", func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		var req publishSkillRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		switch {
		case req.Name == "":
			httpx.WriteError(w, 400, "MISSING_FIELD", "name is required", nil)
			return
		case strings.TrimSpace(req.Code) == "":
			httpx.WriteError(w, 400, "MISSING_FIELD", "code is required", nil)
			return
		case req.Price < 0:
			httpx.WriteError(w, 400, "BAD_FIELD", "price must be >= 0", nil)
			return
		}
		if strings.TrimSpace(req.Version) == "" {
			req.Version = "1.0.0"
		}

		sk := store.Skill{
			SkillID:      "skl_" + uuid.NewString(),
			OwnerID:      id.AgentID,
			Name:         req.Name,
			Description:  strings.TrimSpace(req.Description),
			InputSchema:  req.InputSchema,
			OutputSchema: req.OutputSchema,
			Code:         req.Code,
			Version:      req.Version,
			Price:        req.Price,
			TimeoutMs:    sandbox.ClampTimeoutMs(req.TimeoutMs),
			MaxMemoryMb:  sandbox.ClampMemoryMb(req.MaxMemoryMb),
		}
		if err := st.CreateSkill(r.Context(), sk); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				httpx.WriteError(w, 409, "DUPLICATE_SKILL", "skill already exists", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		created, err := st.GetSkill(r.Context(), sk.SkillID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, created)
	})

	api.Get("/skills", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
		search := strings.TrimSpace(r.URL.Query().Get("search"))
		skills, err := st.ListSkills(r.Context(), ownerID, search, limit, offset)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"skills": skills, "count": len(skills)})
	})

	api.Get("/skills/{skill_id}", func(w http.ResponseWriter, r *http.Request) {
		sk, err := st.GetSkill(r.Context(), chi.URLParam(r, "skill_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "skill not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, sk)
	})

	api.Post("/skills/{skill_id}/rate", func(w http.ResponseWriter, r *http.Request) {
		var req rateSkillRequest
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if req.Rating < 1 || req.Rating > 5 {
			httpx.WriteError(w, 400, "BAD_FIELD", "rating must be between 1 and 5", nil)
			return
		}
		skillID := chi.URLParam(r, "skill_id")
		if err := st.RateSkill(r.Context(), skillID, req.Rating); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "skill not found", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		sk, err := st.GetSkill(r.Context(), skillID)
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{
			"skill_id":     sk.SkillID,
			"avg_rating":   sk.AvgRating,
			"rating_count": sk.RatingCount,
		})
	})
}
