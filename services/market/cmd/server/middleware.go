package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/moridanjin/clawver-protocol/pkg/authn"
	"github.com/moridanjin/clawver-protocol/pkg/httpx"
)

type ctxKey int

const identityKey ctxKey = iota

func identityFrom(r *http.Request) *authn.AgentIdentity {
	id, _ := r.Context().Value(identityKey).(*authn.AgentIdentity)
	return id
}

type agentResolver func(ctx context.Context, walletAddress string) (*authn.AgentIdentity, error)

// authMiddleware verifies the signed-timestamp headers on every
// mutating request. GETs are public. POST /agents is special: the
// wallet must prove key ownership but no agent exists yet to resolve.
func authMiddleware(resolve agentResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			wallet := r.Header.Get("X-Wallet-Address")
			signature := r.Header.Get("X-Signature")
			timestamp := r.Header.Get("X-Timestamp")
			if wallet == "" || signature == "" || timestamp == "" {
				httpx.WriteError(w, 401, "AUTH_REQUIRED",
					"missing X-Wallet-Address, X-Signature, or X-Timestamp headers", nil)
				return
			}

			if err := authn.Verify(wallet, signature, timestamp, time.Now()); err != nil {
				if errors.Is(err, authn.ErrStaleTime) {
					httpx.WriteError(w, 401, "STALE_TIMESTAMP", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 401, "BAD_SIGNATURE", "signature verification failed", nil)
				return
			}

			if r.Method == http.MethodPost && r.URL.Path == "/agents" {
				id := &authn.AgentIdentity{WalletAddress: wallet}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
				return
			}

			id, err := resolve(r.Context(), wallet)
			if err != nil {
				if errors.Is(err, authn.ErrAgentNotFound) {
					httpx.WriteError(w, 403, "AGENT_NOT_FOUND",
						"no registered agent for this wallet, register first via POST /agents", nil)
					return
				}
				httpx.WriteError(w, 500, "AUTH_LOOKUP_FAILED", err.Error(), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			start := time.Now()
			next.ServeHTTP(rec, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
