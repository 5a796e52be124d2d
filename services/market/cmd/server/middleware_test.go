package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/moridanjin/clawver-protocol/pkg/authn"
)

func signedHeaders(t *testing.T, ts time.Time) (wallet, signature, timestamp string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	wallet = base64.StdEncoding.EncodeToString(pub)
	timestamp = fmt.Sprintf("%d", ts.Unix())
	sig := ed25519.Sign(priv, authn.BuildMessage(wallet, timestamp))
	signature = base64.StdEncoding.EncodeToString(sig)
	return wallet, signature, timestamp
}

func authedHandler(resolve agentResolver) http.Handler {
	return authMiddleware(resolve)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r)
		if id == nil {
			w.WriteHeader(500)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	}))
}

func resolveAs(id *authn.AgentIdentity, err error) agentResolver {
	return func(ctx context.Context, wallet string) (*authn.AgentIdentity, error) { return id, err }
}

func TestAuthMiddlewareGetIsPublic(t *testing.T) {
	h := authMiddleware(resolveAs(nil, authn.ErrAgentNotFound))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/skills", nil))
	if rec.Code != 204 {
		t.Fatalf("GET should bypass auth, got %d", rec.Code)
	}
}

func TestAuthMiddlewareMissingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	authedHandler(resolveAs(nil, nil)).ServeHTTP(rec, httptest.NewRequest("POST", "/skills", nil))
	if rec.Code != 401 {
		t.Fatalf("want 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareStaleTimestamp(t *testing.T) {
	wallet, sig, ts := signedHeaders(t, time.Now().Add(-20*time.Minute))
	req := httptest.NewRequest("POST", "/skills", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	authedHandler(resolveAs(&authn.AgentIdentity{AgentID: "agt_1"}, nil)).ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("want 401 for stale timestamp, got %d", rec.Code)
	}
}

func TestAuthMiddlewareBadSignature(t *testing.T) {
	wallet, _, ts := signedHeaders(t, time.Now())
	req := httptest.NewRequest("POST", "/skills", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	authedHandler(resolveAs(&authn.AgentIdentity{AgentID: "agt_1"}, nil)).ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("want 401 for bad signature, got %d", rec.Code)
	}
}

func TestAuthMiddlewareResolvesIdentity(t *testing.T) {
	wallet, sig, ts := signedHeaders(t, time.Now())
	req := httptest.NewRequest("POST", "/skills", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	authedHandler(resolveAs(&authn.AgentIdentity{AgentID: "agt_42", WalletAddress: wallet}, nil)).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var id authn.AgentIdentity
	if err := json.Unmarshal(rec.Body.Bytes(), &id); err != nil {
		t.Fatal(err)
	}
	if id.AgentID != "agt_42" {
		t.Fatalf("identity not propagated: %+v", id)
	}
}

func TestAuthMiddlewareUnknownWallet(t *testing.T) {
	wallet, sig, ts := signedHeaders(t, time.Now())
	req := httptest.NewRequest("POST", "/skills", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	authedHandler(resolveAs(nil, authn.ErrAgentNotFound)).ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Fatalf("want 403 for unregistered wallet, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRegistrationSkipsLookup(t *testing.T) {
	wallet, sig, ts := signedHeaders(t, time.Now())
	req := httptest.NewRequest("POST", "/agents", nil)
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", sig)
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	// Resolver would reject; registration must never consult it.
	authedHandler(resolveAs(nil, authn.ErrAgentNotFound)).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var id authn.AgentIdentity
	if err := json.Unmarshal(rec.Body.Bytes(), &id); err != nil {
		t.Fatal(err)
	}
	if id.WalletAddress != wallet || id.AgentID != "" {
		t.Fatalf("registration identity should carry wallet only: %+v", id)
	}
}
