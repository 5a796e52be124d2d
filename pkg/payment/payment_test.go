package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFacilitatorGateway_ChallengeIsDeterministic(t *testing.T) {
	g := NewFacilitatorGateway("http://facilitator.local", "base-sepolia", "usdc", "skill execution payment")
	a, err := g.RequirePayment(context.Background(), 100, "0xabc", "/execute/skl_1")
	if err != nil {
		t.Fatalf("RequirePayment: %v", err)
	}
	b, err := g.RequirePayment(context.Background(), 100, "0xabc", "/execute/skl_1")
	if err != nil {
		t.Fatalf("RequirePayment: %v", err)
	}
	if a != b {
		t.Fatalf("regenerated challenge must match issued challenge: %#v vs %#v", a, b)
	}
	if a.Amount != 100 || a.PayTo != "0xabc" || a.Scheme != "exact" {
		t.Fatalf("unexpected challenge terms: %#v", a)
	}
}

func TestFacilitatorGateway_SettleHappyPath(t *testing.T) {
	var verifiedProof string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaymentProof string    `json:"payment_proof"`
			Requirements Challenge `json:"requirements"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch r.URL.Path {
		case "/verify":
			verifiedProof = req.PaymentProof
			_ = json.NewEncoder(w).Encode(map[string]any{"is_valid": true})
		case "/settle":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "transaction": "0xtx123"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	g := NewFacilitatorGateway(srv.URL, "base-sepolia", "usdc", "")
	ch, _ := g.RequirePayment(context.Background(), 100, "0xabc", "/execute/skl_1")
	st, err := g.SettleFromChallenge(context.Background(), "proof-bytes", ch)
	if err != nil {
		t.Fatalf("SettleFromChallenge: %v", err)
	}
	if !st.Success || st.TxRef != "0xtx123" {
		t.Fatalf("unexpected settlement: %#v", st)
	}
	if verifiedProof != "proof-bytes" {
		t.Fatalf("facilitator saw proof %q", verifiedProof)
	}
}

func TestFacilitatorGateway_InvalidProofIsFailureNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"is_valid": false, "invalid_reason": "amount mismatch"})
	}))
	defer srv.Close()

	g := NewFacilitatorGateway(srv.URL, "base-sepolia", "usdc", "")
	st, err := g.SettleFromChallenge(context.Background(), "bad", Challenge{Amount: 100})
	if err != nil {
		t.Fatalf("rejected proof must not be a transport error: %v", err)
	}
	if st.Success || st.Error != "amount mismatch" {
		t.Fatalf("unexpected settlement: %#v", st)
	}
}

func TestFacilitatorGateway_UnreachableIsError(t *testing.T) {
	g := NewFacilitatorGateway("http://127.0.0.1:1", "base-sepolia", "usdc", "")
	if _, err := g.SettleFromChallenge(context.Background(), "p", Challenge{}); err == nil {
		t.Fatal("unreachable facilitator must surface an error")
	}
}

func TestFacilitatorGateway_NoPushRail(t *testing.T) {
	g := NewFacilitatorGateway("http://facilitator.local", "base-sepolia", "usdc", "")
	if _, err := g.PushPayment(context.Background(), "0xabc", 10); !errors.Is(err, ErrPushRailDisabled) {
		t.Fatalf("got %v, want ErrPushRailDisabled", err)
	}
}

func TestWalletGateway_PushPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wallets/platform/actions/transfer" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["amount"] != "250" || req["to"] != "walletX" {
			t.Fatalf("unexpected transfer body: %#v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"txSignature": "sig789"})
	}))
	defer srv.Close()

	g := NewWalletGateway(srv.URL, "platform", "tok", "devnet", "native")
	ref, err := g.PushPayment(context.Background(), "walletX", 250)
	if err != nil {
		t.Fatalf("PushPayment: %v", err)
	}
	if ref != "sig789" {
		t.Fatalf("got ref %q", ref)
	}
}

func TestWalletGateway_RejectsNonPositiveAmount(t *testing.T) {
	g := NewWalletGateway("http://wallet.local", "platform", "", "devnet", "native")
	if _, err := g.PushPayment(context.Background(), "walletX", 0); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("got %v, want ErrNonPositiveAmount", err)
	}
}

func TestWalletGateway_NoChallengeRail(t *testing.T) {
	g := NewWalletGateway("http://wallet.local", "platform", "", "devnet", "native")
	if g.ChallengeEnabled() {
		t.Fatal("wallet rail must report challenge rail disabled")
	}
	if _, err := g.RequirePayment(context.Background(), 1, "w", "r"); !errors.Is(err, ErrChallengeRailDisabled) {
		t.Fatalf("got %v, want ErrChallengeRailDisabled", err)
	}
}

func TestSelect_PicksRailFromConfig(t *testing.T) {
	if g := Select(Config{ChallengeEnabled: true, FacilitatorURL: "http://f"}); !g.ChallengeEnabled() {
		t.Fatal("expected facilitator rail")
	}
	if g := Select(Config{ChallengeEnabled: false, WalletURL: "http://w"}); g.ChallengeEnabled() {
		t.Fatal("expected wallet rail")
	}
}
