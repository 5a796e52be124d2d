// Package payment abstracts the two settlement rails behind one contract:
// an x402-style challenge/response rail settled through a facilitator
// service, and a fallback push-transfer rail against a platform-held wallet.
// Orchestrators depend only on Gateway; the rail is picked once, in Select.
package payment

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Challenge names the payment terms a caller must satisfy before a priced
// resource is served. It is a pure function of (amount, payTo, resource) and
// the gateway's static configuration, so a later verification can regenerate
// it identically instead of trusting a cached copy.
type Challenge struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	PayTo       string `json:"pay_to"`
	Resource    string `json:"resource"`
	Description string `json:"description"`
}

type Settlement struct {
	Success bool   `json:"success"`
	TxRef   string `json:"tx_ref"`
	Error   string `json:"error,omitempty"`
}

var (
	ErrChallengeRailDisabled = errors.New("challenge/response rail is disabled")
	ErrPushRailDisabled      = errors.New("push-transfer rail is unavailable")
	ErrNonPositiveAmount     = errors.New("transfer amount must be positive")
)

// RequiredError carries the challenge back to the transport layer for a
// 402 response. Nothing has been executed or persisted when this is
// returned.
type RequiredError struct {
	Challenge Challenge
}

func (e *RequiredError) Error() string { return "payment required" }

// InvalidProofError reports a payment proof that failed verification
// against the regenerated challenge.
type InvalidProofError struct {
	Reason string
}

func (e *InvalidProofError) Error() string { return "payment invalid: " + e.Reason }

// Gateway is the single settlement contract both orchestrators use.
// Transport failures surface as errors; rejected payments come back as a
// Settlement with Success=false and a reason.
type Gateway interface {
	// ChallengeEnabled reports whether the challenge/response rail is active.
	ChallengeEnabled() bool
	// RequirePayment produces the challenge for a priced resource.
	RequirePayment(ctx context.Context, amount int64, payTo, resource string) (Challenge, error)
	// SettleFromChallenge verifies a caller-submitted payment proof against a
	// freshly regenerated challenge and settles it.
	SettleFromChallenge(ctx context.Context, paymentProof string, ch Challenge) (Settlement, error)
	// PushPayment transfers amount from the platform balance to the payee.
	PushPayment(ctx context.Context, to string, amount int64) (string, error)
}

// Config selects and parameterizes the rail. This is the one place rail
// identity is examined.
type Config struct {
	ChallengeEnabled bool
	FacilitatorURL   string
	Network          string
	Asset            string
	Description      string

	WalletURL      string
	WalletUsername string
	WalletToken    string
}

// Select returns the configured rail implementation.
func Select(cfg Config) Gateway {
	if cfg.ChallengeEnabled {
		return NewFacilitatorGateway(cfg.FacilitatorURL, cfg.Network, cfg.Asset, cfg.Description)
	}
	return NewWalletGateway(cfg.WalletURL, cfg.WalletUsername, cfg.WalletToken, cfg.Network, cfg.Asset)
}

// External settlement calls carry no caller-configurable timeout; a fixed
// upper bound keeps a stalled rail from hanging request handlers.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
