package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const challengeScheme = "exact"

// FacilitatorGateway implements the challenge/response rail: the server
// names its payment terms with a 402-style challenge, the caller pays
// out-of-band and retries with a proof, and the facilitator verifies and
// settles that proof on-chain.
type FacilitatorGateway struct {
	BaseURL     string
	Network     string
	Asset       string
	Description string
	HTTPClient  *http.Client
}

func NewFacilitatorGateway(baseURL, network, asset, description string) *FacilitatorGateway {
	return &FacilitatorGateway{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Network:     network,
		Asset:       asset,
		Description: description,
		HTTPClient:  newHTTPClient(),
	}
}

func (g *FacilitatorGateway) ChallengeEnabled() bool { return true }

// RequirePayment is deliberately pure: no nonce, no clock. Verification
// regenerates the challenge from the same inputs and must get the same terms
// that were issued.
func (g *FacilitatorGateway) RequirePayment(_ context.Context, amount int64, payTo, resource string) (Challenge, error) {
	return Challenge{
		Scheme:      challengeScheme,
		Network:     g.Network,
		Asset:       g.Asset,
		Amount:      amount,
		PayTo:       payTo,
		Resource:    resource,
		Description: g.Description,
	}, nil
}

type facilitatorVerifyResponse struct {
	IsValid       bool   `json:"is_valid"`
	InvalidReason string `json:"invalid_reason"`
}

type facilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	ErrorReason string `json:"error_reason"`
}

// SettleFromChallenge verifies the proof against the challenge terms, then
// settles. A proof the facilitator rejects is a failed Settlement, not an
// error; errors are reserved for the facilitator being unreachable.
func (g *FacilitatorGateway) SettleFromChallenge(ctx context.Context, paymentProof string, ch Challenge) (Settlement, error) {
	reqBody := map[string]any{
		"payment_proof": paymentProof,
		"requirements":  ch,
	}

	var verify facilitatorVerifyResponse
	if err := g.post(ctx, "/verify", reqBody, &verify); err != nil {
		return Settlement{}, fmt.Errorf("facilitator verify: %w", err)
	}
	if !verify.IsValid {
		reason := verify.InvalidReason
		if reason == "" {
			reason = "payment verification failed"
		}
		return Settlement{Success: false, Error: reason}, nil
	}

	var settle facilitatorSettleResponse
	if err := g.post(ctx, "/settle", reqBody, &settle); err != nil {
		return Settlement{}, fmt.Errorf("facilitator settle: %w", err)
	}
	if !settle.Success {
		reason := settle.ErrorReason
		if reason == "" {
			reason = "payment settlement failed"
		}
		return Settlement{Success: false, Error: reason}, nil
	}
	return Settlement{Success: true, TxRef: settle.Transaction}, nil
}

// PushPayment is not part of this rail; money moves before execution here.
func (g *FacilitatorGateway) PushPayment(context.Context, string, int64) (string, error) {
	return "", ErrPushRailDisabled
}

func (g *FacilitatorGateway) post(ctx context.Context, path string, body any, dst any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
