package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// WalletGateway is the fallback rail: a hosted wallet service that pushes a
// transfer from the platform balance to the payee after the work is done.
// It issues no challenges; money moves only after output validation.
type WalletGateway struct {
	BaseURL    string
	Username   string
	Token      string
	Network    string
	Asset      string
	HTTPClient *http.Client
}

func NewWalletGateway(baseURL, username, token, network, asset string) *WalletGateway {
	return &WalletGateway{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   username,
		Token:      token,
		Network:    network,
		Asset:      asset,
		HTTPClient: newHTTPClient(),
	}
}

func (g *WalletGateway) ChallengeEnabled() bool { return false }

func (g *WalletGateway) RequirePayment(context.Context, int64, string, string) (Challenge, error) {
	return Challenge{}, ErrChallengeRailDisabled
}

func (g *WalletGateway) SettleFromChallenge(context.Context, string, Challenge) (Settlement, error) {
	return Settlement{}, ErrChallengeRailDisabled
}

type walletTransferResponse struct {
	TxSignature string `json:"txSignature"`
}

func (g *WalletGateway) PushPayment(ctx context.Context, to string, amount int64) (string, error) {
	if amount <= 0 {
		return "", ErrNonPositiveAmount
	}
	body, err := json.Marshal(map[string]any{
		"to":      to,
		"amount":  strconv.FormatInt(amount, 10),
		"asset":   g.Asset,
		"network": g.Network,
	})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/wallets/%s/actions/transfer", g.BaseURL, g.Username)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("wallet transfer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	var out walletTransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.TxSignature == "" {
		return "", fmt.Errorf("wallet transfer returned no signature")
	}
	return out.TxSignature, nil
}
