// Package clawver is the Go client for the market API. It signs
// requests with the agent's ed25519 wallet key and exposes typed
// wrappers over the HTTP surface, plus offline proof verification that
// needs no server at all.
package clawver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

// Error is the decoded body of a non-2xx response.
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("clawver sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// PaymentRequired carries the 402 challenge so callers can pay and
// retry with a proof.
type PaymentRequired struct {
	Accepts []Challenge
}

func (e *PaymentRequired) Error() string { return "payment required" }

type Challenge struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	PayTo       string `json:"pay_to"`
	Resource    string `json:"resource"`
	Description string `json:"description"`
}

// WalletAuth signs the timestamp-bound authentication headers. The
// wallet address is the base64 public key derived from the private key.
type WalletAuth struct {
	PrivateKey ed25519.PrivateKey
	Now        func() time.Time
}

func (a WalletAuth) WalletAddress() string {
	if len(a.PrivateKey) != ed25519.PrivateKeySize {
		return ""
	}
	return base64.StdEncoding.EncodeToString(a.PrivateKey.Public().(ed25519.PublicKey))
}

func (a WalletAuth) apply(req *http.Request) error {
	if len(a.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("wallet private key is required")
	}
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	wallet := a.WalletAddress()
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	sig := ed25519.Sign(a.PrivateKey, []byte("clawver:v1:"+wallet+":"+ts))
	req.Header.Set("X-Wallet-Address", wallet)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Timestamp", ts)
	return nil
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       WalletAuth
}

func NewClient(baseURL string, auth WalletAuth, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Agent struct {
	AgentID              string    `json:"agent_id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	WalletAddress        string    `json:"wallet_address"`
	ReputationScore      float64   `json:"reputation_score"`
	TotalExecutions      int64     `json:"total_executions"`
	SuccessfulExecutions int64     `json:"successful_executions"`
	CreatedAt            time.Time `json:"created_at"`
}

type Skill struct {
	SkillID        string         `json:"skill_id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	InputSchema    map[string]any `json:"input_schema"`
	OutputSchema   map[string]any `json:"output_schema"`
	Code           string         `json:"code"`
	Version        string         `json:"version"`
	Price          int64          `json:"price"`
	TimeoutMs      int            `json:"timeout_ms"`
	MaxMemoryMb    int            `json:"max_memory_mb"`
	ExecutionCount int64          `json:"execution_count"`
	AvgRating      float64        `json:"avg_rating"`
	RatingCount    int64          `json:"rating_count"`
}

type PublishSkillRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Code         string         `json:"code"`
	Version      string         `json:"version,omitempty"`
	Price        int64          `json:"price"`
	TimeoutMs    int            `json:"timeout_ms,omitempty"`
	MaxMemoryMb  int            `json:"max_memory_mb,omitempty"`
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type ExecutionResult struct {
	ExecutionID      string            `json:"execution_id"`
	Status           string            `json:"status"`
	Output           any               `json:"output,omitempty"`
	InputValidation  *ValidationResult `json:"input_validation,omitempty"`
	OutputValidation *ValidationResult `json:"output_validation,omitempty"`
	Validated        bool              `json:"validated"`
	ExecutionTimeMs  int64             `json:"execution_time_ms"`
	Error            string            `json:"error,omitempty"`
	TxRef            string            `json:"tx_ref,omitempty"`
	ExecutionHash    string            `json:"execution_hash,omitempty"`
	Signature        string            `json:"signature,omitempty"`
}

type ExecutionRecord struct {
	ExecutionID   string     `json:"execution_id"`
	SkillID       string     `json:"skill_id"`
	CallerID      string     `json:"caller_id"`
	Input         any        `json:"input"`
	Output        any        `json:"output"`
	Status        string     `json:"status"`
	Validated     bool       `json:"validated"`
	ExecutionHash string     `json:"execution_hash,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type VerifyResult struct {
	ExecutionID    string `json:"execution_id"`
	Match          bool   `json:"match"`
	StoredHash     string `json:"stored_hash"`
	RecomputedHash string `json:"recomputed_hash"`
	PublicKey      string `json:"public_key,omitempty"`
}

type Contract struct {
	ContractID    string `json:"contract_id"`
	ClientID      string `json:"client_id"`
	ProviderID    string `json:"provider_id"`
	SkillID       string `json:"skill_id"`
	Input         any    `json:"input"`
	Output        any    `json:"output"`
	Price         int64  `json:"price"`
	Status        string `json:"status"`
	EscrowTx      string `json:"escrow_tx,omitempty"`
	SettleTx      string `json:"settle_tx,omitempty"`
	RefundTx      string `json:"refund_tx,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	ExecutionHash string `json:"execution_hash,omitempty"`
}

type DeliverResult struct {
	ContractID    string `json:"contract_id"`
	Status        string `json:"status"`
	Phase         string `json:"phase,omitempty"`
	Output        any    `json:"output,omitempty"`
	Validated     bool   `json:"validated"`
	Error         string `json:"error,omitempty"`
	ExecutionHash string `json:"execution_hash,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	TxRef         string `json:"tx_ref,omitempty"`
}

type DisputeResult struct {
	ContractID string `json:"contract_id"`
	Status     string `json:"status"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason"`
	TxRef      string `json:"tx_ref,omitempty"`
	RefundTx   string `json:"refund_tx,omitempty"`
}

type ReputationBreakdown struct {
	TotalExecutions      int64    `json:"total_executions"`
	SuccessfulExecutions int64    `json:"successful_executions"`
	FailedExecutions     int64    `json:"failed_executions"`
	SuccessRate          float64  `json:"success_rate"`
	AvgSkillRating       *float64 `json:"avg_skill_rating"`
	VolumeBonus          float64  `json:"volume_bonus"`
	Reputation           float64  `json:"reputation"`
}

func (c *Client) RegisterAgent(ctx context.Context, name, description string) (*Agent, error) {
	var out Agent
	err := c.do(ctx, "POST", "/agents", map[string]any{"name": name, "description": description}, &out)
	return &out, err
}

func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var out Agent
	err := c.do(ctx, "GET", "/agents/"+url.PathEscape(agentID), nil, &out)
	return &out, err
}

func (c *Client) AgentReputation(ctx context.Context, agentID string) (*ReputationBreakdown, error) {
	var out struct {
		Breakdown ReputationBreakdown `json:"breakdown"`
	}
	err := c.do(ctx, "GET", "/agents/"+url.PathEscape(agentID)+"/reputation", nil, &out)
	return &out.Breakdown, err
}

func (c *Client) PublishSkill(ctx context.Context, req PublishSkillRequest) (*Skill, error) {
	var out Skill
	err := c.do(ctx, "POST", "/skills", req, &out)
	return &out, err
}

func (c *Client) GetSkill(ctx context.Context, skillID string) (*Skill, error) {
	var out Skill
	err := c.do(ctx, "GET", "/skills/"+url.PathEscape(skillID), nil, &out)
	return &out, err
}

func (c *Client) ListSkills(ctx context.Context, ownerID, search string) ([]Skill, error) {
	q := url.Values{}
	if ownerID != "" {
		q.Set("owner_id", ownerID)
	}
	if search != "" {
		q.Set("search", search)
	}
	path := "/skills"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Skills []Skill `json:"skills"`
	}
	err := c.do(ctx, "GET", path, nil, &out)
	return out.Skills, err
}

func (c *Client) RateSkill(ctx context.Context, skillID string, rating float64) error {
	return c.do(ctx, "POST", "/skills/"+url.PathEscape(skillID)+"/rate",
		map[string]any{"rating": rating}, nil)
}

// Execute invokes a skill. A 402 comes back as *PaymentRequired so the
// caller can settle the challenge and retry with paymentProof set.
func (c *Client) Execute(ctx context.Context, skillID string, input any, paymentProof string) (*ExecutionResult, error) {
	body := map[string]any{"input": input}
	if paymentProof != "" {
		body["payment_proof"] = paymentProof
	}
	var out ExecutionResult
	err := c.do(ctx, "POST", "/skills/"+url.PathEscape(skillID)+"/execute", body, &out)
	return &out, err
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	var out ExecutionRecord
	err := c.do(ctx, "GET", "/executions/"+url.PathEscape(executionID), nil, &out)
	return &out, err
}

func (c *Client) VerifyExecution(ctx context.Context, executionID string) (*VerifyResult, error) {
	var out VerifyResult
	err := c.do(ctx, "GET", "/executions/"+url.PathEscape(executionID)+"/verify", nil, &out)
	return &out, err
}

func (c *Client) CreateContract(ctx context.Context, providerID, skillID string, input any, paymentProof string) (*Contract, error) {
	body := map[string]any{"provider_id": providerID, "skill_id": skillID, "input": input}
	if paymentProof != "" {
		body["payment_proof"] = paymentProof
	}
	var out Contract
	err := c.do(ctx, "POST", "/contracts", body, &out)
	return &out, err
}

func (c *Client) GetContract(ctx context.Context, contractID string) (*Contract, error) {
	var out Contract
	err := c.do(ctx, "GET", "/contracts/"+url.PathEscape(contractID), nil, &out)
	return &out, err
}

func (c *Client) DeliverContract(ctx context.Context, contractID string) (*DeliverResult, error) {
	var out DeliverResult
	err := c.do(ctx, "POST", "/contracts/"+url.PathEscape(contractID)+"/deliver", map[string]any{}, &out)
	return &out, err
}

func (c *Client) DisputeContract(ctx context.Context, contractID, reason string) (*DisputeResult, error) {
	var out DisputeResult
	err := c.do(ctx, "POST", "/contracts/"+url.PathEscape(contractID)+"/dispute",
		map[string]any{"reason": reason}, &out)
	return &out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if method != "GET" {
		if err := c.auth.apply(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw, out)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// decodeError maps non-2xx bodies to typed errors. 400/500 execute
// responses that carry a full result body still populate out so callers
// see the per-phase detail alongside the error.
func decodeError(status int, raw []byte, out any) error {
	var envelope struct {
		RequestID string `json:"request_id"`
		Error     *struct {
			Code    string          `json:"code"`
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == nil {
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return &Error{StatusCode: status, Message: string(raw)}
	}

	if status == 402 && envelope.Error.Code == "PAYMENT_REQUIRED" {
		var details struct {
			Accepts []Challenge `json:"accepts"`
		}
		_ = json.Unmarshal(envelope.Error.Details, &details)
		return &PaymentRequired{Accepts: details.Accepts}
	}

	e := &Error{
		StatusCode: status,
		ErrorCode:  envelope.Error.Code,
		Message:    envelope.Error.Message,
		RequestID:  envelope.RequestID,
	}
	if len(envelope.Error.Details) > 0 {
		_ = json.Unmarshal(envelope.Error.Details, &e.Details)
	}
	return e
}
