// Package contract drives the escrow, delivery and dispute flow for
// bilateral jobs. Delivery and dispute share the validation, sandbox,
// proof and payment components with the direct-call path, so a skill
// behaves identically however it is invoked.
package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/moridanjin/clawver-protocol/pkg/payment"
	"github.com/moridanjin/clawver-protocol/pkg/proof"
	"github.com/moridanjin/clawver-protocol/pkg/schemaval"
	"github.com/moridanjin/clawver-protocol/services/market/internal/sandbox"
	"github.com/moridanjin/clawver-protocol/services/market/internal/store"
)

// Legacy escrow references carry this prefix; anything else is an
// on-chain settlement reference recorded at escrow time.
const legacyEscrowPrefix = "escrow:"

type Store interface {
	GetAgent(ctx context.Context, agentID string) (store.Agent, error)
	GetSkill(ctx context.Context, skillID string) (store.Skill, error)
	GetContract(ctx context.Context, contractID string) (store.Contract, error)
	CreateContract(ctx context.Context, c store.Contract) error
	MarkContractEscrowed(ctx context.Context, contractID, escrowTx string) error
	MarkContractSettled(ctx context.Context, contractID, expectedStatus string, output, validationResult any, settleTx, executionHash string) error
	MarkContractDisputed(ctx context.Context, contractID, expectedStatus, reason string) error
	ResolveContract(ctx context.Context, contractID, finalStatus, resolution, reason string) error
	SetContractOutput(ctx context.Context, contractID string, output, validationResult any) error
	SetContractSettleTx(ctx context.Context, contractID, settleTx string) error
	SetContractRefundTx(ctx context.Context, contractID, refundTx string) error
	IncrementSkillExecutions(ctx context.Context, skillID string) error
	IncrementAgentSuccessful(ctx context.Context, agentID string) error
}

type Reputation interface {
	Recalculate(ctx context.Context, ownerID string) (float64, error)
}

// AuthorizationError is returned when the wrong party calls a
// role-bound operation. State is never mutated on this path.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

// StateError reports an operation attempted from the wrong contract
// status.
type StateError struct {
	Current string
	Wanted  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("contract is %q, operation requires %s", e.Current, e.Wanted)
}

// InputError carries schema violations for a 400 response.
type InputError struct {
	Errors []string
}

func (e *InputError) Error() string { return "input validation failed" }

type CreateRequest struct {
	ClientID     string
	ProviderID   string
	SkillID      string
	Input        any
	PaymentProof string
}

type DeliverResult struct {
	ContractID      string   `json:"contract_id"`
	Status          string   `json:"status"`
	Phase           string   `json:"phase,omitempty"`
	Output          any      `json:"output,omitempty"`
	Validated       bool     `json:"validated"`
	Errors          []string `json:"errors,omitempty"`
	Error           string   `json:"error,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms,omitempty"`
	ExecutionHash   string   `json:"execution_hash,omitempty"`
	PaymentMethod   string   `json:"payment_method,omitempty"`
	TxRef           string   `json:"tx_ref,omitempty"`
}

type DisputeResult struct {
	ContractID        string `json:"contract_id"`
	Status            string `json:"status"`
	Resolution        string `json:"resolution"`
	Reason            string `json:"reason"`
	ReExecutionOutput any    `json:"re_execution_output,omitempty"`
	TxRef             string `json:"tx_ref,omitempty"`
	RefundTx          string `json:"refund_tx,omitempty"`
}

type Orchestrator struct {
	store      Store
	runner     *sandbox.Runner
	gateway    payment.Gateway
	reputation Reputation
	log        zerolog.Logger
}

func New(st Store, runner *sandbox.Runner, gateway payment.Gateway, rep Reputation, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: st, runner: runner, gateway: gateway, reputation: rep, log: log}
}

// Create validates the parties and input, collects escrow, and
// persists the contract as escrowed. With the challenge rail enabled a
// priced contract costs a 402 round trip before any row exists.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (store.Contract, error) {
	provider, err := o.store.GetAgent(ctx, req.ProviderID)
	if err != nil {
		return store.Contract{}, fmt.Errorf("provider: %w", err)
	}
	skill, err := o.store.GetSkill(ctx, req.SkillID)
	if err != nil {
		return store.Contract{}, fmt.Errorf("skill: %w", err)
	}

	if req.Input != nil {
		check := schemaval.Validate(skill.InputSchema, req.Input)
		if !check.Valid {
			return store.Contract{}, &InputError{Errors: check.Errors}
		}
	}

	var escrowTx string
	switch {
	case skill.Price > 0 && o.gateway.ChallengeEnabled():
		owner, err := o.store.GetAgent(ctx, skill.OwnerID)
		if err != nil {
			return store.Contract{}, fmt.Errorf("skill owner: %w", err)
		}
		ch, err := o.gateway.RequirePayment(ctx, skill.Price, owner.WalletAddress, "contract:"+skill.SkillID)
		if err != nil {
			return store.Contract{}, err
		}
		if strings.TrimSpace(req.PaymentProof) == "" {
			return store.Contract{}, &payment.RequiredError{Challenge: ch}
		}
		settlement, err := o.gateway.SettleFromChallenge(ctx, req.PaymentProof, ch)
		if err != nil {
			return store.Contract{}, fmt.Errorf("escrow payment: %w", err)
		}
		if !settlement.Success {
			return store.Contract{}, &payment.InvalidProofError{Reason: settlement.Error}
		}
		escrowTx = settlement.TxRef
	case skill.Price > 0:
		escrowTx = fmt.Sprintf("%s%d:%d", legacyEscrowPrefix, time.Now().UnixMilli(), skill.Price)
	}

	contractID := "ctr_" + uuid.NewString()
	if err := o.store.CreateContract(ctx, store.Contract{
		ContractID: contractID,
		ClientID:   req.ClientID,
		ProviderID: provider.AgentID,
		SkillID:    skill.SkillID,
		Input:      req.Input,
		Price:      skill.Price,
	}); err != nil {
		return store.Contract{}, err
	}
	if err := o.store.MarkContractEscrowed(ctx, contractID, escrowTx); err != nil {
		return store.Contract{}, err
	}
	return o.store.GetContract(ctx, contractID)
}

// Deliver executes the contracted skill on behalf of the provider. Any
// execution or validation failure parks the contract in disputed with
// the reason recorded; no payment is released on that path.
func (o *Orchestrator) Deliver(ctx context.Context, contractID, callerID string) (DeliverResult, error) {
	c, err := o.store.GetContract(ctx, contractID)
	if err != nil {
		return DeliverResult{}, err
	}
	if c.ProviderID != callerID {
		return DeliverResult{}, &AuthorizationError{Reason: "only the contract provider can deliver"}
	}
	if c.Status != store.ContractEscrowed {
		return DeliverResult{}, &StateError{Current: c.Status, Wanted: store.ContractEscrowed}
	}
	skill, err := o.store.GetSkill(ctx, c.SkillID)
	if err != nil {
		return DeliverResult{}, err
	}

	run := o.runner.Run(ctx, skill.Code, c.Input, skill.TimeoutMs, skill.MaxMemoryMb)
	if !run.Success {
		reason := "execution failed: " + run.Error
		if err := o.store.MarkContractDisputed(ctx, contractID, store.ContractEscrowed, reason); err != nil {
			return DeliverResult{}, err
		}
		return DeliverResult{
			ContractID:      contractID,
			Status:          store.ContractDisputed,
			Phase:           "execution",
			Error:           run.Error,
			ExecutionTimeMs: run.ExecutionTimeMs,
		}, nil
	}

	check := schemaval.Validate(skill.OutputSchema, run.Output)
	if !check.Valid {
		reason := "output validation failed: " + strings.Join(check.Errors, ", ")
		if err := o.store.SetContractOutput(ctx, contractID, run.Output, check); err != nil {
			return DeliverResult{}, err
		}
		if err := o.store.MarkContractDisputed(ctx, contractID, store.ContractEscrowed, reason); err != nil {
			return DeliverResult{}, err
		}
		return DeliverResult{
			ContractID:      contractID,
			Status:          store.ContractDisputed,
			Phase:           "output_validation",
			Output:          run.Output,
			Errors:          check.Errors,
			ExecutionTimeMs: run.ExecutionTimeMs,
		}, nil
	}

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	pf, err := proof.Compute(contractID, c.SkillID, c.ClientID, c.Input, run.Output, completedAt)
	if err != nil {
		return DeliverResult{}, fmt.Errorf("compute proof: %w", err)
	}

	// The escrowed->settled claim happens before any money moves: a
	// deliver that loses the race to a concurrent deliver or dispute
	// fails here without ever paying. On-chain escrow already moved the
	// funds at creation, so its reference settles in the same statement;
	// a legacy marker releases through the push rail only after the
	// claim and records the reference write-once.
	method := "none"
	var settleTx string
	if isOnChainEscrow(c.EscrowTx) {
		settleTx = c.EscrowTx
		method = "challenge"
	}
	if err := o.store.MarkContractSettled(ctx, contractID, store.ContractEscrowed, run.Output, check, settleTx, pf.ExecutionHash); err != nil {
		return DeliverResult{}, err
	}

	if settleTx == "" && c.Price > 0 {
		provider, err := o.store.GetAgent(ctx, c.ProviderID)
		if err != nil {
			return DeliverResult{}, err
		}
		ref, err := o.gateway.PushPayment(ctx, provider.WalletAddress, c.Price)
		if err != nil {
			return DeliverResult{}, fmt.Errorf("contract settled, escrow release pending: %w", err)
		}
		if err := o.store.SetContractSettleTx(ctx, contractID, ref); err != nil {
			return DeliverResult{}, err
		}
		settleTx = ref
		method = "wallet"
	}
	o.afterSettlement(ctx, c.SkillID, c.ProviderID)

	return DeliverResult{
		ContractID:      contractID,
		Status:          store.ContractSettled,
		Output:          run.Output,
		Validated:       true,
		ExecutionTimeMs: run.ExecutionTimeMs,
		ExecutionHash:   pf.ExecutionHash,
		PaymentMethod:   method,
		TxRef:           settleTx,
	}, nil
}

// Dispute adjudicates by re-executing the stored input against the
// skill. The verdict assumes deterministic skill code; nondeterministic
// skills make disputes unreliable by construction.
func (o *Orchestrator) Dispute(ctx context.Context, contractID, callerID, reason string) (DisputeResult, error) {
	c, err := o.store.GetContract(ctx, contractID)
	if err != nil {
		return DisputeResult{}, err
	}
	if c.ClientID != callerID {
		return DisputeResult{}, &AuthorizationError{Reason: "only the contract client can dispute"}
	}
	if c.Status != store.ContractEscrowed && c.Status != store.ContractSettled {
		return DisputeResult{}, &StateError{Current: c.Status, Wanted: "escrowed or settled"}
	}
	skill, err := o.store.GetSkill(ctx, c.SkillID)
	if err != nil {
		return DisputeResult{}, err
	}

	priorStatus := c.Status
	if strings.TrimSpace(reason) == "" {
		reason = "client disputed the result"
	}
	if err := o.store.MarkContractDisputed(ctx, contractID, priorStatus, reason); err != nil {
		return DisputeResult{}, err
	}

	run := o.runner.Run(ctx, skill.Code, c.Input, skill.TimeoutMs, skill.MaxMemoryMb)
	if !run.Success {
		return o.resolveClientWins(ctx, c, "re-execution failed: "+run.Error)
	}
	check := schemaval.Validate(skill.OutputSchema, run.Output)
	if !check.Valid {
		return o.resolveClientWins(ctx, c, "re-execution output invalid: "+strings.Join(check.Errors, ", "))
	}

	resolution := "re-execution produced valid output, dispute rejected"
	if err := o.store.ResolveContract(ctx, contractID, store.ContractSettled, store.ResolutionProviderWins, resolution); err != nil {
		return DisputeResult{}, err
	}

	// Release payment if it was still only escrowed.
	settleTx := c.SettleTx
	if priorStatus == store.ContractEscrowed && c.Price > 0 && settleTx == "" {
		if isOnChainEscrow(c.EscrowTx) {
			settleTx = c.EscrowTx
		} else {
			provider, err := o.store.GetAgent(ctx, c.ProviderID)
			if err == nil {
				settleTx, err = o.gateway.PushPayment(ctx, provider.WalletAddress, c.Price)
			}
			if err != nil {
				o.log.Warn().Err(err).Str("contract_id", contractID).Msg("post-dispute release failed")
			}
		}
		if settleTx != "" {
			if err := o.store.SetContractSettleTx(ctx, contractID, settleTx); err != nil {
				return DisputeResult{}, err
			}
		}
	}

	return DisputeResult{
		ContractID:        contractID,
		Status:            store.ContractSettled,
		Resolution:        store.ResolutionProviderWins,
		Reason:            resolution,
		ReExecutionOutput: run.Output,
		TxRef:             settleTx,
	}, nil
}

// resolveClientWins moves the disputed contract to refunded. Ledger
// resolution is authoritative; the push-back of a legacy escrow is
// best-effort, and an on-chain escrow is treated as final with the
// refund recorded only in the resolution.
func (o *Orchestrator) resolveClientWins(ctx context.Context, c store.Contract, reason string) (DisputeResult, error) {
	if err := o.store.ResolveContract(ctx, c.ContractID, store.ContractRefunded, store.ResolutionClientWins, reason); err != nil {
		return DisputeResult{}, err
	}

	var refundTx string
	if c.Price > 0 && !isOnChainEscrow(c.EscrowTx) && !o.gateway.ChallengeEnabled() {
		client, err := o.store.GetAgent(ctx, c.ClientID)
		if err == nil {
			refundTx, err = o.gateway.PushPayment(ctx, client.WalletAddress, c.Price)
		}
		if err != nil {
			o.log.Warn().Err(err).Str("contract_id", c.ContractID).Msg("refund push failed")
		}
		if refundTx != "" {
			if err := o.store.SetContractRefundTx(ctx, c.ContractID, refundTx); err != nil {
				return DisputeResult{}, err
			}
		}
	}

	return DisputeResult{
		ContractID: c.ContractID,
		Status:     store.ContractRefunded,
		Resolution: store.ResolutionClientWins,
		Reason:     reason,
		RefundTx:   refundTx,
	}, nil
}

func (o *Orchestrator) afterSettlement(ctx context.Context, skillID, providerID string) {
	if err := o.store.IncrementSkillExecutions(ctx, skillID); err != nil {
		o.log.Warn().Err(err).Str("skill_id", skillID).Msg("skill counter bump failed")
	}
	if err := o.store.IncrementAgentSuccessful(ctx, providerID); err != nil {
		o.log.Warn().Err(err).Str("agent_id", providerID).Msg("provider counter bump failed")
	}
	if o.reputation != nil {
		if _, err := o.reputation.Recalculate(ctx, providerID); err != nil {
			o.log.Warn().Err(err).Str("agent_id", providerID).Msg("reputation recalc failed")
		}
	}
}

func isOnChainEscrow(escrowTx string) bool {
	return escrowTx != "" && !strings.HasPrefix(escrowTx, legacyEscrowPrefix)
}
