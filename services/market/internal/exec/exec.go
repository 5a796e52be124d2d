// Package exec drives a direct skill call end to end: payment, input
// validation, sandboxing, output validation, settlement, proof. The
// contract flow shares every leaf component used here, so shared steps
// behave identically on both paths.
package exec

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

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (store.Agent, error)
	GetSkill(ctx context.Context, skillID string) (store.Skill, error)
	GetExecution(ctx context.Context, executionID string) (store.Execution, error)
	CreateExecutionRunning(ctx context.Context, e store.Execution) error
	MarkExecutionFailed(ctx context.Context, executionID, status, errMsg string, executionTimeMs int64) error
	MarkExecutionSucceeded(ctx context.Context, executionID string, output any, validated bool, executionTimeMs int64, txSignature, executionHash string, completedAt time.Time) error
	IncrementSkillExecutions(ctx context.Context, skillID string) error
	IncrementAgentExecuted(ctx context.Context, agentID string) error
	IncrementAgentSuccessful(ctx context.Context, agentID string) error
}

// Reputation recomputes an owner's score after a validated result.
type Reputation interface {
	Recalculate(ctx context.Context, ownerID string) (float64, error)
}

type Request struct {
	SkillID      string
	CallerID     string
	Input        any
	PaymentProof string
}

// Result reports per-phase outcomes alongside the final output.
type Result struct {
	ExecutionID      string            `json:"execution_id"`
	Status           string            `json:"status"`
	Output           any               `json:"output,omitempty"`
	InputValidation  *schemaval.Result `json:"input_validation,omitempty"`
	OutputValidation *schemaval.Result `json:"output_validation,omitempty"`
	Validated        bool              `json:"validated"`
	ExecutionTimeMs  int64             `json:"execution_time_ms"`
	Error            string            `json:"error,omitempty"`
	TxRef            string            `json:"tx_ref,omitempty"`
	PaymentError     string            `json:"payment_error,omitempty"`
	ExecutionHash    string            `json:"execution_hash,omitempty"`
	Signature        string            `json:"signature,omitempty"`
}

type VerifyResult struct {
	ExecutionID    string `json:"execution_id"`
	Match          bool   `json:"match"`
	StoredHash     string `json:"stored_hash"`
	RecomputedHash string `json:"recomputed_hash"`
	PublicKey      string `json:"public_key,omitempty"`
}

type Orchestrator struct {
	store      Store
	runner     *sandbox.Runner
	gateway    payment.Gateway
	signer     *proof.Signer
	reputation Reputation
	log        zerolog.Logger
}

func New(st Store, runner *sandbox.Runner, gateway payment.Gateway, signer *proof.Signer, rep Reputation, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: st, runner: runner, gateway: gateway, signer: signer, reputation: rep, log: log}
}

// Execute runs one direct skill call. The step order is fixed: payment
// is resolved before any execution row exists, the row is created in
// running status before the sandbox starts, and input validation
// short-circuits without ever invoking the sandbox.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	skill, err := o.store.GetSkill(ctx, req.SkillID)
	if err != nil {
		return Result{}, err
	}
	caller, err := o.store.GetAgent(ctx, req.CallerID)
	if err != nil {
		return Result{}, err
	}
	owner, err := o.store.GetAgent(ctx, skill.OwnerID)
	if err != nil {
		return Result{}, err
	}

	var preSettledTx string
	if skill.Price > 0 && o.gateway.ChallengeEnabled() {
		// The challenge is regenerated, never cached, so the proof is
		// always checked against the terms as currently configured.
		ch, err := o.gateway.RequirePayment(ctx, skill.Price, owner.WalletAddress, skill.SkillID)
		if err != nil {
			return Result{}, err
		}
		if strings.TrimSpace(req.PaymentProof) == "" {
			return Result{}, &payment.RequiredError{Challenge: ch}
		}
		settlement, err := o.gateway.SettleFromChallenge(ctx, req.PaymentProof, ch)
		if err != nil {
			return Result{}, fmt.Errorf("settle payment: %w", err)
		}
		if !settlement.Success {
			return Result{}, &payment.InvalidProofError{Reason: settlement.Error}
		}
		preSettledTx = settlement.TxRef
	}

	executionID := "exe_" + uuid.NewString()
	if err := o.store.CreateExecutionRunning(ctx, store.Execution{
		ExecutionID: executionID,
		SkillID:     skill.SkillID,
		CallerID:    caller.AgentID,
		Input:       req.Input,
	}); err != nil {
		return Result{}, err
	}

	inputCheck := schemaval.Validate(skill.InputSchema, req.Input)
	if !inputCheck.Valid {
		msg := "input validation failed: " + strings.Join(inputCheck.Errors, "; ")
		if err := o.store.MarkExecutionFailed(ctx, executionID, store.ExecutionFailed, msg, 0); err != nil {
			return Result{}, err
		}
		return Result{
			ExecutionID:     executionID,
			Status:          store.ExecutionFailed,
			InputValidation: &inputCheck,
			Error:           msg,
		}, nil
	}

	run := o.runner.Run(ctx, skill.Code, req.Input, skill.TimeoutMs, skill.MaxMemoryMb)
	if !run.Success {
		status := store.ExecutionFailed
		if run.Failure == sandbox.FailureTimeout {
			status = store.ExecutionTimeout
		}
		if err := o.store.MarkExecutionFailed(ctx, executionID, status, run.Error, run.ExecutionTimeMs); err != nil {
			return Result{}, err
		}
		return Result{
			ExecutionID:     executionID,
			Status:          status,
			InputValidation: &inputCheck,
			ExecutionTimeMs: run.ExecutionTimeMs,
			Error:           run.Error,
		}, nil
	}

	outputCheck := schemaval.Validate(skill.OutputSchema, run.Output)

	txRef := preSettledTx
	var paymentErr string
	if txRef == "" && outputCheck.Valid && skill.Price > 0 && !o.gateway.ChallengeEnabled() {
		ref, err := o.gateway.PushPayment(ctx, owner.WalletAddress, skill.Price)
		if err != nil {
			paymentErr = err.Error()
			o.log.Warn().Err(err).Str("execution_id", executionID).Msg("fallback payment failed")
		} else {
			txRef = ref
		}
	}

	completedAt := time.Now().UTC().Truncate(time.Millisecond)
	pf, err := proof.Compute(executionID, skill.SkillID, caller.AgentID, req.Input, run.Output, completedAt)
	if err != nil {
		return Result{}, fmt.Errorf("compute proof: %w", err)
	}

	if err := o.store.MarkExecutionSucceeded(ctx, executionID, run.Output, outputCheck.Valid,
		run.ExecutionTimeMs, txRef, pf.ExecutionHash, completedAt); err != nil {
		return Result{}, err
	}
	o.bumpCounters(ctx, skill.SkillID, caller.AgentID)
	if outputCheck.Valid {
		if err := o.store.IncrementAgentSuccessful(ctx, skill.OwnerID); err != nil {
			o.log.Warn().Err(err).Str("agent_id", skill.OwnerID).Msg("success counter bump failed")
		}
		if o.reputation != nil {
			if _, err := o.reputation.Recalculate(ctx, skill.OwnerID); err != nil {
				o.log.Warn().Err(err).Str("agent_id", skill.OwnerID).Msg("reputation recalc failed")
			}
		}
	}

	res := Result{
		ExecutionID:      executionID,
		Status:           store.ExecutionSuccess,
		Output:           run.Output,
		InputValidation:  &inputCheck,
		OutputValidation: &outputCheck,
		Validated:        outputCheck.Valid,
		ExecutionTimeMs:  run.ExecutionTimeMs,
		TxRef:            txRef,
		PaymentError:     paymentErr,
		ExecutionHash:    pf.ExecutionHash,
	}
	if sig, err := o.signer.Sign(pf.ExecutionHash); err == nil {
		res.Signature = sig
	}
	return res, nil
}

// Verify recomputes a completed execution's proof from stored fields
// without re-running the sandbox. A mismatch is always reported, never
// repaired.
func (o *Orchestrator) Verify(ctx context.Context, executionID string) (VerifyResult, error) {
	e, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return VerifyResult{}, err
	}
	if e.ExecutionHash == "" || e.CompletedAt == nil {
		return VerifyResult{}, fmt.Errorf("execution %s has no recorded proof", executionID)
	}
	pf, err := proof.Compute(e.ExecutionID, e.SkillID, e.CallerID, e.Input, e.Output, *e.CompletedAt)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{
		ExecutionID:    executionID,
		Match:          proof.Verify(pf, e.ExecutionHash),
		StoredHash:     e.ExecutionHash,
		RecomputedHash: pf.ExecutionHash,
	}
	res.PublicKey = o.signer.PublicKey()
	return res, nil
}

// bumpCounters runs the atomic increments for a completed execution;
// failed and timed-out runs do not count. Errors here do not fail the
// execution, only the math they feed.
func (o *Orchestrator) bumpCounters(ctx context.Context, skillID, callerID string) {
	if err := o.store.IncrementSkillExecutions(ctx, skillID); err != nil {
		o.log.Warn().Err(err).Str("skill_id", skillID).Msg("skill counter bump failed")
	}
	if err := o.store.IncrementAgentExecuted(ctx, callerID); err != nil {
		o.log.Warn().Err(err).Str("agent_id", callerID).Msg("caller counter bump failed")
	}
}
