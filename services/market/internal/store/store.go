// Package store persists agents, skills, executions and contracts in
// Postgres. Counter bumps run server-side and contract transitions are
// conditioned on the observed source status so concurrent writers
// cannot double-apply a transition.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrStateConflict = errors.New("state conflict")
)

const (
	ExecutionPending = "pending"
	ExecutionRunning = "running"
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
	ExecutionTimeout = "timeout"

	ContractCreated  = "created"
	ContractEscrowed = "escrowed"
	ContractSettled  = "settled"
	ContractDisputed = "disputed"
	ContractRefunded = "refunded"

	ResolutionClientWins   = "client_wins"
	ResolutionProviderWins = "provider_wins"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

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
	CreatedAt      time.Time      `json:"created_at"`
}

type Execution struct {
	ExecutionID     string     `json:"execution_id"`
	SkillID         string     `json:"skill_id"`
	CallerID        string     `json:"caller_id"`
	Input           any        `json:"input"`
	Output          any        `json:"output"`
	Status          string     `json:"status"`
	Validated       bool       `json:"validated"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	Error           string     `json:"error,omitempty"`
	TxSignature     string     `json:"tx_signature,omitempty"`
	ExecutionHash   string     `json:"execution_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type Contract struct {
	ContractID       string     `json:"contract_id"`
	ClientID         string     `json:"client_id"`
	ProviderID       string     `json:"provider_id"`
	SkillID          string     `json:"skill_id"`
	Input            any        `json:"input"`
	Output           any        `json:"output"`
	Price            int64      `json:"price"`
	Status           string     `json:"status"`
	EscrowTx         string     `json:"escrow_tx,omitempty"`
	EscrowedAt       *time.Time `json:"escrowed_at,omitempty"`
	SettleTx         string     `json:"settle_tx,omitempty"`
	ValidationResult any        `json:"validation_result,omitempty"`
	DisputeReason    string     `json:"dispute_reason,omitempty"`
	DisputedAt       *time.Time `json:"disputed_at,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	RefundTx         string     `json:"refund_tx,omitempty"`
	ExecutionHash    string     `json:"execution_hash,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func clampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func marshalJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func unmarshalJSON(b []byte, dst *any) {
	if len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, dst)
}

// --- agents ---

func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO agents(agent_id,name,description,wallet_address)
VALUES($1,$2,$3,$4)`, a.AgentID, a.Name, a.Description, a.WalletAddress)
	return translateErr(err)
}

const agentCols = `agent_id,name,COALESCE(description,''),wallet_address,reputation_score,total_executions,successful_executions,created_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.Name, &a.Description, &a.WalletAddress,
		&a.ReputationScore, &a.TotalExecutions, &a.SuccessfulExecutions, &a.CreatedAt)
	return a, translateErr(err)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	return scanAgent(s.DB.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE agent_id=$1`, agentID))
}

func (s *Store) GetAgentByWallet(ctx context.Context, walletAddress string) (Agent, error) {
	return scanAgent(s.DB.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE wallet_address=$1`, walletAddress))
}

func (s *Store) ListAgents(ctx context.Context, limit, offset int) ([]Agent, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.DB.Query(ctx, `SELECT `+agentCols+` FROM agents ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// IncrementAgentExecuted bumps the caller's execution counter server-side.
func (s *Store) IncrementAgentExecuted(ctx context.Context, agentID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE agents SET total_executions = total_executions + 1 WHERE agent_id=$1`, agentID)
	return err
}

// IncrementAgentSuccessful bumps the owner's validated-result counter.
func (s *Store) IncrementAgentSuccessful(ctx context.Context, agentID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE agents SET successful_executions = successful_executions + 1 WHERE agent_id=$1`, agentID)
	return err
}

func (s *Store) SetAgentReputation(ctx context.Context, agentID string, score float64) error {
	_, err := s.DB.Exec(ctx, `UPDATE agents SET reputation_score=$2 WHERE agent_id=$1`, agentID, score)
	return err
}

// OwnerSkillRatings returns avg_rating for every skill the agent owns.
func (s *Store) OwnerSkillRatings(ctx context.Context, ownerID string) ([]float64, error) {
	rows, err := s.DB.Query(ctx, `SELECT avg_rating FROM skills WHERE owner_id=$1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var r float64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OwnerExecutionCounts aggregates execution outcomes over all skills
// the agent owns.
func (s *Store) OwnerExecutionCounts(ctx context.Context, ownerID string) (total, successful, failed int64, err error) {
	err = s.DB.QueryRow(ctx, `SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE e.status = 'success'),
  COUNT(*) FILTER (WHERE e.status IN ('failed','timeout'))
FROM executions e
JOIN skills s ON s.skill_id = e.skill_id
WHERE s.owner_id = $1`, ownerID).Scan(&total, &successful, &failed)
	return
}

// --- skills ---

func (s *Store) CreateSkill(ctx context.Context, sk Skill) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO skills(skill_id,owner_id,name,description,input_schema,output_schema,code,version,price,timeout_ms,max_memory_mb)
VALUES($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10,$11)`,
		sk.SkillID, sk.OwnerID, sk.Name, sk.Description,
		marshalJSON(sk.InputSchema), marshalJSON(sk.OutputSchema),
		sk.Code, sk.Version, sk.Price, sk.TimeoutMs, sk.MaxMemoryMb)
	return translateErr(err)
}

const skillCols = `skill_id,owner_id,name,COALESCE(description,''),input_schema,output_schema,code,version,price,timeout_ms,max_memory_mb,execution_count,avg_rating,rating_count,created_at`

func scanSkill(row pgx.Row) (Skill, error) {
	var sk Skill
	var inSchema, outSchema []byte
	err := row.Scan(&sk.SkillID, &sk.OwnerID, &sk.Name, &sk.Description,
		&inSchema, &outSchema, &sk.Code, &sk.Version, &sk.Price, &sk.TimeoutMs, &sk.MaxMemoryMb,
		&sk.ExecutionCount, &sk.AvgRating, &sk.RatingCount, &sk.CreatedAt)
	if err != nil {
		return Skill{}, translateErr(err)
	}
	_ = json.Unmarshal(inSchema, &sk.InputSchema)
	_ = json.Unmarshal(outSchema, &sk.OutputSchema)
	return sk, nil
}

func (s *Store) GetSkill(ctx context.Context, skillID string) (Skill, error) {
	return scanSkill(s.DB.QueryRow(ctx, `SELECT `+skillCols+` FROM skills WHERE skill_id=$1`, skillID))
}

// ListSkills orders by popularity. search matches name and description
// case-insensitively.
func (s *Store) ListSkills(ctx context.Context, ownerID, search string, limit, offset int) ([]Skill, error) {
	limit, offset = clampPage(limit, offset)
	q := `SELECT ` + skillCols + ` FROM skills`
	args := []any{limit, offset}
	var where []string
	if ownerID != "" {
		args = append(args, ownerID)
		where = append(where, fmt.Sprintf("owner_id=$%d", len(args)))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY execution_count DESC, created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) IncrementSkillExecutions(ctx context.Context, skillID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE skills SET execution_count = execution_count + 1 WHERE skill_id=$1`, skillID)
	return err
}

// RateSkill folds a rating into the running average in one statement.
func (s *Store) RateSkill(ctx context.Context, skillID string, rating float64) error {
	tag, err := s.DB.Exec(ctx, `UPDATE skills SET
  avg_rating = (avg_rating * rating_count + $2) / (rating_count + 1),
  rating_count = rating_count + 1
WHERE skill_id=$1`, skillID, rating)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- executions ---

// CreateExecutionRunning inserts the row already in running status so a
// crash mid-sandbox leaves an auditable record.
func (s *Store) CreateExecutionRunning(ctx context.Context, e Execution) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO executions(execution_id,skill_id,caller_id,input,status)
VALUES($1,$2,$3,$4::jsonb,$5)`,
		e.ExecutionID, e.SkillID, e.CallerID, marshalJSON(e.Input), ExecutionRunning)
	return translateErr(err)
}

const executionCols = `execution_id,skill_id,caller_id,input,output,status,validated,execution_time_ms,COALESCE(error,''),COALESCE(tx_signature,''),COALESCE(execution_hash,''),created_at,completed_at`

func scanExecution(row pgx.Row) (Execution, error) {
	var e Execution
	var input, output []byte
	err := row.Scan(&e.ExecutionID, &e.SkillID, &e.CallerID, &input, &output,
		&e.Status, &e.Validated, &e.ExecutionTimeMs, &e.Error, &e.TxSignature,
		&e.ExecutionHash, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return Execution{}, translateErr(err)
	}
	unmarshalJSON(input, &e.Input)
	unmarshalJSON(output, &e.Output)
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	return scanExecution(s.DB.QueryRow(ctx, `SELECT `+executionCols+` FROM executions WHERE execution_id=$1`, executionID))
}

func (s *Store) ListExecutions(ctx context.Context, skillID, callerID string, limit, offset int) ([]Execution, error) {
	limit, offset = clampPage(limit, offset)
	q := `SELECT ` + executionCols + ` FROM executions`
	args := []any{limit, offset}
	switch {
	case skillID != "" && callerID != "":
		q += ` WHERE skill_id=$3 AND caller_id=$4`
		args = append(args, skillID, callerID)
	case skillID != "":
		q += ` WHERE skill_id=$3`
		args = append(args, skillID)
	case callerID != "":
		q += ` WHERE caller_id=$3`
		args = append(args, callerID)
	}
	q += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkExecutionFailed moves a running execution to failed or timeout.
// A row that already reached a terminal status is left untouched.
func (s *Store) MarkExecutionFailed(ctx context.Context, executionID, status, errMsg string, executionTimeMs int64) error {
	if status != ExecutionFailed && status != ExecutionTimeout {
		return ErrStateConflict
	}
	tag, err := s.DB.Exec(ctx, `UPDATE executions SET
  status=$2, error=$3, execution_time_ms=$4, completed_at=now()
WHERE execution_id=$1 AND status=$5`,
		executionID, status, errMsg, executionTimeMs, ExecutionRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkExecutionSucceeded persists the terminal success state. The
// completion time is caller-supplied because the execution hash binds
// it; recomputing the proof later must read back the exact instant.
func (s *Store) MarkExecutionSucceeded(ctx context.Context, executionID string, output any, validated bool, executionTimeMs int64, txSignature, executionHash string, completedAt time.Time) error {
	tag, err := s.DB.Exec(ctx, `UPDATE executions SET
  status=$2, output=$3::jsonb, validated=$4, execution_time_ms=$5,
  tx_signature=NULLIF($6,''), execution_hash=$7, completed_at=$8
WHERE execution_id=$1 AND status=$9`,
		executionID, ExecutionSuccess, marshalJSON(output), validated,
		executionTimeMs, txSignature, executionHash, completedAt, ExecutionRunning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// --- contracts ---

func (s *Store) CreateContract(ctx context.Context, c Contract) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO contracts(contract_id,client_id,provider_id,skill_id,input,price,status)
VALUES($1,$2,$3,$4,$5::jsonb,$6,$7)`,
		c.ContractID, c.ClientID, c.ProviderID, c.SkillID,
		marshalJSON(c.Input), c.Price, ContractCreated)
	return translateErr(err)
}

const contractCols = `contract_id,client_id,provider_id,skill_id,input,output,price,status,
COALESCE(escrow_tx,''),escrowed_at,COALESCE(settle_tx,''),validation_result,
COALESCE(dispute_reason,''),disputed_at,COALESCE(resolution,''),COALESCE(resolution_reason,''),resolved_at,
COALESCE(refund_tx,''),COALESCE(execution_hash,''),created_at,updated_at`

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var input, output, validation []byte
	err := row.Scan(&c.ContractID, &c.ClientID, &c.ProviderID, &c.SkillID,
		&input, &output, &c.Price, &c.Status,
		&c.EscrowTx, &c.EscrowedAt, &c.SettleTx, &validation,
		&c.DisputeReason, &c.DisputedAt, &c.Resolution, &c.ResolutionReason, &c.ResolvedAt,
		&c.RefundTx, &c.ExecutionHash, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Contract{}, translateErr(err)
	}
	unmarshalJSON(input, &c.Input)
	unmarshalJSON(output, &c.Output)
	unmarshalJSON(validation, &c.ValidationResult)
	return c, nil
}

func (s *Store) GetContract(ctx context.Context, contractID string) (Contract, error) {
	return scanContract(s.DB.QueryRow(ctx, `SELECT `+contractCols+` FROM contracts WHERE contract_id=$1`, contractID))
}

// ListContracts returns contracts the agent participates in, on either side.
func (s *Store) ListContracts(ctx context.Context, agentID, status string, limit, offset int) ([]Contract, error) {
	limit, offset = clampPage(limit, offset)
	q := `SELECT ` + contractCols + ` FROM contracts`
	args := []any{limit, offset}
	var where []string
	if agentID != "" {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("(client_id=$%d OR provider_id=$%d)", len(args), len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkContractEscrowed records the escrow reference. escrow_tx is
// write-once; the guard on status created keeps a second escrow from
// overwriting the first.
func (s *Store) MarkContractEscrowed(ctx context.Context, contractID, escrowTx string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE contracts SET
  status=$2, escrow_tx=NULLIF($3,''), escrowed_at=now(), updated_at=now()
WHERE contract_id=$1 AND status=$4`,
		contractID, ContractEscrowed, escrowTx, ContractCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkContractSettled moves the contract from the expected prior status
// to settled. settle_tx is preserved once set; passing an empty
// settleTx keeps any existing reference.
func (s *Store) MarkContractSettled(ctx context.Context, contractID, expectedStatus string, output any, validationResult any, settleTx, executionHash string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE contracts SET
  status=$2, output=$3::jsonb, validation_result=$4::jsonb,
  settle_tx=COALESCE(settle_tx, NULLIF($5,'')),
  execution_hash=COALESCE(execution_hash, NULLIF($6,'')),
  updated_at=now()
WHERE contract_id=$1 AND status=$7`,
		contractID, ContractSettled, marshalJSON(output), marshalJSON(validationResult),
		settleTx, executionHash, expectedStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkContractDisputed is conditioned on the exact prior status so a
// dispute racing a deliver fails cleanly instead of stacking.
func (s *Store) MarkContractDisputed(ctx context.Context, contractID, expectedStatus, reason string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE contracts SET
  status=$2, dispute_reason=$3, disputed_at=now(), updated_at=now()
WHERE contract_id=$1 AND status=$4`,
		contractID, ContractDisputed, reason, expectedStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (s *Store) ResolveContract(ctx context.Context, contractID, finalStatus, resolution, reason string) error {
	if finalStatus != ContractSettled && finalStatus != ContractRefunded {
		return ErrStateConflict
	}
	tag, err := s.DB.Exec(ctx, `UPDATE contracts SET
  status=$2, resolution=$3, resolution_reason=$4, resolved_at=now(), updated_at=now()
WHERE contract_id=$1 AND status=$5`,
		contractID, finalStatus, resolution, reason, ContractDisputed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// SetContractSettleTx records a payment release performed after the
// settled claim (deliver's push, or a provider_wins resolution while
// funds were still only escrowed). Write-once.
func (s *Store) SetContractSettleTx(ctx context.Context, contractID, settleTx string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts SET
  settle_tx=COALESCE(settle_tx, NULLIF($2,'')), updated_at=now()
WHERE contract_id=$1`, contractID, settleTx)
	return err
}

func (s *Store) SetContractRefundTx(ctx context.Context, contractID, refundTx string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts SET
  refund_tx=COALESCE(refund_tx, NULLIF($2,'')), updated_at=now()
WHERE contract_id=$1`, contractID, refundTx)
	return err
}

// SetContractOutput persists the sandbox output and its validation
// verdict ahead of a status transition.
func (s *Store) SetContractOutput(ctx context.Context, contractID string, output, validationResult any) error {
	_, err := s.DB.Exec(ctx, `UPDATE contracts SET
  output=$2::jsonb, validation_result=$3::jsonb, updated_at=now()
WHERE contract_id=$1`, contractID, marshalJSON(output), marshalJSON(validationResult))
	return err
}
