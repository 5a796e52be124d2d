package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/moridanjin/clawver-protocol/pkg/proof"
)

const usage = "usage: clawctl proof verify --record <path> [--require-signature]"

// executionRecord is the portable shape of GET /executions/{id}: enough
// fields to recompute the hash with no server access.
type executionRecord struct {
	ExecutionID   string `json:"execution_id"`
	SkillID       string `json:"skill_id"`
	CallerID      string `json:"caller_id"`
	Input         any    `json:"input"`
	Output        any    `json:"output"`
	CompletedAt   string `json:"completed_at"`
	ExecutionHash string `json:"execution_hash"`
	Signature     string `json:"signature,omitempty"`
	PublicKey     string `json:"public_key,omitempty"`
}

func main() {
	if len(os.Args) < 3 || os.Args[1] != "proof" || os.Args[2] != "verify" {
		failSummary("", "", "", usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("proof verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	recordPath := fs.String("record", "", "path to execution record json")
	requireSig := fs.Bool("require-signature", false, "fail unless the record carries a valid platform signature")
	if err := fs.Parse(os.Args[3:]); err != nil {
		failSummary("", "", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*recordPath) == "" {
		failSummary("", "", "", "--record is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*recordPath)
	if err != nil {
		failSummary("", "", "", "read record failed: "+err.Error())
		os.Exit(1)
	}
	var rec executionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		failSummary("", "", "", "parse record failed: "+err.Error())
		os.Exit(1)
	}
	if rec.ExecutionHash == "" || rec.CompletedAt == "" {
		failSummary(rec.ExecutionID, rec.ExecutionHash, "", "record has no execution hash or completion time")
		os.Exit(1)
	}

	completedAt, err := proof.ParseTimestamp(rec.CompletedAt)
	if err != nil {
		failSummary(rec.ExecutionID, rec.ExecutionHash, "", "bad completed_at: "+err.Error())
		os.Exit(1)
	}
	pf, err := proof.Compute(rec.ExecutionID, rec.SkillID, rec.CallerID, rec.Input, rec.Output, completedAt)
	if err != nil {
		failSummary(rec.ExecutionID, rec.ExecutionHash, "", "recompute failed: "+err.Error())
		os.Exit(1)
	}
	if !proof.Verify(pf, rec.ExecutionHash) {
		failSummary(rec.ExecutionID, rec.ExecutionHash, pf.ExecutionHash, "recomputed hash does not match the record")
		os.Exit(1)
	}

	if rec.Signature != "" || *requireSig {
		if rec.Signature == "" || rec.PublicKey == "" {
			failSummary(rec.ExecutionID, rec.ExecutionHash, pf.ExecutionHash, "record carries no signature to check")
			os.Exit(1)
		}
		if !proof.VerifySignature(rec.ExecutionHash, rec.Signature, rec.PublicKey) {
			failSummary(rec.ExecutionID, rec.ExecutionHash, pf.ExecutionHash, "platform signature verification failed")
			os.Exit(1)
		}
	}

	passSummary(rec.ExecutionID, rec.ExecutionHash, pf.ExecutionHash)
}

func passSummary(executionID, storedHash, recomputedHash string) {
	fmt.Printf("{\"protocol\":\"clawver\",\"protocol_version\":\"v1\",\"status\":\"PASS\",\"execution_id\":%s,\"stored_hash\":%s,\"recomputed_hash\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(executionID),
		jsonQuote(storedHash),
		jsonQuote(recomputedHash),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(executionID, storedHash, recomputedHash, reason string) {
	fmt.Printf("{\"protocol\":\"clawver\",\"protocol_version\":\"v1\",\"status\":\"FAIL\",\"execution_id\":%s,\"stored_hash\":%s,\"recomputed_hash\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(executionID),
		jsonQuote(storedHash),
		jsonQuote(recomputedHash),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
