// Package authn verifies the signature-over-timestamp scheme agents use to
// authenticate requests: an ed25519 signature by the agent's wallet key over
// "clawver:v1:<wallet>:<unix-timestamp>", fresh within a fixed window.
package authn

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	MessagePrefix             = "clawver:v1"
	TimestampToleranceSeconds = 300
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrStaleTime     = errors.New("timestamp expired or invalid")
	ErrAgentNotFound = errors.New("no registered agent for wallet")
)

// AgentIdentity is the authenticated caller handed to every mutating
// operation.
type AgentIdentity struct {
	AgentID       string
	WalletAddress string
}

func BuildMessage(walletAddress, timestamp string) []byte {
	return []byte(MessagePrefix + ":" + walletAddress + ":" + timestamp)
}

// VerifySignature checks the detached ed25519 signature. The wallet address
// is the base64 public key itself; malformed inputs verify false.
func VerifySignature(walletAddress, signatureB64, timestamp string) bool {
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(walletAddress))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), BuildMessage(walletAddress, timestamp), sig)
}

// VerifyTimestamp enforces the freshness window around now.
func VerifyTimestamp(timestamp string, now time.Time) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := now.UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	return skew <= TimestampToleranceSeconds
}

// Verify runs the pure checks: freshness, then signature.
func Verify(walletAddress, signatureB64, timestamp string, now time.Time) error {
	if !VerifyTimestamp(timestamp, now) {
		return ErrStaleTime
	}
	if !VerifySignature(walletAddress, signatureB64, timestamp) {
		return ErrUnauthorized
	}
	return nil
}

// LookupAgent resolves a verified wallet to its registered agent.
func LookupAgent(ctx context.Context, db *pgxpool.Pool, walletAddress string) (*AgentIdentity, error) {
	var out AgentIdentity
	err := db.QueryRow(ctx,
		`SELECT agent_id, wallet_address FROM agents WHERE wallet_address=$1`,
		walletAddress).Scan(&out.AgentID, &out.WalletAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &out, nil
}
