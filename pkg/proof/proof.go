// Package proof implements the deterministic execution-proof scheme. A proof
// binds one execution's identity, input, output and completion time into a
// single SHA-256 hash that anyone holding the stored public fields can
// recompute byte-for-byte. No secret is needed to verify a hash; signatures
// are an optional extra layer on top.
package proof

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moridanjin/clawver-protocol/pkg/canonhash"
)

// TimestampLayout is the single canonical textual form timestamps are
// normalized to before hashing. Different storage layers render the same
// instant differently ("+00:00" vs "Z", varying precision); hashing the raw
// string would make verification spuriously fail.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Proof is derived, never persisted as a whole: every field is recomputable
// from an execution's (or settled contract's) stored columns.
type Proof struct {
	ExecutionID   string `json:"execution_id"`
	SkillID       string `json:"skill_id"`
	CallerID      string `json:"caller_id"`
	InputHash     string `json:"input_hash"`
	OutputHash    string `json:"output_hash"`
	Timestamp     string `json:"timestamp"`
	ExecutionHash string `json:"execution_hash"`
}

// NormalizeTimestamp renders t in the canonical UTC millisecond form.
func NormalizeTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the timestamp renderings seen from storage layers
// and JSON payloads and returns the instant.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, TimestampLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Compute hashes input and output independently over their canonical JSON
// encodings, then hashes the labeled concatenation of all fields.
func Compute(executionID, skillID, callerID string, input, output any, completedAt time.Time) (Proof, error) {
	inputHash, _, err := canonhash.HashObject(input)
	if err != nil {
		return Proof{}, fmt.Errorf("hash input: %w", err)
	}
	outputHash, _, err := canonhash.HashObject(output)
	if err != nil {
		return Proof{}, fmt.Errorf("hash output: %w", err)
	}
	ts := NormalizeTimestamp(completedAt)

	canonical := strings.Join([]string{
		"execution:" + executionID,
		"skill:" + skillID,
		"caller:" + callerID,
		"input:" + inputHash,
		"output:" + outputHash,
		"timestamp:" + ts,
	}, "|")

	return Proof{
		ExecutionID:   executionID,
		SkillID:       skillID,
		CallerID:      callerID,
		InputHash:     inputHash,
		OutputHash:    outputHash,
		Timestamp:     ts,
		ExecutionHash: canonhash.HashString(canonical),
	}, nil
}

// Verify is pure recompute-and-compare equality.
func Verify(p Proof, storedHash string) bool {
	return p.ExecutionHash != "" && p.ExecutionHash == strings.TrimSpace(storedHash)
}

var ErrNoSigningKey = errors.New("no signing key configured")

// Signer optionally signs execution hashes with a server ed25519 keypair.
// A nil *Signer is valid and means signatures are unavailable.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSignerFromSeed builds a signer from a base64 or hex encoded 32-byte
// ed25519 seed. An empty seed yields a nil signer, not an error: absence of
// a key degrades to "no signature available".
func NewSignerFromSeed(encoded string) (*Signer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		seed, err = hex.DecodeString(encoded)
		if err != nil {
			return nil, errors.New("signing key must be base64 or hex")
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign signs the hex execution hash and returns a base64 signature.
func (s *Signer) Sign(executionHash string) (string, error) {
	if s == nil || s.priv == nil {
		return "", ErrNoSigningKey
	}
	sig := ed25519.Sign(s.priv, []byte(executionHash))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey returns the base64 verifying key, or "" for a nil signer.
func (s *Signer) PublicKey() string {
	if s == nil || s.priv == nil {
		return ""
	}
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// VerifySignature checks a detached signature over an execution hash using
// only the public key. Malformed inputs verify as false, never panic.
func VerifySignature(executionHash, signatureB64, publicKeyB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(executionHash), sig)
}
