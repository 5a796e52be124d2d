// Package canonhash provides the canonical JSON hashing used across the
// execution-proof pipeline: json.Marshal bytes hashed with SHA-256. Go's
// json.Marshal sorts map keys, so identical values always produce identical
// digests regardless of insertion order.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject returns the prefixed digest ("sha256:<hex>") plus the canonical
// bytes that were hashed.
func SumObject(v any) (string, []byte, error) {
	hexHash, b, err := HashObject(v)
	if err != nil {
		return "", nil, err
	}
	return "sha256:" + hexHash, b, nil
}

// HashObject returns the bare hex digest of the canonical JSON encoding.
func HashObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
