package clawver

import (
	"errors"

	"github.com/moridanjin/clawver-protocol/pkg/proof"
)

// VerifyRecordOffline recomputes the execution hash from a fetched
// record with no server round trip, returning the recomputed hash and
// whether it matches the stored one.
func VerifyRecordOffline(rec *ExecutionRecord) (recomputedHash string, match bool, err error) {
	if rec == nil || rec.ExecutionHash == "" || rec.CompletedAt == nil {
		return "", false, errors.New("record has no execution hash or completion time")
	}
	pf, err := proof.Compute(rec.ExecutionID, rec.SkillID, rec.CallerID, rec.Input, rec.Output, *rec.CompletedAt)
	if err != nil {
		return "", false, err
	}
	return pf.ExecutionHash, proof.Verify(pf, rec.ExecutionHash), nil
}

// VerifySignatureOffline checks the platform's detached signature over
// the execution hash.
func VerifySignatureOffline(executionHash, signatureB64, publicKeyB64 string) bool {
	return proof.VerifySignature(executionHash, signatureB64, publicKeyB64)
}
