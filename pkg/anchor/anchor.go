// Package anchor records execution hashes with external witnesses. An
// anchor proves a hash existed at (or before) a point in time; it does
// not affect settlement, so callers treat anchoring as best-effort.
package anchor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Receipt identifies where a hash was anchored.
type Receipt struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Anchorer writes an execution hash to an external witness.
type Anchorer interface {
	Anchor(ctx context.Context, executionHash string) (Receipt, error)
}

// Noop is used when no anchoring backend is configured.
type Noop struct{}

func (Noop) Anchor(ctx context.Context, executionHash string) (Receipt, error) {
	return Receipt{Kind: "noop"}, nil
}

// Async anchors in the background. Failures are logged and dropped;
// settlement never waits on an anchor.
func Async(log zerolog.Logger, a Anchorer, executionID, executionHash string) {
	if a == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		receipt, err := a.Anchor(ctx, executionHash)
		if err != nil {
			log.Warn().Err(err).Str("execution_id", executionID).Msg("anchor failed")
			return
		}
		log.Info().
			Str("execution_id", executionID).
			Str("anchor_kind", receipt.Kind).
			Str("anchor_ref", receipt.Ref).
			Msg("execution hash anchored")
	}()
}
