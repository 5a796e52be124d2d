// Package reputation scores agents from real execution outcomes.
//
// reputation = success_rate * effective_rating * log2(total + 1)
//
// Success rate covers every execution of the agent's skills, effective
// rating averages the rated skills (3.0 when nothing is rated yet),
// and the log term rewards volume without unbounded growth.
package reputation

import (
	"context"
	"math"
)

const unratedDefault = 3.0

type Breakdown struct {
	TotalExecutions      int64    `json:"total_executions"`
	SuccessfulExecutions int64    `json:"successful_executions"`
	FailedExecutions     int64    `json:"failed_executions"`
	SuccessRate          float64  `json:"success_rate"`
	AvgSkillRating       *float64 `json:"avg_skill_rating"`
	VolumeBonus          float64  `json:"volume_bonus"`
	Reputation           float64  `json:"reputation"`
}

type Store interface {
	OwnerSkillRatings(ctx context.Context, ownerID string) ([]float64, error)
	OwnerExecutionCounts(ctx context.Context, ownerID string) (total, successful, failed int64, err error)
	SetAgentReputation(ctx context.Context, agentID string, score float64) error
}

type Service struct{ store Store }

func New(store Store) *Service { return &Service{store: store} }

// Recalculate recomputes and persists the agent's score. An agent with
// no published skills scores zero.
func (s *Service) Recalculate(ctx context.Context, ownerID string) (float64, error) {
	ratings, err := s.store.OwnerSkillRatings(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if len(ratings) == 0 {
		return 0, s.store.SetAgentReputation(ctx, ownerID, 0)
	}
	total, successful, _, err := s.store.OwnerExecutionCounts(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	score := Score(total, successful, ratings)
	return score, s.store.SetAgentReputation(ctx, ownerID, score)
}

func (s *Service) Breakdown(ctx context.Context, ownerID string) (Breakdown, error) {
	ratings, err := s.store.OwnerSkillRatings(ctx, ownerID)
	if err != nil {
		return Breakdown{}, err
	}
	var total, successful, failed int64
	if len(ratings) > 0 {
		total, successful, failed, err = s.store.OwnerExecutionCounts(ctx, ownerID)
		if err != nil {
			return Breakdown{}, err
		}
	}

	b := Breakdown{
		TotalExecutions:      total,
		SuccessfulExecutions: successful,
		FailedExecutions:     failed,
	}
	if total > 0 {
		b.SuccessRate = round4(float64(successful) / float64(total))
	}
	effective := unratedDefault
	if avg, ok := avgRated(ratings); ok {
		rounded := round2(avg)
		b.AvgSkillRating = &rounded
		effective = avg
	}
	b.VolumeBonus = round2(math.Log2(float64(total) + 1))
	b.Reputation = round2(b.SuccessRate * effective * b.VolumeBonus)
	return b, nil
}

// Score is the raw formula, exposed for deterministic testing.
func Score(total, successful int64, ratings []float64) float64 {
	var successRate float64
	if total > 0 {
		successRate = float64(successful) / float64(total)
	}
	effective := unratedDefault
	if avg, ok := avgRated(ratings); ok {
		effective = avg
	}
	return round2(successRate * effective * math.Log2(float64(total)+1))
}

// avgRated averages only skills that have been rated at all.
func avgRated(ratings []float64) (float64, bool) {
	var sum float64
	var n int
	for _, r := range ratings {
		if r > 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
