package reputation

import (
	"context"
	"testing"
)

type fakeStore struct {
	ratings                   []float64
	total, successful, failed int64
	savedScore                float64
	savedFor                  string
}

func (f *fakeStore) OwnerSkillRatings(ctx context.Context, ownerID string) ([]float64, error) {
	return f.ratings, nil
}

func (f *fakeStore) OwnerExecutionCounts(ctx context.Context, ownerID string) (int64, int64, int64, error) {
	return f.total, f.successful, f.failed, nil
}

func (f *fakeStore) SetAgentReputation(ctx context.Context, agentID string, score float64) error {
	f.savedFor = agentID
	f.savedScore = score
	return nil
}

func TestScore(t *testing.T) {
	cases := []struct {
		name              string
		total, successful int64
		ratings           []float64
		want              float64
	}{
		{"no executions", 0, 0, []float64{4.0}, 0},
		{"all successful unrated", 3, 3, []float64{0}, 6.0},     // 1.0 * 3.0 * log2(4)
		{"half successful rated", 3, 3, []float64{4.0}, 8.0},    // 1.0 * 4.0 * 2
		{"mixed ratings skip unrated", 1, 1, []float64{4, 0, 2}, 3.0}, // avg(4,2)=3, log2(2)=1
	}
	for _, c := range cases {
		if got := Score(c.total, c.successful, c.ratings); got != c.want {
			t.Fatalf("%s: Score = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRecalculateNoSkills(t *testing.T) {
	f := &fakeStore{}
	svc := New(f)
	score, err := svc.Recalculate(context.Background(), "agt_1")
	if err != nil {
		t.Fatalf("Recalculate error: %v", err)
	}
	if score != 0 || f.savedScore != 0 || f.savedFor != "agt_1" {
		t.Fatalf("expected zero score persisted, got %v (saved %v for %q)", score, f.savedScore, f.savedFor)
	}
}

func TestRecalculatePersists(t *testing.T) {
	f := &fakeStore{ratings: []float64{4.0}, total: 3, successful: 3}
	svc := New(f)
	score, err := svc.Recalculate(context.Background(), "agt_2")
	if err != nil {
		t.Fatalf("Recalculate error: %v", err)
	}
	if score != 8.0 {
		t.Fatalf("unexpected score %v", score)
	}
	if f.savedScore != 8.0 {
		t.Fatalf("score not persisted, saved %v", f.savedScore)
	}
}

func TestBreakdown(t *testing.T) {
	f := &fakeStore{ratings: []float64{4.0, 0}, total: 4, successful: 3, failed: 1}
	b, err := New(f).Breakdown(context.Background(), "agt_3")
	if err != nil {
		t.Fatalf("Breakdown error: %v", err)
	}
	if b.TotalExecutions != 4 || b.SuccessfulExecutions != 3 || b.FailedExecutions != 1 {
		t.Fatalf("unexpected counts %+v", b)
	}
	if b.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate %v", b.SuccessRate)
	}
	if b.AvgSkillRating == nil || *b.AvgSkillRating != 4.0 {
		t.Fatalf("unexpected avg rating %v", b.AvgSkillRating)
	}
	// 0.75 * 4.0 * log2(5) rounded
	if b.Reputation != round2(0.75*4.0*b.VolumeBonus) {
		t.Fatalf("reputation %v inconsistent with parts", b.Reputation)
	}
}

func TestBreakdownNoSkills(t *testing.T) {
	b, err := New(&fakeStore{}).Breakdown(context.Background(), "agt_4")
	if err != nil {
		t.Fatalf("Breakdown error: %v", err)
	}
	if b.Reputation != 0 || b.AvgSkillRating != nil {
		t.Fatalf("expected empty breakdown, got %+v", b)
	}
}
