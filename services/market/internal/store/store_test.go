package store

import "testing"

func TestClampPage(t *testing.T) {
	cases := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 20, 0},
		{-5, -10, 20, 0},
		{50, 10, 50, 10},
		{1000, 0, 100, 0},
	}
	for _, c := range cases {
		gotLimit, gotOffset := clampPage(c.limit, c.offset)
		if gotLimit != c.wantLimit || gotOffset != c.wantOffset {
			t.Fatalf("clampPage(%d,%d) = (%d,%d), want (%d,%d)",
				c.limit, c.offset, gotLimit, gotOffset, c.wantLimit, c.wantOffset)
		}
	}
}

func TestMarshalJSONNil(t *testing.T) {
	if got := string(marshalJSON(nil)); got != "null" {
		t.Fatalf("expected null for nil value, got %q", got)
	}
	if got := string(marshalJSON(map[string]any{"a": 1})); got != `{"a":1}` {
		t.Fatalf("unexpected marshal output %q", got)
	}
}

func TestMarkExecutionFailedRejectsBadStatus(t *testing.T) {
	s := &Store{}
	if err := s.MarkExecutionFailed(nil, "exe_x", ExecutionSuccess, "", 0); err != ErrStateConflict {
		t.Fatalf("expected state conflict for non-failure status, got %v", err)
	}
}

func TestResolveContractRejectsBadStatus(t *testing.T) {
	s := &Store{}
	if err := s.ResolveContract(nil, "ctr_x", ContractDisputed, ResolutionClientWins, ""); err != ErrStateConflict {
		t.Fatalf("expected state conflict for non-terminal status, got %v", err)
	}
}
