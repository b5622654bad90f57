package stats

import "testing"

func TestRecordTickAccumulatesPerPairWindow(t *testing.T) {
	tr := NewTracker()
	tr.RecordTick([]int{1, 2})
	tr.RecordTick([]int{3, 4})

	if got := tr.PairWindow(0); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("pair 0 window = %v, want [1 3]", got)
	}
	if got := tr.PairWindow(1); len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("pair 1 window = %v, want [2 4]", got)
	}
}

func TestWindowCapsAtTwentySamples(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 25; i++ {
		tr.RecordTick([]int{i})
	}

	got := tr.PairWindow(0)
	if len(got) != windowLen {
		t.Fatalf("len = %d, want %d", len(got), windowLen)
	}
	if got[0] != 5 || got[len(got)-1] != 24 {
		t.Fatalf("window = %v, want oldest-to-newest [5..24]", got)
	}
}

func TestLatestReturnsZeroWhenEmpty(t *testing.T) {
	tr := NewTracker()
	if got := tr.Latest(0); got != 0 {
		t.Fatalf("Latest() = %d, want 0 for untouched pair", got)
	}
}

func TestResetClearsWindows(t *testing.T) {
	tr := NewTracker()
	tr.RecordTick([]int{1})
	tr.Reset()

	if got := tr.PairWindow(0); len(got) != 0 {
		t.Fatalf("PairWindow after Reset = %v, want empty", got)
	}
}

func TestSinglesWindowIndependentOfPairWindow(t *testing.T) {
	tr := NewTracker()
	tr.RecordSingles(1, 100)
	tr.RecordTick([]int{7})

	if got := tr.SinglesWindow(1); len(got) != 1 || got[0] != 100 {
		t.Fatalf("singles window = %v, want [100]", got)
	}
	if got := tr.PairWindow(1); len(got) != 0 {
		t.Fatalf("pair 1 window should be empty, got %v", got)
	}
}
