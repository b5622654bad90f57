package stats

import (
	"fmt"
	"sync"
)

// windowLen is the rolling-sample depth the coordinator publishes per
// configured correlation pair (§4.8's "rolling window of 20 samples").
const windowLen = 20

// pairWindow is a fixed-depth ring of recent counts for one correlation
// pair, guarded by its own mutex so concurrent pairs never contend.
type pairWindow struct {
	mu     sync.Mutex
	counts []int
}

func (w *pairWindow) push(count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts = append(w.counts, count)
	if len(w.counts) > windowLen {
		w.counts = w.counts[len(w.counts)-windowLen:]
	}
}

func (w *pairWindow) snapshot() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.counts))
	copy(out, w.counts)
	return out
}

// Tracker accumulates rolling coincidence-count windows per correlation
// pair index, plus per-channel singles rates, using a sync.Map so the
// hot per-tick increment path for many pairs never contends on one lock.
type Tracker struct {
	pairWindows   sync.Map // int (pair index) -> *pairWindow
	singlesCounts sync.Map // int (channel) -> *pairWindow (reused as a generic counter ring)
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordTick appends one tick's counts, keyed by pair index, to each
// pair's rolling window.
func (t *Tracker) RecordTick(counts []int) {
	for i, c := range counts {
		t.windowFor(&t.pairWindows, i).push(c)
	}
}

// RecordSingles appends one channel's singles rate sample.
func (t *Tracker) RecordSingles(channel int, count int) {
	t.windowFor(&t.singlesCounts, channel).push(count)
}

func (t *Tracker) windowFor(m *sync.Map, key int) *pairWindow {
	if v, ok := m.Load(key); ok {
		return v.(*pairWindow)
	}
	w := &pairWindow{}
	actual, _ := m.LoadOrStore(key, w)
	return actual.(*pairWindow)
}

// PairWindow returns a copy of the rolling window for pair index.
func (t *Tracker) PairWindow(index int) []int {
	return t.windowFor(&t.pairWindows, index).snapshot()
}

// SinglesWindow returns a copy of the rolling window for channel.
func (t *Tracker) SinglesWindow(channel int) []int {
	return t.windowFor(&t.singlesCounts, channel).snapshot()
}

// Latest returns the most recent sample of a pair's window, or 0 if
// empty.
func (t *Tracker) Latest(index int) int {
	w := t.windowFor(&t.pairWindows, index).snapshot()
	if len(w) == 0 {
		return 0
	}
	return w[len(w)-1]
}

// Reset clears every tracked window.
func (t *Tracker) Reset() {
	t.pairWindows.Range(func(key, _ any) bool {
		t.pairWindows.Delete(key)
		return true
	})
	t.singlesCounts.Range(func(key, _ any) bool {
		t.singlesCounts.Delete(key)
		return true
	})
}

// Print writes the latest sample of every tracked pair to stdout, for CLI
// diagnostics. Singles windows are not printed.
func (t *Tracker) Print() {
	fmt.Printf("pair counts: ")
	first := true
	t.pairWindows.Range(func(key, value any) bool {
		w := value.(*pairWindow).snapshot()
		if len(w) == 0 {
			return true
		}
		if !first {
			fmt.Printf(", ")
		}
		fmt.Printf("pair%d=%d", key.(int), w[len(w)-1])
		first = false
		return true
	})
	if first {
		fmt.Printf("(none)")
	}
	fmt.Println()
}
