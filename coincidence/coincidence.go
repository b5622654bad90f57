// Package coincidence implements binary-search windowed coincidence
// counting between two sorted picosecond timestamp arrays.
package coincidence

import (
	"math/rand"
	"sort"
)

// maxDifferences caps the histogrammed-difference sample kept by
// CountWithDifferences.
const maxDifferences = 1_000_000

// Endpoint names which buffer set a correlation-pair side reads from.
type Endpoint int

const (
	Local Endpoint = iota
	Remote
)

// Pair is a user-configured correlation pair: two endpoints (each local
// or remote) with their channel, plus the offset-table slot to apply.
type Pair struct {
	SourceA, SourceB   Endpoint
	ChannelA, ChannelB int
	OffsetIndex        int
}

// Counter evaluates coincidence counts using a fixed half-window.
type Counter struct {
	WindowPs int64
}

// New returns a Counter with the given half-window in picoseconds.
func New(windowPs int64) *Counter {
	return &Counter{WindowPs: windowPs}
}

// Count returns the number of local timestamps with at least one remote
// timestamp within ±w ps after subtracting delta from every remote value.
// A local index contributes at most once, regardless of how many remote
// timestamps fall in its window.
func (c *Counter) Count(local, remote []int64, delta int64) int {
	if len(local) == 0 || len(remote) == 0 {
		return 0
	}

	adjusted := make([]int64, len(remote))
	for i, v := range remote {
		adjusted[i] = v - delta
	}

	count := 0
	w := c.WindowPs
	for _, l := range local {
		lo := sort.Search(len(adjusted), func(i int) bool { return adjusted[i] >= l-w })
		hi := sort.Search(len(adjusted), func(i int) bool { return adjusted[i] > l+w })
		if hi > lo {
			count++
		}
	}
	return count
}

// BufferSet supplies the four-channel snapshots for one site.
type BufferSet map[int][]int64

// CountPairs evaluates every configured pair against the supplied local
// and remote buffer snapshots, applying each pair's offset from offsets
// (indexed by Pair.OffsetIndex).
func (c *Counter) CountPairs(pairs []Pair, local, remote BufferSet, offsets [4]int64) []int {
	out := make([]int, len(pairs))
	for i, p := range pairs {
		a := resolve(p.SourceA, p.ChannelA, local, remote)
		b := resolve(p.SourceB, p.ChannelB, local, remote)
		out[i] = c.Count(a, b, offsets[p.OffsetIndex])
	}
	return out
}

func resolve(ep Endpoint, channel int, local, remote BufferSet) []int64 {
	if ep == Local {
		return local[channel]
	}
	return remote[channel]
}

// DifferenceResult is the offline-analysis variant of Count: alongside the
// count it records a bounded, uniformly sampled vector of matched
// (remote-delta - local) differences for rendering a time-difference
// histogram.
type DifferenceResult struct {
	Count       int
	Differences []int64
}

// CountWithDifferences behaves like Count but also samples matched
// differences, retaining at most maxDifferences values. When the number of
// matches exceeds the cap, later matches replace earlier ones uniformly at
// random (reservoir sampling).
func (c *Counter) CountWithDifferences(local, remote []int64, delta int64) DifferenceResult {
	if len(local) == 0 || len(remote) == 0 {
		return DifferenceResult{}
	}

	adjusted := make([]int64, len(remote))
	for i, v := range remote {
		adjusted[i] = v - delta
	}

	w := c.WindowPs
	result := DifferenceResult{}
	seen := 0

	for _, l := range local {
		lo := sort.Search(len(adjusted), func(i int) bool { return adjusted[i] >= l-w })
		hi := sort.Search(len(adjusted), func(i int) bool { return adjusted[i] > l+w })
		if hi <= lo {
			continue
		}
		result.Count++

		diff := adjusted[lo] - l
		seen++
		if len(result.Differences) < maxDifferences {
			result.Differences = append(result.Differences, diff)
		} else if j := rand.Intn(seen); j < maxDifferences {
			result.Differences[j] = diff
		}
	}

	return result
}
