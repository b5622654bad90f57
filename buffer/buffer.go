// Package buffer implements the per-channel timestamp ring described by
// the coincidence core: a pre-allocated array with start/end cursors so
// bulk appends are amortized O(new entries) instead of O(total entries).
package buffer

import (
	"encoding/binary"
	"log"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
)

// headroom is extra capacity kept beyond MaxSize to reduce how often a
// compaction or reallocation is needed.
const headroom = 2_000_000

const psPerSecond = 1_000_000_000_000

// Buffer holds one channel's absolute-picosecond timestamps in arrival
// order alongside their ref_second component.
type Buffer struct {
	mu sync.Mutex

	channel        int
	maxDurationPs  int64
	maxSize        int

	ts  []int64
	ref []uint64

	start int
	end   int

	verbose bool
}

// New creates a Buffer for the given channel with the given retention
// policy. maxDurationSec may be fractional; maxSize is the hard cap on
// resident entries.
func New(channel int, maxDurationSec float64, maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 10_000_000
	}
	cap := maxSize + headroom
	return &Buffer{
		channel:       channel,
		maxDurationPs: int64(maxDurationSec * 1e12),
		maxSize:       maxSize,
		ts:            make([]int64, cap),
		ref:           make([]uint64, cap),
	}
}

// SetVerbose toggles debug logging of non-monotonic timestamps and
// truncated appends.
func (b *Buffer) SetVerbose(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verbose = v
}

// AppendBinary interprets data as little-endian u64 records: pairs
// (ps_in_second, ref_second) when withRef is true, else bare absolute
// picoseconds. Trailing bytes that do not complete a record are dropped.
func (b *Buffer) AppendBinary(data []byte, withRef bool) {
	if len(data) == 0 {
		return
	}

	recordSize := 8
	if withRef {
		recordSize = 16
	}
	n := len(data) / recordSize
	if n == 0 {
		return
	}
	if len(data)%recordSize != 0 && b.verbose {
		log.Printf("buffer: ch%d: dropping %d trailing bytes (not a whole record)", b.channel, len(data)%recordSize)
	}

	newTs := make([]int64, n)
	newRef := make([]uint64, n)
	for i := 0; i < n; i++ {
		if withRef {
			psInSec := binary.LittleEndian.Uint64(data[i*16 : i*16+8])
			refSec := binary.LittleEndian.Uint64(data[i*16+8 : i*16+16])
			newTs[i] = int64(psInSec) + int64(refSec)*psPerSecond
			newRef[i] = refSec
		} else {
			newTs[i] = int64(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
		}
	}

	b.appendDecoded(newTs, newRef)
}

// AppendArray adds already-decoded absolute-picosecond timestamps (used by
// the peer-transport consumer). refSeconds may be nil.
func (b *Buffer) AppendArray(tsPs []int64, refSeconds []uint64) {
	if len(tsPs) == 0 {
		return
	}
	if refSeconds == nil {
		refSeconds = make([]uint64, len(tsPs))
	}
	b.appendDecoded(tsPs, refSeconds)
}

func (b *Buffer) appendDecoded(newTs []int64, newRef []uint64) {
	n := len(newTs)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.verbose {
		for i := 1; i < n; i++ {
			if newTs[i] < newTs[i-1] {
				log.Printf("buffer: ch%d: non-monotonic timestamp observed (%d -> %d)", b.channel, newTs[i-1], newTs[i])
			}
		}
	}

	b.makeRoom(n)
	copy(b.ts[b.end:b.end+n], newTs)
	copy(b.ref[b.end:b.end+n], newRef)
	b.end += n
	b.cleanup()
}

// makeRoom ensures space for `needed` more entries. Must be called with
// the lock held.
func (b *Buffer) makeRoom(needed int) {
	if b.end+needed <= len(b.ts) {
		return
	}

	count := b.end - b.start
	capacity := len(b.ts)

	// Compact in place first: shift the live range down to index 0.
	if b.start > 0 && count+needed <= capacity {
		copy(b.ts[:count], b.ts[b.start:b.end])
		copy(b.ref[:count], b.ref[b.start:b.end])
		b.start = 0
		b.end = count
		return
	}

	// Reallocate.
	newCap := capacity * 2
	if want := count + needed + headroom; want > newCap {
		newCap = want
	}
	newTs := make([]int64, newCap)
	newRef := make([]uint64, newCap)
	if count > 0 {
		copy(newTs[:count], b.ts[b.start:b.end])
		copy(newRef[:count], b.ref[b.start:b.end])
	}
	b.ts = newTs
	b.ref = newRef
	b.start = 0
	b.end = count

	if b.verbose {
		log.Printf("buffer: ch%d: grew capacity to %s entries", b.channel, humanize.Comma(int64(newCap)))
	}
}

// cleanup drops timestamps older than maxDurationPs and enforces maxSize.
// Must be called with the lock held.
func (b *Buffer) cleanup() {
	count := b.end - b.start
	if count == 0 {
		return
	}

	newest := b.ts[b.end-1]
	cutoff := newest - b.maxDurationPs
	live := b.ts[b.start:b.end]
	trim := sort.Search(len(live), func(i int) bool { return live[i] >= cutoff })
	b.start += trim

	if b.end-b.start > b.maxSize {
		b.start = b.end - b.maxSize
	}
}

// Snapshot returns a copy of the currently valid timestamp range in
// arrival order. It is nondecreasing only when the appended timestamps
// were; out-of-order input is kept as it arrived. Safe to call
// concurrently with Append*.
func (b *Buffer) Snapshot() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.end <= b.start {
		return nil
	}
	out := make([]int64, b.end-b.start)
	copy(out, b.ts[b.start:b.end])
	return out
}

// SnapshotWithRef returns both the timestamp and ref_second slices.
func (b *Buffer) SnapshotWithRef() ([]int64, []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.end <= b.start {
		return nil, nil
	}
	ts := make([]int64, b.end-b.start)
	ref := make([]uint64, b.end-b.start)
	copy(ts, b.ts[b.start:b.end])
	copy(ref, b.ref[b.start:b.end])
	return ts, ref
}

// Clear resets the cursors; backing capacity is preserved.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.end = 0
}

// Len returns the number of currently resident timestamps.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.end < b.start {
		return 0
	}
	return b.end - b.start
}

// SizeBytes returns the backing-array memory footprint, for status
// reporting.
func (b *Buffer) SizeBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.ts))*8 + uint64(len(b.ref))*8
}

// HumanSize renders SizeBytes using human-readable units.
func (b *Buffer) HumanSize() string {
	return humanize.Bytes(b.SizeBytes())
}

// Channel returns the channel number this buffer was created for.
func (b *Buffer) Channel() int { return b.channel }
