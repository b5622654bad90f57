package tail

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu    sync.Mutex
	calls [][]byte
}

func (f *fakeSink) AppendBinary(data []byte, withRef bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.calls = append(f.calls, cp)
}

func (f *fakeSink) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func record(ps, ref uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], ps)
	binary.LittleEndian.PutUint64(b[8:16], ref)
	return b
}

func TestWorkerStartsFromZeroOnNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch1.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink := &fakeSink{}
	w := New(1, path, sink)
	go w.Run()
	defer func() {
		w.Stop()
		w.Wait()
	}()

	time.Sleep(3 * pollInterval)
	if sink.total() != 0 {
		t.Fatalf("expected nothing appended yet, got %d bytes", sink.total())
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	f.Write(record(1, 0))
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(pollInterval)
	}
	if sink.total() != 16 {
		t.Fatalf("total = %d, want 16", sink.total())
	}
}

func TestWorkerSkipsPriorSessionBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch1.bin")
	if err := os.WriteFile(path, record(1, 0), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink := &fakeSink{}
	w := New(1, path, sink)
	if w.Offset() != 16 {
		t.Fatalf("offset = %d, want 16 (prior-session bytes skipped)", w.Offset())
	}
}

func TestStopExitsPromptly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ch1.bin")
	os.WriteFile(path, nil, 0o644)

	sink := &fakeSink{}
	w := New(1, path, sink)
	go w.Run()

	w.Stop()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop within 2s")
	}
}
