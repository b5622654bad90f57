// Package tail implements the per-channel file-tail workers that expose a
// tagger's append-only binary timestamp files to the local buffer with
// low latency.
package tail

import (
	"io"
	"log"
	"os"
	"sync"
	"time"
)

const (
	readChunkBytes = 256 * 1024
	recordSize     = 16
	pollInterval   = 50 * time.Millisecond
	missingRetry   = 500 * time.Millisecond
)

// Sink receives newly tailed, 16-byte-aligned binary data.
type Sink interface {
	AppendBinary(data []byte, withRef bool)
}

// Worker tails one channel's file.
type Worker struct {
	channel int
	path    string
	sink    Sink

	offset int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Worker for path, initializing its offset to the file's
// current size truncated to a 16-byte multiple (so bytes from a prior
// session are skipped). If the file does not yet exist, the offset
// starts at zero.
func New(channel int, path string, sink Sink) *Worker {
	w := &Worker{
		channel: channel,
		path:    path,
		sink:    sink,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if fi, err := os.Stat(path); err == nil {
		w.offset = fi.Size() - fi.Size()%recordSize
	}
	return w
}

// Run polls the file until Stop is called. Intended to be run in its own
// goroutine.
func (w *Worker) Run() {
	defer close(w.done)

	buf := make([]byte, readChunkBytes)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		f, err := os.Open(w.path)
		if err != nil {
			w.offset = 0
			w.sleep(missingRetry)
			continue
		}

		fi, err := f.Stat()
		if err != nil {
			f.Close()
			w.sleep(missingRetry)
			continue
		}
		if fi.Size() < w.offset {
			log.Printf("tail: ch%d: file shrank (tagger restart?), resuming from 0", w.channel)
			w.offset = 0
		}

		n, err := f.ReadAt(buf, w.offset)
		f.Close()
		if err != nil && err != io.EOF {
			log.Printf("tail: ch%d: read error: %v", w.channel, err)
			w.sleep(pollInterval)
			continue
		}

		aligned := n - n%recordSize
		if aligned > 0 {
			w.sink.AppendBinary(buf[:aligned], true)
			w.offset += int64(aligned)
		}

		w.sleep(pollInterval)
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stop:
	}
}

// Stop requests the worker to exit; it will do so within one poll
// interval. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Wait blocks until the worker's Run goroutine has returned.
func (w *Worker) Wait() {
	<-w.done
}

// Channel returns the channel number this worker tails.
func (w *Worker) Channel() int { return w.channel }

// Offset returns the current read offset, for diagnostics.
func (w *Worker) Offset() int64 { return w.offset }
