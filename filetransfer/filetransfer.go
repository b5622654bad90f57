// Package filetransfer implements the chunked file-push protocol used to
// exchange saved timestamp files between peers after a session.
package filetransfer

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultChunkBytes = 256 * 1024

// Sender issues protocol commands over the authenticated peer transport.
// Implemented by *peer.Peer in production, faked in tests.
type Sender interface {
	Send(command string, payload map[string]interface{}) bool
}

// SavedFile describes one file available to send for a channel.
type SavedFile struct {
	Channel  int
	Path     string
	IsTemp   bool
}

// Manager drives both directions of the file-transfer protocol.
type Manager struct {
	sender Sender

	chunkBytes       int
	chunkDelay       time.Duration
	interFileDelay   time.Duration

	remoteDir string

	mu       sync.Mutex
	incoming map[string]*incomingTransfer

	statusCallback func(text string)
}

type incomingTransfer struct {
	channel   int
	filename  string
	size      int64
	numChunks int
	chunks    map[int][]byte
	started   time.Time
}

// Config configures chunk pacing and the remote-files destination.
type Config struct {
	ChunkBytes       int
	ChunkDelayMs     int
	InterFileDelayMs int
	RemoteDir        string
}

// New constructs a Manager. sender is used to emit protocol commands;
// remoteDir is created by HandleEnd when a transfer is written, if it
// does not already exist.
func New(sender Sender, cfg Config) *Manager {
	chunkBytes := cfg.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}
	m := &Manager{
		sender:         sender,
		chunkBytes:     chunkBytes,
		chunkDelay:     time.Duration(cfg.ChunkDelayMs) * time.Millisecond,
		interFileDelay: time.Duration(cfg.InterFileDelayMs) * time.Millisecond,
		remoteDir:      cfg.RemoteDir,
		incoming:       make(map[string]*incomingTransfer),
	}
	return m
}

// SetStatusCallback registers a callback invoked with human-readable
// progress/error text, mirroring the external UI's status line.
func (m *Manager) SetStatusCallback(fn func(text string)) {
	m.statusCallback = fn
}

func (m *Manager) status(text string) {
	if m.statusCallback != nil {
		m.statusCallback(text)
	}
}

// RequestRemoteFiles sends FILE_TRANSFER_REQUEST to the peer.
func (m *Manager) RequestRemoteFiles() bool {
	return m.sender.Send("FILE_TRANSFER_REQUEST", nil)
}

// SendFiles is called on receipt of FILE_TRANSFER_REQUEST: it sends every
// non-temporary, non-empty file in files, then a FILE_TRANSFER_COMPLETE.
func (m *Manager) SendFiles(files []SavedFile) {
	sent := 0
	for i, f := range files {
		if f.IsTemp {
			continue
		}
		info, err := os.Stat(f.Path)
		if err != nil || info.Size() == 0 {
			continue
		}
		if i > 0 && sent > 0 {
			time.Sleep(m.interFileDelay)
		}
		if err := m.sendFileChunked(f.Channel, f.Path, info.Size()); err != nil {
			log.Printf("filetransfer: failed sending channel %d: %v", f.Channel, err)
			continue
		}
		sent++
	}

	m.sender.Send("FILE_TRANSFER_COMPLETE", map[string]interface{}{
		"success":   sent > 0,
		"num_files": sent,
	})
}

func (m *Manager) sendFileChunked(channel int, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("filetransfer: open %s: %w", path, err)
	}
	defer f.Close()

	numChunks := int((size + int64(m.chunkBytes) - 1) / int64(m.chunkBytes))
	transferID := fmt.Sprintf("%d_%s_%s", channel, filepath.Base(path), uuid.NewString())

	if !m.sender.Send("FILE_TRANSFER_START", map[string]interface{}{
		"transfer_id": transferID,
		"channel":     channel,
		"filename":    filepath.Base(path),
		"size":        size,
		"num_chunks":  numChunks,
	}) {
		return fmt.Errorf("filetransfer: FILE_TRANSFER_START failed")
	}

	buf := make([]byte, m.chunkBytes)
	for i := 0; i < numChunks; i++ {
		n, err := f.Read(buf)
		if err != nil && n == 0 {
			return fmt.Errorf("filetransfer: read chunk %d: %w", i, err)
		}
		encoded := base64.StdEncoding.EncodeToString(buf[:n])
		if !m.sender.Send("FILE_TRANSFER_CHUNK", map[string]interface{}{
			"transfer_id": transferID,
			"chunk_index": i,
			"data":        encoded,
		}) {
			return fmt.Errorf("filetransfer: FILE_TRANSFER_CHUNK %d failed", i)
		}
		if m.chunkDelay > 0 {
			time.Sleep(m.chunkDelay)
		}
	}

	if !m.sender.Send("FILE_TRANSFER_END", map[string]interface{}{"transfer_id": transferID}) {
		return fmt.Errorf("filetransfer: FILE_TRANSFER_END failed")
	}
	return nil
}

// HandleStart begins tracking an incoming transfer.
func (m *Manager) HandleStart(payload map[string]interface{}) {
	id, _ := payload["transfer_id"].(string)
	channel, _ := payload["channel"].(float64)
	filename, _ := payload["filename"].(string)
	size, _ := payload["size"].(float64)
	numChunks, _ := payload["num_chunks"].(float64)

	m.mu.Lock()
	m.incoming[id] = &incomingTransfer{
		channel:   int(channel),
		filename:  filename,
		size:      int64(size),
		numChunks: int(numChunks),
		chunks:    make(map[int][]byte),
		started:   time.Now(),
	}
	m.mu.Unlock()

	m.status(fmt.Sprintf("receiving ch%d: %s (%d bytes)", int(channel), filename, int64(size)))
}

// HandleChunk stores a received chunk.
func (m *Manager) HandleChunk(payload map[string]interface{}) {
	id, _ := payload["transfer_id"].(string)
	idxF, _ := payload["chunk_index"].(float64)
	data, _ := payload["data"].(string)

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		log.Printf("filetransfer: bad base64 chunk for %s: %v", id, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.incoming[id]
	if !ok {
		log.Printf("filetransfer: chunk for unknown transfer %s", id)
		return
	}
	t.chunks[int(idxF)] = decoded
}

// HandleEnd validates chunk completeness, assembles the file, and writes
// it atomically into remoteDir. Aborts (dropping the transfer) on any
// mismatch.
func (m *Manager) HandleEnd(payload map[string]interface{}) error {
	id, _ := payload["transfer_id"].(string)

	m.mu.Lock()
	t, ok := m.incoming[id]
	if ok {
		delete(m.incoming, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("filetransfer: END for unknown transfer %s", id)
	}
	if len(t.chunks) != t.numChunks {
		m.status(fmt.Sprintf("transfer incomplete: got %d/%d chunks", len(t.chunks), t.numChunks))
		return fmt.Errorf("filetransfer: missing chunks: got %d/%d", len(t.chunks), t.numChunks)
	}

	data := make([]byte, 0, t.size)
	for i := 0; i < t.numChunks; i++ {
		chunk, ok := t.chunks[i]
		if !ok {
			return fmt.Errorf("filetransfer: missing chunk %d", i)
		}
		data = append(data, chunk...)
	}
	if int64(len(data)) != t.size {
		m.status("size mismatch")
		return fmt.Errorf("filetransfer: size mismatch: expected %d, got %d", t.size, len(data))
	}

	if err := os.MkdirAll(m.remoteDir, 0o755); err != nil {
		return fmt.Errorf("filetransfer: mkdir %s: %w", m.remoteDir, err)
	}

	finalPath := filepath.Join(m.remoteDir, t.filename)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("filetransfer: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("filetransfer: rename %s -> %s: %w", tmpPath, finalPath, err)
	}

	m.status(fmt.Sprintf("ch%d: %s saved (%d bytes, %s)", t.channel, t.filename, t.size, time.Since(t.started)))
	return nil
}

// HandleComplete processes a FILE_TRANSFER_COMPLETE notification.
func (m *Manager) HandleComplete(payload map[string]interface{}) {
	success, _ := payload["success"].(bool)
	numFiles, _ := payload["num_files"].(float64)
	if success {
		m.status(fmt.Sprintf("transfer complete (%d files)", int(numFiles)))
		return
	}
	errMsg, _ := payload["error"].(string)
	m.status(fmt.Sprintf("transfer failed: %s", errMsg))
}
