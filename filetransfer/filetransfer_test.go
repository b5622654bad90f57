package filetransfer

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []struct {
		command string
		payload map[string]interface{}
	}
}

func (f *fakeSender) Send(command string, payload map[string]interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		command string
		payload map[string]interface{}
	}{command, payload})
	return true
}

// overWire round-trips a payload through JSON, so the handler sees the
// same value types (numbers as float64) a peer on the wire would.
func overWire(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return out
}

func TestFileTransferRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	data := make([]byte, 3*1024*1024+200*1024) // 3.2 MiB-ish, not chunk-aligned
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	srcPath := filepath.Join(srcDir, "timestamps_1.bin")
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	sender := &fakeSender{}
	mgr := New(sender, Config{ChunkBytes: 256 * 1024, RemoteDir: dstDir})

	mgr.SendFiles([]SavedFile{{Channel: 1, Path: srcPath}})

	// Replay the sender's commands, JSON round-tripped, through a second
	// Manager acting as the peer on the other end of the wire.
	receiver := New(&fakeSender{}, Config{ChunkBytes: 256 * 1024, RemoteDir: dstDir})

	var transferID string
	for _, call := range sender.sent {
		payload := overWire(t, call.payload)
		switch call.command {
		case "FILE_TRANSFER_START":
			transferID, _ = payload["transfer_id"].(string)
			receiver.HandleStart(payload)
		case "FILE_TRANSFER_CHUNK":
			receiver.HandleChunk(payload)
		case "FILE_TRANSFER_END":
			if err := receiver.HandleEnd(payload); err != nil {
				t.Fatalf("HandleEnd: %v", err)
			}
		}
	}
	if transferID == "" {
		t.Fatalf("no FILE_TRANSFER_START observed")
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "timestamps_1.bin"))
	if err != nil {
		t.Fatalf("read reassembled file: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("len = %d, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: reassembled file is not identical to source", i)
		}
	}
}

func TestHandleEndMissingChunksAborts(t *testing.T) {
	dstDir := t.TempDir()
	mgr := New(&fakeSender{}, Config{RemoteDir: dstDir})

	mgr.HandleStart(map[string]interface{}{
		"transfer_id": "t1",
		"channel":     float64(1),
		"filename":    "f.bin",
		"size":        float64(100),
		"num_chunks":  float64(2),
	})
	mgr.HandleChunk(map[string]interface{}{
		"transfer_id": "t1",
		"chunk_index": float64(0),
		"data":        "AAAA",
	})

	if err := mgr.HandleEnd(map[string]interface{}{"transfer_id": "t1"}); err == nil {
		t.Fatalf("expected error for incomplete transfer")
	}
	if _, err := os.Stat(filepath.Join(dstDir, "f.bin")); err == nil {
		t.Fatalf("incomplete transfer should not have written a file")
	}
}

func TestHandleEndUnknownTransfer(t *testing.T) {
	mgr := New(&fakeSender{}, Config{RemoteDir: t.TempDir()})
	if err := mgr.HandleEnd(map[string]interface{}{"transfer_id": "does-not-exist"}); err == nil {
		t.Fatalf("expected error for unknown transfer id")
	}
}

func TestSendFilesSkipsEmptyFiles(t *testing.T) {
	srcDir := t.TempDir()
	emptyPath := filepath.Join(srcDir, "empty.bin")
	os.WriteFile(emptyPath, nil, 0o644)

	sender := &fakeSender{}
	mgr := New(sender, Config{RemoteDir: t.TempDir()})
	mgr.SendFiles([]SavedFile{{Channel: 1, Path: emptyPath}})

	for _, call := range sender.sent {
		if call.command == "FILE_TRANSFER_COMPLETE" {
			if numFiles, _ := call.payload["num_files"].(int); numFiles != 0 {
				t.Fatalf("expected 0 files sent for an all-empty batch")
			}
		}
	}
}
