package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dxsync/config"
	"dxsync/coordinator"
	"dxsync/filetransfer"
	"dxsync/offsettable"
	"dxsync/peer"
	"dxsync/stats"
)

// Version is set at build time.
var Version = "dev"

func main() {
	fmt.Printf("dxsync site v%s starting...\n", Version)

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	cfg.Print()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir %s: %v", cfg.Paths.DataDir, err)
	}
	remoteDir := filepath.Join(cfg.Paths.DataDir, cfg.Paths.RemoteSubdir)

	statsTracker := stats.NewTracker()

	offsets, err := offsettable.Open(cfg.Paths.OffsetDBPath)
	if err != nil {
		log.Fatalf("failed to open offset table %s: %v", cfg.Paths.OffsetDBPath, err)
	}
	defer offsets.Close()

	p := peer.New(peer.Config{
		Mode:              cfg.Peer.Mode,
		ServerAddress:     cfg.Peer.ServerAddress,
		ClientAddress:     cfg.Peer.ClientAddress,
		Port:              cfg.Peer.Port,
		HeartbeatInterval: time.Duration(cfg.Peer.HeartbeatIntervalSec) * time.Second,
		HandshakeTimeout:  time.Duration(cfg.Peer.HandshakeTimeoutSec) * time.Second,
		ConnectTimeout:    time.Duration(cfg.Peer.ConnectTimeoutSec) * time.Second,
		SendTimeout:       time.Duration(cfg.Peer.SendTimeoutSec) * time.Second,
		ConnectRetries:    cfg.Peer.ConnectRetries,
		PSK:               cfg.Security.PSK,
	})

	coord := coordinator.New(*cfg, p, offsets)

	transferMgr := filetransfer.New(p, filetransfer.Config{
		ChunkBytes:       cfg.FileTransfer.ChunkBytes,
		ChunkDelayMs:     cfg.FileTransfer.ChunkDelayMs,
		InterFileDelayMs: cfg.FileTransfer.InterFileDelayMs,
		RemoteDir:        remoteDir,
	})
	transferMgr.SetStatusCallback(func(text string) {
		log.Printf("filetransfer: %s", text)
	})

	p.RegisterHandler(peer.CmdTimestampBatch, coord.HandleTimestampBatch)
	p.RegisterHandler(peer.CmdFileTransferStart, transferMgr.HandleStart)
	p.RegisterHandler(peer.CmdFileTransferChunk, transferMgr.HandleChunk)
	p.RegisterHandler(peer.CmdFileTransferEnd, func(payload map[string]interface{}) {
		if err := transferMgr.HandleEnd(payload); err != nil {
			log.Printf("filetransfer: %v", err)
		}
	})
	p.RegisterHandler(peer.CmdFileTransferComplete, transferMgr.HandleComplete)
	p.RegisterHandler(peer.CmdFileTransferRequest, func(map[string]interface{}) {
		transferMgr.SendFiles(savedFiles(cfg.Paths.DataDir))
	})
	p.RegisterHandler(peer.CmdStreamingStart, func(payload map[string]interface{}) {
		log.Printf("peer requested symmetric STREAMING_START: %v", payload)
	})
	p.RegisterHandler(peer.CmdStreamingStop, func(map[string]interface{}) {
		log.Printf("peer requested symmetric STREAMING_STOP")
	})
	coord.SetSettingsCallback(func(channels []int) {
		log.Printf("save_channels changed to %v by remote SAVE_SETTINGS_REQUEST", channels)
	})
	p.RegisterHandler(peer.CmdSaveSettingsUpdate, coord.HandleSaveSettingsUpdate)
	p.RegisterHandler(peer.CmdSaveSettingsRequest, coord.HandleSaveSettingsRequest)

	if err := p.Start(); err != nil {
		log.Fatalf("failed to start peer transport: %v", err)
	}

	go tickLoop(coord, statsTracker, cfg)
	go sendLoop(coord, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	fmt.Printf("\ndxsync site running in %s mode on port %d. Press Ctrl+C to stop.\n", cfg.Peer.Mode, cfg.Peer.Port)

	<-sigChan
	fmt.Println("\nshutting down...")
	coord.StopSession()
	p.Close()
}

// tickLoop evaluates configured correlation pairs at ~2Hz and records the
// results into the stats tracker.
func tickLoop(coord *coordinator.Coordinator, tracker *stats.Tracker, cfg *config.Config) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		counts := coord.Tick()
		if len(counts) > 0 {
			tracker.RecordTick(counts)
		}
	}
}

// sendLoop pushes newly buffered local timestamps to the peer at the
// configured cadence (default 10 Hz).
func sendLoop(coord *coordinator.Coordinator, cfg *config.Config) {
	interval := time.Duration(cfg.TimestampBatchIntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := coord.SendTimestamps(); err != nil {
			log.Printf("send_timestamps: %v", err)
		}
	}
}

// savedFiles lists the locally recorded per-channel binary files present
// in dataDir, for a FILE_TRANSFER_REQUEST response.
func savedFiles(dataDir string) []filetransfer.SavedFile {
	var out []filetransfer.SavedFile
	for ch := 1; ch <= 4; ch++ {
		path := filepath.Join(dataDir, fmt.Sprintf("ch%d.bin", ch))
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			out = append(out, filetransfer.SavedFile{Channel: ch, Path: path})
		}
	}
	return out
}
