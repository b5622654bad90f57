// Package config loads the YAML site configuration for a dxsync node.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Peer role values.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Sender role values (§9 Open Question: explicit, never inferred from names).
const (
	SenderRoleSender   = "sender"
	SenderRoleReceiver = "receiver"
)

// Peer holds the TCP transport configuration for one site.
type Peer struct {
	Mode                 string `yaml:"mode"`
	ServerAddress        string `yaml:"server_address"`
	ClientAddress        string `yaml:"client_address"`
	Port                 int    `yaml:"port"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	HandshakeTimeoutSec  int    `yaml:"handshake_timeout_sec"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_sec"`
	SendTimeoutSec       int    `yaml:"send_timeout_sec"`
	ConnectRetries       int    `yaml:"connect_retries"`
	SenderRole           string `yaml:"sender_role"`
}

// Buffer holds timestamp-buffer sizing.
type Buffer struct {
	MaxDurationSec  float64 `yaml:"max_duration_sec"`
	MaxSize         int     `yaml:"max_size"`
	CoincidenceWinPs int64  `yaml:"coincidence_window_ps"`
}

// FFTPreset holds one FFT parameter preset (offline or live).
type FFTPreset struct {
	TauPs  int64 `yaml:"tau_ps"`
	N      int   `yaml:"n"`
	TShift int64 `yaml:"t_shift_ps"`
}

// FFT holds both FFT presets.
type FFT struct {
	Offline FFTPreset `yaml:"offline"`
	Live    FFTPreset `yaml:"live"`
}

// FileTransfer holds chunked file-transfer pacing.
type FileTransfer struct {
	ChunkBytes      int `yaml:"chunk_bytes"`
	ChunkDelayMs    int `yaml:"chunk_delay_ms"`
	InterFileDelayMs int `yaml:"inter_file_delay_ms"`
}

// Security holds the pre-shared key used for peer authentication.
type Security struct {
	PSK string `yaml:"psk"`
}

// Paths holds filesystem locations.
type Paths struct {
	DataDir      string `yaml:"data_dir"`
	RemoteSubdir string `yaml:"remote_subdir"`
	OffsetDBPath string `yaml:"offset_db_path"`
}

// Config is the fully resolved site configuration.
type Config struct {
	Peer         Peer         `yaml:"peer"`
	Buffer       Buffer       `yaml:"buffer"`
	FFT          FFT          `yaml:"fft"`
	FileTransfer FileTransfer `yaml:"file_transfer"`
	Security     Security     `yaml:"security"`
	Paths        Paths        `yaml:"paths"`

	// TimestampBatchIntervalSec controls send_timestamps cadence (default 10 Hz).
	TimestampBatchIntervalSec float64 `yaml:"timestamp_batch_interval_sec"`

	// EnableDebugLogging, when nil, defaults to false. Pointer lets the zero
	// value in YAML ("absent") be distinguished from an explicit "false".
	EnableDebugLogging *bool `yaml:"enable_debug_logging"`
}

// Load reads and parses a YAML config file at path, then applies defaults
// to any field left zero.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.Peer.Mode == "" {
		c.Peer.Mode = RoleServer
	}
	if c.Peer.ServerAddress == "" {
		c.Peer.ServerAddress = "148.6.27.28"
	}
	if c.Peer.ClientAddress == "" {
		c.Peer.ClientAddress = "172.26.34.114"
	}
	if c.Peer.Port == 0 {
		c.Peer.Port = 27015
	}
	if c.Peer.HeartbeatIntervalSec == 0 {
		c.Peer.HeartbeatIntervalSec = 5
	}
	if c.Peer.HandshakeTimeoutSec == 0 {
		c.Peer.HandshakeTimeoutSec = 30
	}
	if c.Peer.ConnectTimeoutSec == 0 {
		c.Peer.ConnectTimeoutSec = 10
	}
	if c.Peer.SendTimeoutSec == 0 {
		c.Peer.SendTimeoutSec = 3
	}
	if c.Peer.ConnectRetries == 0 {
		c.Peer.ConnectRetries = 3
	}
	if c.Peer.SenderRole == "" {
		c.Peer.SenderRole = SenderRoleSender
	}

	if c.Buffer.MaxDurationSec == 0 {
		c.Buffer.MaxDurationSec = 12
	}
	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = 10_000_000
	}
	if c.Buffer.CoincidenceWinPs == 0 {
		c.Buffer.CoincidenceWinPs = 10_000
	}

	if c.FFT.Offline.TauPs == 0 {
		c.FFT.Offline.TauPs = 2048
	}
	if c.FFT.Offline.N == 0 {
		c.FFT.Offline.N = 1 << 20
	}
	if c.FFT.Offline.TShift == 0 {
		c.FFT.Offline.TShift = 100_000_000_000
	}
	if c.FFT.Live.TauPs == 0 {
		c.FFT.Live.TauPs = 4096
	}
	if c.FFT.Live.N == 0 {
		c.FFT.Live.N = 1 << 17
	}

	if c.FileTransfer.ChunkBytes == 0 {
		c.FileTransfer.ChunkBytes = 256 * 1024
	}
	if c.FileTransfer.ChunkDelayMs == 0 {
		c.FileTransfer.ChunkDelayMs = 10
	}
	if c.FileTransfer.InterFileDelayMs == 0 {
		c.FileTransfer.InterFileDelayMs = 500
	}

	if c.Security.PSK == "" {
		c.Security.PSK = "MPC320_SECURE_2025"
	}

	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "./data"
	}
	if c.Paths.RemoteSubdir == "" {
		c.Paths.RemoteSubdir = "remote"
	}
	if c.Paths.OffsetDBPath == "" {
		c.Paths.OffsetDBPath = "./data/offsets.db"
	}

	if c.TimestampBatchIntervalSec == 0 {
		c.TimestampBatchIntervalSec = 0.1
	}
}

// DebugLogging reports whether debug-level logging is enabled, defaulting
// to false when unset.
func (c *Config) DebugLogging() bool {
	return c.EnableDebugLogging != nil && *c.EnableDebugLogging
}

// Print writes the resolved configuration to stdout, the way the teacher
// echoes its resolved config at startup.
func (c *Config) Print() {
	fmt.Printf("peer: mode=%s server=%s:%d client=%s heartbeat=%ds\n",
		c.Peer.Mode, c.Peer.ServerAddress, c.Peer.Port, c.Peer.ClientAddress, c.Peer.HeartbeatIntervalSec)
	fmt.Printf("buffer: max_duration=%.1fs max_size=%d window=%dps\n",
		c.Buffer.MaxDurationSec, c.Buffer.MaxSize, c.Buffer.CoincidenceWinPs)
	fmt.Printf("fft: offline(tau=%d,N=%d) live(tau=%d,N=%d)\n",
		c.FFT.Offline.TauPs, c.FFT.Offline.N, c.FFT.Live.TauPs, c.FFT.Live.N)
	fmt.Printf("file_transfer: chunk=%dB delay=%dms inter_file=%dms\n",
		c.FileTransfer.ChunkBytes, c.FileTransfer.ChunkDelayMs, c.FileTransfer.InterFileDelayMs)
	fmt.Printf("paths: data_dir=%s remote_subdir=%s\n", c.Paths.DataDir, c.Paths.RemoteSubdir)
}
