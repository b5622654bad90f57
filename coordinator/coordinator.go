// Package coordinator owns the buffers, counter, estimator, peer link,
// and offset table, and exposes the operations an external UI drives a
// recording session through.
package coordinator

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"dxsync/buffer"
	"dxsync/coincidence"
	"dxsync/config"
	"dxsync/offset"
	"dxsync/offsettable"
	"dxsync/peer"
	"dxsync/tail"
)

const numChannels = 4

// Sender is the subset of *peer.Peer the coordinator drives.
type Sender interface {
	Send(command string, payload map[string]interface{}) bool
}

// Session carries a bounded or unbounded recording window's state.
type Session struct {
	StartedAt         time.Time
	Duration          time.Duration // zero means unbounded
	LocalSaveChannels []int
	RemoteSaveChannels []int
}

// Coordinator is the top-level object an external UI drives.
type Coordinator struct {
	cfg config.Config

	mu sync.Mutex

	local  [numChannels + 1]*buffer.Buffer // 1-indexed by channel
	remote [numChannels + 1]*buffer.Buffer

	counter  *coincidence.Counter
	pairs    []coincidence.Pair
	offsets  *offsettable.Table

	sender Sender

	tailWorkers map[int]*tail.Worker

	session *Session

	lastSentCount [numChannels + 1]int

	autoStopTimer *time.Timer

	localSaveChannels  []int
	remoteSaveChannels []int
	settingsCallback   SettingsCallback
}

// SettingsCallback is invoked when the peer asks this site to change its
// own recording configuration (a SAVE_SETTINGS_REQUEST). channels is the
// requested save_channels list.
type SettingsCallback func(channels []int)

// New constructs a Coordinator. sender is the peer transport used to
// propagate STREAMING_START/STOP and TIMESTAMP_BATCH; offsets is the
// already-opened, persisted offset table.
func New(cfg config.Config, sender Sender, offsets *offsettable.Table) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		counter:     coincidence.New(cfg.Buffer.CoincidenceWinPs),
		offsets:     offsets,
		sender:      sender,
		tailWorkers: make(map[int]*tail.Worker),
	}
	for ch := 1; ch <= numChannels; ch++ {
		c.local[ch] = buffer.New(ch, cfg.Buffer.MaxDurationSec, cfg.Buffer.MaxSize)
		c.remote[ch] = buffer.New(ch, cfg.Buffer.MaxDurationSec, cfg.Buffer.MaxSize)
	}
	return c
}

// SetPairs replaces the configured correlation pairs. The counter reads a
// snapshot of this list on every Tick.
func (c *Coordinator) SetPairs(pairs []coincidence.Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append([]coincidence.Pair(nil), pairs...)
}

// SetOffsets writes offsetPs into offset-table slot index.
func (c *Coordinator) SetOffsets(index int, offsetPs int64) error {
	return c.offsets.Set(index, offsetPs)
}

// SetSettingsCallback registers the function invoked whenever a
// SAVE_SETTINGS_REQUEST asks this site to change its own recording
// configuration. Replaces any previously registered callback.
func (c *Coordinator) SetSettingsCallback(fn SettingsCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settingsCallback = fn
}

// RemoteSaveChannels returns the last save_channels value the peer
// reported via SAVE_SETTINGS_UPDATE.
func (c *Coordinator) RemoteSaveChannels() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.remoteSaveChannels...)
}

// LocalSaveChannels returns the save_channels value last applied via
// SAVE_SETTINGS_REQUEST (or StartSession).
func (c *Coordinator) LocalSaveChannels() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.localSaveChannels...)
}

// HandleSaveSettingsUpdate mirrors the peer's reported save_channels
// locally; it is advisory and never changes this site's own behavior
// (§9's "_UPDATE merely mirrors").
func (c *Coordinator) HandleSaveSettingsUpdate(payload map[string]interface{}) {
	channels := parseSaveChannels(payload)
	c.mu.Lock()
	c.remoteSaveChannels = channels
	c.mu.Unlock()
}

// HandleSaveSettingsRequest asks this site to change its own local
// save_channels set and invokes the registered settings callback so an
// external driver can actually act on the request (§9's "_REQUEST asks
// the recipient to change its own local setting").
func (c *Coordinator) HandleSaveSettingsRequest(payload map[string]interface{}) {
	channels := parseSaveChannels(payload)

	c.mu.Lock()
	c.localSaveChannels = channels
	cb := c.settingsCallback
	c.mu.Unlock()

	if cb != nil {
		cb(channels)
	}
}

func parseSaveChannels(payload map[string]interface{}) []int {
	raw, ok := payload["save_channels"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// LocalBuffer returns the local buffer for channel (1..4), or nil.
func (c *Coordinator) LocalBuffer(channel int) *buffer.Buffer {
	if channel < 1 || channel > numChannels {
		return nil
	}
	return c.local[channel]
}

// RemoteBuffer returns the remote buffer for channel (1..4), or nil.
func (c *Coordinator) RemoteBuffer(channel int) *buffer.Buffer {
	if channel < 1 || channel > numChannels {
		return nil
	}
	return c.remote[channel]
}

// StartSession clears all buffers, spawns one tail reader per locally
// recorded channel, and tells the peer to start symmetrically. paths
// maps each locally-recorded channel to its tagger output file.
func (c *Coordinator) StartSession(duration time.Duration, localChannels, remoteChannels []int, paths map[int]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ch := 1; ch <= numChannels; ch++ {
		c.local[ch].Clear()
		c.remote[ch].Clear()
		c.lastSentCount[ch] = 0
	}

	for _, ch := range localChannels {
		path, ok := paths[ch]
		if !ok {
			continue
		}
		w := tail.New(ch, path, c.local[ch])
		c.tailWorkers[ch] = w
		go w.Run()
	}

	c.localSaveChannels = append([]int(nil), localChannels...)
	c.session = &Session{
		StartedAt:          time.Now(),
		Duration:           duration,
		LocalSaveChannels:  localChannels,
		RemoteSaveChannels: remoteChannels,
	}

	payload := map[string]interface{}{
		// The remote site's local channels are this site's "remote" list.
		"save_channels": intsToFloat(remoteChannels),
	}
	if duration > 0 {
		payload["duration_sec"] = duration.Seconds()
	}
	c.sender.Send(peer.CmdStreamingStart, payload)

	if duration > 0 {
		c.autoStopTimer = time.AfterFunc(duration, func() {
			if err := c.StopSession(); err != nil {
				log.Printf("coordinator: auto-stop failed: %v", err)
			}
		})
	}

	return nil
}

// StopSession stops all tail readers and tells the peer to stop
// symmetrically.
func (c *Coordinator) StopSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoStopTimer != nil {
		c.autoStopTimer.Stop()
		c.autoStopTimer = nil
	}

	for ch, w := range c.tailWorkers {
		w.Stop()
		delete(c.tailWorkers, ch)
	}

	c.session = nil
	c.sender.Send(peer.CmdStreamingStop, nil)
	return nil
}

// Tick snapshots every participating buffer, evaluates every configured
// pair, and returns the per-pair counts in pair order.
func (c *Coordinator) Tick() []int {
	c.mu.Lock()
	pairs := append([]coincidence.Pair(nil), c.pairs...)
	c.mu.Unlock()

	local := coincidence.BufferSet{}
	remote := coincidence.BufferSet{}
	for ch := 1; ch <= numChannels; ch++ {
		local[ch] = c.local[ch].Snapshot()
		remote[ch] = c.remote[ch].Snapshot()
	}

	offsets := c.offsets.Offsets()
	return c.counter.CountPairs(pairs, local, remote, offsets)
}

// SendTimestamps diffs each local buffer against the last-sent count,
// deflate-compresses the new segment, and sends TIMESTAMP_BATCH. It is a
// no-op unless this site's configured sender role is "sender" (§9 Open
// Question: never inferred from site names).
func (c *Coordinator) SendTimestamps() error {
	if c.cfg.Peer.SenderRole != config.SenderRoleSender {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	batch := make(map[string]interface{}, numChannels)
	anyData := false

	for ch := 1; ch <= numChannels; ch++ {
		ts := c.local[ch].Snapshot()
		sent := c.lastSentCount[ch]
		if sent > len(ts) {
			sent = 0 // buffer was cleared/rotated since the last send
		}
		newEntries := ts[sent:]
		if len(newEntries) == 0 {
			continue
		}

		raw := make([]byte, len(newEntries)*8)
		for i, v := range newEntries {
			binary.LittleEndian.PutUint64(raw[i*8:i*8+8], uint64(v))
		}

		compressed, err := deflate(raw)
		if err != nil {
			return fmt.Errorf("coordinator: compress channel %d: %w", ch, err)
		}

		batch[fmt.Sprint(ch)] = map[string]interface{}{
			"data":  base64.StdEncoding.EncodeToString(compressed),
			"count": len(newEntries),
		}
		c.lastSentCount[ch] = len(ts)
		anyData = true
	}

	if !anyData {
		return nil
	}

	batch["time"] = time.Now().Unix()
	c.sender.Send(peer.CmdTimestampBatch, map[string]interface{}{"timestamps": batch})
	return nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// HandleTimestampBatch decodes a received TIMESTAMP_BATCH payload and
// appends the new entries into the corresponding remote buffer.
func (c *Coordinator) HandleTimestampBatch(payload map[string]interface{}) {
	raw, ok := payload["timestamps"].(map[string]interface{})
	if !ok {
		log.Printf("coordinator: malformed TIMESTAMP_BATCH payload")
		return
	}

	for chStr, v := range raw {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		dataB64, _ := entry["data"].(string)
		compressed, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			log.Printf("coordinator: bad base64 in TIMESTAMP_BATCH for channel %s: %v", chStr, err)
			continue
		}
		raw, err := inflate(compressed)
		if err != nil {
			log.Printf("coordinator: inflate failed for channel %s: %v", chStr, err)
			continue
		}

		var ch int
		if _, err := fmt.Sscanf(chStr, "%d", &ch); err != nil || ch < 1 || ch > numChannels {
			continue
		}

		n := len(raw) / 8
		ts := make([]int64, n)
		for i := 0; i < n; i++ {
			ts[i] = int64(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
		}
		c.remote[ch].AppendArray(ts, nil)
	}
}

// EstimateOffset runs the offline (or, with live=true, the live-regime)
// FFT cross-correlation between merged local and remote streams, and
// reports the resulting picosecond offset.
func (c *Coordinator) EstimateOffset(localStreams, remoteStreams [][]uint64, live bool) offset.Result {
	params := offset.OfflineParams()
	if live {
		params = offset.LiveParams()
	}

	local := offset.MergeStreams(localStreams...)
	remote := offset.MergeStreams(remoteStreams...)

	hLocal := offset.Histogram(local, params)
	hRemote := offset.Histogram(remote, params)
	return offset.Correlate(hLocal, hRemote, params)
}

// EstimateLiveOffset is the on-demand, coordinator-level entry point for
// in-session drift refinement. Per §9's Open Question it is never
// invoked automatically from Tick — callers must request it explicitly.
func (c *Coordinator) EstimateLiveOffset() offset.Result {
	local := make([][]uint64, 0, numChannels)
	remote := make([][]uint64, 0, numChannels)
	for ch := 1; ch <= numChannels; ch++ {
		local = append(local, toUint64(c.local[ch].Snapshot()))
		remote = append(remote, toUint64(c.remote[ch].Snapshot()))
	}
	return c.EstimateOffset(local, remote, true)
}

func toUint64(ts []int64) []uint64 {
	out := make([]uint64, len(ts))
	for i, v := range ts {
		out[i] = uint64(v)
	}
	return out
}

func intsToFloat(in []int) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// StatusLine renders a human-readable size summary of all eight buffers,
// for the UI's status callback.
func (c *Coordinator) StatusLine() string {
	var total uint64
	for ch := 1; ch <= numChannels; ch++ {
		total += c.local[ch].SizeBytes() + c.remote[ch].SizeBytes()
	}
	return fmt.Sprintf("buffers: %s resident", humanize.Bytes(total))
}

// NewTransferID mints a UUID-based identifier for a new file transfer.
func NewTransferID() string {
	return uuid.NewString()
}
