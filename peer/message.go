package peer

import "encoding/json"

// Command names recognized on the encrypted channel (§6).
const (
	CmdHeartbeat           = "HEARTBEAT"
	CmdStreamingStart      = "STREAMING_START"
	CmdStreamingStop       = "STREAMING_STOP"
	CmdTimestampBatch      = "TIMESTAMP_BATCH"
	CmdCounterData         = "COUNTER_DATA"
	CmdOptimizeStart       = "OPTIMIZE_START"
	CmdOptimizeStop        = "OPTIMIZE_STOP"
	CmdStatusUpdate        = "STATUS_UPDATE"
	CmdProgressUpdate      = "PROGRESS_UPDATE"
	CmdSaveSettingsUpdate  = "SAVE_SETTINGS_UPDATE"
	CmdSaveSettingsRequest = "SAVE_SETTINGS_REQUEST"
	CmdFileTransferRequest = "FILE_TRANSFER_REQUEST"
	CmdFileTransferStart   = "FILE_TRANSFER_START"
	CmdFileTransferChunk   = "FILE_TRANSFER_CHUNK"
	CmdFileTransferEnd     = "FILE_TRANSFER_END"
	CmdFileTransferComplete = "FILE_TRANSFER_COMPLETE"
)

// Handshake-phase message types (plaintext, pre-encryption).
const (
	TypePublicKey     = "PUBLIC_KEY"
	TypeSessionKey     = "SESSION_KEY"
	TypeSessionKeyAck  = "SESSION_KEY_ACK"
	TypeAuthChallenge  = "AUTH_CHALLENGE"
	TypeAuthResponse   = "AUTH_RESPONSE"
)

// Message is a command-tagged record with a free-form payload, the
// plaintext form encrypted into the wire envelope after handshake.
type Message struct {
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Payload's keys alongside "command" into one
// object, matching the wire format's "string command field plus
// arbitrary additional fields".
func (m Message) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(m.Payload)+1)
	for k, v := range m.Payload {
		flat[k] = v
	}
	flat["command"] = m.Command
	return json.Marshal(flat)
}

// UnmarshalJSON reverses MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	cmd, _ := flat["command"].(string)
	delete(flat, "command")
	m.Command = cmd
	m.Payload = flat
	return nil
}

// handshakeMsg is the plaintext, pre-encryption envelope shape used only
// during the key-exchange and authentication steps.
type handshakeMsg struct {
	Type           string `json:"type"`
	PublicKey      string `json:"public_key,omitempty"`
	EncryptedKey   string `json:"encrypted_key,omitempty"`
	Challenge      string `json:"challenge,omitempty"`
	Response       string `json:"response,omitempty"`
}
