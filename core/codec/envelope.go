// Package codec implements the wire format shared by every WebSocket
// session the core terminates: a flat JSON envelope carrying a typed
// payload, mirroring the framing used on both the agent and observer
// sockets.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates every known envelope "type" value.
type MessageType string

const (
	// Agent -> Core
	TypeNodeRegister   MessageType = "node_register"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeCommandStarted MessageType = "command_started"
	TypeCommandResult  MessageType = "command_result"
	TypePing           MessageType = "ping"

	// Core -> Agent
	TypeRegisterResponse MessageType = "register_response"
	TypeHeartbeatAck     MessageType = "heartbeat_ack"
	TypeExecuteCommand   MessageType = "execute_command"
	TypeCommandReceived  MessageType = "command_received"
	TypePong             MessageType = "pong"

	// Core <-> Observer, and shared
	TypeWelcome          MessageType = "welcome"
	TypeNodesUpdate      MessageType = "nodes_update"
	TypeMetricsUpdate    MessageType = "metrics_update"
	TypeNodeStatusChange MessageType = "node_status_change"
	TypeError            MessageType = "error"
)

// Error codes used in the data payload of TypeError frames and in REST
// error responses.
const (
	ErrInvalidToken      = "INVALID_TOKEN"
	ErrNodeNotFound      = "NODE_NOT_FOUND"
	ErrCommandNotFound   = "COMMAND_NOT_FOUND"
	ErrNoMetricsData     = "NO_METRICS_DATA"
	ErrInvalidTimeFormat = "INVALID_TIME_FORMAT"
	ErrInvalidTimeRange  = "INVALID_TIME_RANGE"
	ErrValidation        = "VALIDATION_ERROR"
	ErrCommandTimeout    = "COMMAND_TIMEOUT"
	ErrUndeliverable     = "UNDELIVERABLE"
	ErrParseError        = "PARSE_ERROR"
	ErrUnknownType       = "UNKNOWN_MESSAGE_TYPE"
	ErrDatabase          = "DATABASE_ERROR"
	ErrSlowConsumer      = "SLOW_CONSUMER"
)

// Envelope is the outer frame of every message exchanged over a session.
// Data is kept raw until the caller knows which concrete payload to
// decode it into, matching how the original Rust implementation kept
// message_type and data as separate top-level fields.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and the current time,
// marshaling payload into Data.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("codec: marshal payload for %s: %w", t, err)
	}
	return Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode parses a raw frame into an envelope. It is tolerant of unknown
// fields on the payload (decoded separately by the caller). The only
// field it requires is a non-empty type; id and timestamp may be absent,
// but must be well formed when present.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("codec: missing type field")
	}
	return env, nil
}

// Encode serializes the envelope back into a frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeData unmarshals the envelope's Data field into dst.
func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("codec: empty data for %s", e.Type)
	}
	return json.Unmarshal(e.Data, dst)
}

// ErrorPayload is the Data shape of a TypeError frame.
type ErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// NewError builds a complete error envelope.
func NewError(code, message string) Envelope {
	env, _ := NewEnvelope(TypeError, ErrorPayload{ErrorCode: code, Message: message})
	return env
}
