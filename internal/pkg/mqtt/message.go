package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants
const (
	TypeHeartbeat = 1 // liveness
	TypeStatus    = 2 // periodic device snapshot
	TypeEvents    = 3 // batch of device events
	TypeCommand   = 4 // command from the operator side
)

// Command names accepted in CommandPayload.Cmd
const (
	CmdReset  = "reset"
	CmdStatus = "status"
)

// MQTTMessage represents the base message structure
type MQTTMessage struct {
	RequestID string      `json:"requestId"`
	Version   string      `json:"version"`
	Type      int         `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// MQTTResponse answers a command
type MQTTResponse struct {
	RequestID string      `json:"requestId"`
	Version   string      `json:"version"`
	Type      int         `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Code      int         `json:"code"`
	Msg       string      `json:"msg"`
	Payload   interface{} `json:"payload"`
}

// NewMessage creates a new MQTTMessage with default values
func NewMessage(msgType int, payload interface{}) *MQTTMessage {
	return &MQTTMessage{
		RequestID: uuid.New().String(),
		Version:   "1.0",
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// NewResponse creates a new MQTTResponse for requestID
func NewResponse(requestID string, msgType int, code int, msg string, payload interface{}) *MQTTResponse {
	return &MQTTResponse{
		RequestID: requestID,
		Version:   "1.0",
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Code:      code,
		Msg:       msg,
		Payload:   payload,
	}
}

// ToJSON serializes the message to JSON bytes
func (m *MQTTMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSON serializes the response to JSON bytes
func (r *MQTTResponse) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseMessage parses JSON bytes into an MQTTMessage
func ParseMessage(data []byte) (*MQTTMessage, error) {
	var msg MQTTMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// ---- Payload Types ----

// StatusPayload for type=2 snapshots
type StatusPayload struct {
	Mode         string `json:"mode"`
	Switch       string `json:"switch"`
	Reading      uint16 `json:"reading"`
	Threshold    uint16 `json:"threshold"`
	Boundary     string `json:"boundary"`
	FieldBusType string `json:"fieldBusType"`
}

// EventPayload is one entry of an event batch
type EventPayload struct {
	Kind      string                 `json:"kind"`
	Timestamp int64                  `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// EventsPayload for type=3 messages
type EventsPayload struct {
	Events []EventPayload `json:"events"`
}

// CommandPayload for type=4 commands
type CommandPayload struct {
	Cmd string `json:"cmd"`
}

// GetCommandPayload extracts CommandPayload from message
func (m *MQTTMessage) GetCommandPayload() (*CommandPayload, error) {
	if m.Type != TypeCommand {
		return nil, fmt.Errorf("message type is not command: %d", m.Type)
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	var payload CommandPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
