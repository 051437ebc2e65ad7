// Package protocol defines the Unity Bridge wire protocol: message schemas
// shared by the relay and its peers, and the length-prefixed frame codec.
//
// Framing: 4-byte big-endian length prefix + UTF-8 JSON payload.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is the protocol version negotiated during REGISTER.
const Version = "1.0"

// MessageType identifies the kind of frame on the wire.
type MessageType string

const (
	// Editor → relay
	TypeRegister      MessageType = "REGISTER"
	TypeStatus        MessageType = "STATUS"
	TypeCommandResult MessageType = "COMMAND_RESULT"
	TypePong          MessageType = "PONG"

	// Relay → editor
	TypeRegistered MessageType = "REGISTERED"
	TypePing       MessageType = "PING"
	TypeCommand    MessageType = "COMMAND"

	// Client → relay
	TypeRequest       MessageType = "REQUEST"
	TypeListInstances MessageType = "LIST_INSTANCES"
	TypeSetDefault    MessageType = "SET_DEFAULT"

	// Relay → client
	TypeResponse  MessageType = "RESPONSE"
	TypeInstances MessageType = "INSTANCES"
	TypeError     MessageType = "ERROR"
)

// InstanceStatus is the lifecycle state of a registered editor instance.
type InstanceStatus string

const (
	StatusReady        InstanceStatus = "ready"
	StatusBusy         InstanceStatus = "busy"
	StatusReloading    InstanceStatus = "reloading"
	StatusDisconnected InstanceStatus = "disconnected"
)

// Now returns the current time in Unix milliseconds, the timestamp unit
// carried in every frame.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Envelope carries the fields common to every frame. Decoding an inbound
// frame into an Envelope first determines how to interpret the rest.
type Envelope struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	TS   int64       `json:"ts,omitempty"`
}

// ErrorDetail is the {code, message} object embedded in failure replies.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Register is the first frame on an editor connection.
type Register struct {
	Type            MessageType `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	InstanceID      string      `json:"instance_id"`
	ProjectName     string      `json:"project_name"`
	UnityVersion    string      `json:"unity_version"`
	Capabilities    []string    `json:"capabilities"`
	TS              int64       `json:"ts"`
}

// Registered acknowledges (or rejects) a Register.
type Registered struct {
	Type                MessageType  `json:"type"`
	Success             bool         `json:"success"`
	HeartbeatIntervalMS int          `json:"heartbeat_interval_ms"`
	Error               *ErrorDetail `json:"error,omitempty"`
	TS                  int64        `json:"ts"`
}

// Status is an editor-initiated state notification (e.g. "reloading").
type Status struct {
	Type       MessageType `json:"type"`
	InstanceID string      `json:"instance_id"`
	Status     string      `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	TS         int64       `json:"ts"`
}

// Ping is a liveness probe from the relay to an editor.
type Ping struct {
	Type MessageType `json:"type"`
	TS   int64       `json:"ts"`
}

// Pong answers a Ping, echoing the probe timestamp.
type Pong struct {
	Type   MessageType `json:"type"`
	TS     int64       `json:"ts"`
	EchoTS int64       `json:"echo_ts"`
}

// Command is a forwarded request from the relay to an editor. Params are
// relayed as raw bytes so the editor sees exactly what the client sent.
type Command struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
	TS        int64           `json:"ts"`
}

// CommandResult is the editor's reply to a Command.
type CommandResult struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	TS      int64           `json:"ts"`
}

// Request is a client-originated command invocation.
type Request struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Instance  string          `json:"instance,omitempty"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
	TS        int64           `json:"ts"`
}

// Response is the relay's terminal reply to a Request. Exactly one of
// Data or Error is present depending on Success.
type Response struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	TS      int64           `json:"ts"`
}

// ListInstances asks the relay for its instance snapshot.
type ListInstances struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
	TS   int64       `json:"ts"`
}

// InstanceInfo is one entry of an Instances snapshot.
type InstanceInfo struct {
	InstanceID   string         `json:"instance_id"`
	ProjectName  string         `json:"project_name"`
	UnityVersion string         `json:"unity_version"`
	Status       InstanceStatus `json:"status"`
	IsDefault    bool           `json:"is_default"`
	Capabilities []string       `json:"capabilities"`
	QueueSize    int            `json:"queue_size"`
}

// Instances answers a ListInstances.
type Instances struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    struct {
		Instances []InstanceInfo `json:"instances"`
	} `json:"data"`
	TS int64 `json:"ts"`
}

// SetDefault changes the relay's default instance.
type SetDefault struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id"`
	Instance string      `json:"instance"`
	TS       int64       `json:"ts"`
}

// ErrorFrame is a standalone error reply, used for routing failures and
// as the best-effort final frame before closing on protocol errors.
type ErrorFrame struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
	TS      int64       `json:"ts"`
}

// NewErrorFrame builds an ERROR frame for the given request id and code.
func NewErrorFrame(requestID, code, message string) *ErrorFrame {
	return &ErrorFrame{
		Type:    TypeError,
		ID:      requestID,
		Success: false,
		Error:   ErrorDetail{Code: code, Message: message},
		TS:      Now(),
	}
}
