package ws

import "encoding/json"

// Message types for the relay WebSocket protocol.
const (
	// Host → Relay
	TypeRegister = "register"

	// Relay → Host
	TypeRegistered = "registered"

	// Any → Relay (keep-alive)
	TypePing = "ping"
	TypePong = "pong"

	// Mobile → Relay → Host
	TypeWorkspaceList  = "workspace_list"
	TypeSessionCreate  = "session_create"
	TypeSessionClose   = "session_close"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalResize = "terminal_resize"

	// Host → Relay → Mobile
	TypeWorkspaceData  = "workspace_data"
	TypeSessionCreated = "session_created"
	TypeTerminalOutput = "terminal_output"

	// Relay → Host (mobile lifecycle)
	TypeMobileConnected  = "mobile_connected"
	TypeMobileDisconnect = "mobile_disconnect"

	TypeError = "error"
)

// CloseReasonReplaced is the 1000-close reason the relay sends to a host
// that has been displaced by a newer host connection for the same device.
// The host client matches it to stop reconnecting.
const CloseReasonReplaced = "Connection replaced"

// Envelope is the minimal decode used to route a message by type.
type Envelope struct {
	Type string `json:"type"`
}

// Message is the generic relay frame. The room forwards messages in this
// shape so it can inject routing fields (request_from, from) and strip
// addressing fields (request_to, to) without knowing every payload schema.
type Message struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Decode parses raw frame bytes into a Message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RegisterPayload is sent by the host immediately after connecting.
type RegisterPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	PublicKey  string `json:"public_key,omitempty"`
}

// RegisteredPayload acknowledges a host registration.
type RegisteredPayload struct {
	Success bool `json:"success"`
}

// Workspace describes one directory the host offers for sessions.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// WorkspaceDataPayload answers a workspace_list request.
type WorkspaceDataPayload struct {
	RequestTo  string      `json:"request_to,omitempty"`
	Workspaces []Workspace `json:"workspaces"`
}

// SessionCreatePayload asks the host to spawn a PTY session.
type SessionCreatePayload struct {
	RequestFrom string `json:"request_from,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Shell       string `json:"shell,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

// SessionCreatedPayload confirms a PTY session is running.
type SessionCreatedPayload struct {
	RequestTo string `json:"request_to,omitempty"`
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
}

// SessionClosePayload requests or reports termination of a session.
type SessionClosePayload struct {
	RequestFrom string `json:"request_from,omitempty"`
	SessionID   string `json:"session_id"`
	ExitCode    int    `json:"exit_code,omitempty"`
}

// TerminalInputPayload carries keystrokes from a mobile to the host PTY.
// Data is opaque; the Encrypted flag is forwarded verbatim and never
// interpreted by the relay.
type TerminalInputPayload struct {
	From      string `json:"from,omitempty"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// TerminalOutputPayload carries PTY bytes from the host to one mobile.
type TerminalOutputPayload struct {
	To        string `json:"to,omitempty"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// TerminalResizePayload tells the host to resize a PTY.
type TerminalResizePayload struct {
	From      string `json:"from,omitempty"`
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// MobileEventPayload reports a mobile attaching or detaching to the host.
type MobileEventPayload struct {
	MobileID string `json:"mobile_id"`
}

// ErrorPayload is sent by the relay for protocol and peer errors.
type ErrorPayload struct {
	Message string `json:"message"`
}

// New builds a Message of the given type with a struct payload. The payload
// round-trips through JSON so the room's map-based forwarding and the typed
// endpoint structs stay interchangeable.
func New(msgType string, payload any) *Message {
	m := &Message{Type: msgType}
	if payload == nil {
		return m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return m
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return m
	}
	m.Payload = fields
	return m
}

// DecodePayload unmarshals a generic payload into a typed struct.
func DecodePayload(m *Message, v any) error {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
