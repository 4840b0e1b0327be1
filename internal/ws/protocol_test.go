package ws

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"type":"terminal_input","payload":{"session_id":"s1","data":"ls\n"},"timestamp":123}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeTerminalInput {
		t.Errorf("type = %q", m.Type)
	}
	if m.Payload["session_id"] != "s1" {
		t.Errorf("payload = %v", m.Payload)
	}
	if m.Timestamp != 123 {
		t.Errorf("timestamp = %d", m.Timestamp)
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error for bad JSON")
	}
}

func TestNewAndDecodePayload(t *testing.T) {
	m := New(TypeSessionCreated, SessionCreatedPayload{
		RequestTo: "mobile-1",
		SessionID: "abc",
		Name:      "sh",
	})
	if m.Payload["request_to"] != "mobile-1" {
		t.Errorf("payload = %v", m.Payload)
	}

	// The room strips the addressing key before forwarding.
	delete(m.Payload, "request_to")

	var out SessionCreatedPayload
	if err := DecodePayload(m, &out); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if out.RequestTo != "" || out.SessionID != "abc" || out.Name != "sh" {
		t.Errorf("round trip = %+v", out)
	}
}

func TestNewNilPayload(t *testing.T) {
	m := New(TypePing, nil)
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("marshal = %s", data)
	}
}

func TestEncryptedFlagPreserved(t *testing.T) {
	raw := []byte(`{"type":"terminal_input","payload":{"session_id":"s1","data":"x","encrypted":true}}`)
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m.Payload["from"] = "mobile-1"

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Payload["encrypted"] != true {
		t.Error("encrypted flag lost in forward")
	}
}
