package host

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/config"
	"github.com/climanger/relay/internal/relay"
	"github.com/climanger/relay/internal/ws"
)

func testAgent(t *testing.T, workspaces []ws.Workspace) *Agent {
	t.Helper()
	a := NewAgent("ws://unused", "swift-tiger-42", "laptop", "", workspaces)
	t.Cleanup(a.Manager().CloseAll)
	return a
}

// capture collects messages the agent writes back toward the relay.
type capture struct {
	msgs chan *ws.Message
}

func newCapture() *capture {
	return &capture{msgs: make(chan *ws.Message, 8)}
}

func (c *capture) write(msg *ws.Message) error {
	c.msgs <- msg
	return nil
}

func (c *capture) next(t *testing.T) *ws.Message {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from agent")
		return nil
	}
}

func TestWorkspaceListReply(t *testing.T) {
	spaces := []ws.Workspace{
		{ID: "w1", Name: "proj", Path: "/tmp/proj"},
		{ID: "w2", Name: "docs", Path: "/tmp/docs"},
	}
	a := testAgent(t, spaces)
	cap := newCapture()

	msg := ws.New(ws.TypeWorkspaceList, nil)
	msg.Payload = map[string]any{"request_from": "mobile-1"}
	a.handleMessage(context.Background(), msg, cap.write)

	reply := cap.next(t)
	if reply.Type != ws.TypeWorkspaceData {
		t.Fatalf("reply type = %q", reply.Type)
	}
	var data ws.WorkspaceDataPayload
	if err := ws.DecodePayload(reply, &data); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if data.RequestTo != "mobile-1" {
		t.Errorf("request_to = %q", data.RequestTo)
	}
	if len(data.Workspaces) != 2 || data.Workspaces[0].ID != "w1" {
		t.Errorf("workspaces = %+v", data.Workspaces)
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := testAgent(t, []ws.Workspace{{ID: "w1", Name: "proj", Path: t.TempDir()}})
	cap := newCapture()
	ctx := context.Background()

	a.handleMessage(ctx, ws.New(ws.TypeSessionCreate, ws.SessionCreatePayload{
		RequestFrom: "mobile-1",
		WorkspaceID: "w1",
		Name:        "sh",
		Shell:       "/bin/sh",
		Cols:        80,
		Rows:        24,
	}), cap.write)

	created := cap.next(t)
	if created.Type != ws.TypeSessionCreated {
		t.Fatalf("reply type = %q", created.Type)
	}
	var cp ws.SessionCreatedPayload
	ws.DecodePayload(created, &cp)
	if cp.RequestTo != "mobile-1" || cp.SessionID == "" || cp.Name != "sh" {
		t.Errorf("session_created = %+v", cp)
	}
	if a.Manager().Count() != 1 {
		t.Fatalf("manager count = %d, want 1", a.Manager().Count())
	}

	// Input and resize address the session by id; no reply expected.
	a.handleMessage(ctx, ws.New(ws.TypeTerminalInput, ws.TerminalInputPayload{
		SessionID: cp.SessionID,
		Data:      "true\n",
	}), cap.write)
	a.handleMessage(ctx, ws.New(ws.TypeTerminalResize, ws.TerminalResizePayload{
		SessionID: cp.SessionID,
		Cols:      100,
		Rows:      30,
	}), cap.write)

	// A mobile disconnect tears down everything it owned.
	a.handleMessage(ctx, ws.New(ws.TypeMobileDisconnect, ws.MobileEventPayload{
		MobileID: "mobile-1",
	}), cap.write)
	deadline := time.Now().Add(10 * time.Second)
	for a.Manager().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session survived mobile disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkspacePath(t *testing.T) {
	a := testAgent(t, []ws.Workspace{
		{ID: "w1", Path: "/tmp/proj"},
		{ID: "w2", Path: "/tmp/docs"},
	})
	if got := a.workspacePath("w2"); got != "/tmp/docs" {
		t.Errorf("workspacePath(w2) = %q", got)
	}
	// Unknown ids fall back to the first workspace.
	if got := a.workspacePath("nope"); got != "/tmp/proj" {
		t.Errorf("workspacePath(nope) = %q", got)
	}

	home, _ := os.UserHomeDir()
	empty := testAgent(t, nil)
	if got := empty.workspacePath("w1"); got != home {
		t.Errorf("workspacePath with no workspaces = %q, want %q", got, home)
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	id, err := LoadOrCreateIdentity()
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if id.Version != 1 || !auth.ValidDeviceID(id.DeviceID) {
		t.Fatalf("identity = %+v", id)
	}

	again, err := LoadOrCreateIdentity()
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if again.DeviceID != id.DeviceID {
		t.Errorf("device id changed across loads: %q vs %q", again.DeviceID, id.DeviceID)
	}

	// A corrupt file is replaced, not fatal.
	path, _ := identityPath()
	os.WriteFile(path, []byte("not json"), 0600)
	fresh, err := LoadOrCreateIdentity()
	if err != nil {
		t.Fatalf("recover identity: %v", err)
	}
	if !auth.ValidDeviceID(fresh.DeviceID) {
		t.Errorf("recovered identity = %+v", fresh)
	}
}

// End to end: agent through a real relay to a mobile socket.
func TestAgentThroughRelay(t *testing.T) {
	store, err := auth.OpenPairingStore(":memory:")
	if err != nil {
		t.Fatalf("open pairing store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		JWTSecret:       "agent-e2e-secret-agent-e2e-secret",
		AllowedOrigins:  []string{"*"},
		MaxConnsPerRoom: 3,
		PINExpirySecs:   300,
		TokenExpirySecs: 86400,
	}
	ts := httptest.NewServer(relay.NewServer(cfg, store))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	agent := NewAgent(wsURL, "swift-tiger-42", "laptop", "", []ws.Workspace{
		{ID: "w1", Name: "proj", Path: t.TempDir()},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go agent.Run(ctx)

	mobileID, _ := auth.GenerateMobileID()
	token, _, err := auth.MintToken(cfg.Secret(), "swift-tiger-42", mobileID, "", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dialCancel()
	var mobile *websocket.Conn
	deadline := time.Now().Add(10 * time.Second)
	for {
		// The agent may not have attached yet; retry until the room routes.
		mobile, _, err = websocket.Dial(dialCtx, wsURL+"/connect/swift-tiger-42?type=mobile&token="+token, nil)
		if err != nil {
			t.Fatalf("mobile dial: %v", err)
		}
		sendJSON(t, mobile, ws.New(ws.TypeWorkspaceList, nil))
		if m, ok := tryRead(mobile, 500*time.Millisecond); ok && m.Type == ws.TypeWorkspaceData {
			break
		}
		mobile.CloseNow()
		if time.Now().After(deadline) {
			t.Fatal("agent never answered workspace_list")
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Cleanup(func() { mobile.CloseNow() })

	sendJSON(t, mobile, ws.New(ws.TypeSessionCreate, ws.SessionCreatePayload{
		WorkspaceID: "w1",
		Name:        "sh",
		Shell:       "/bin/sh",
		Cols:        80,
		Rows:        24,
	}))
	created := readType(t, mobile, ws.TypeSessionCreated)
	var cp ws.SessionCreatedPayload
	ws.DecodePayload(created, &cp)
	if cp.SessionID == "" {
		t.Fatalf("session_created = %+v", created.Payload)
	}

	sendJSON(t, mobile, ws.New(ws.TypeTerminalInput, ws.TerminalInputPayload{
		SessionID: cp.SessionID,
		Data:      "echo relay-roundtrip-marker\n",
	}))
	deadline = time.Now().Add(10 * time.Second)
	var seen strings.Builder
	for !strings.Contains(seen.String(), "relay-roundtrip-marker") {
		if time.Now().After(deadline) {
			t.Fatalf("no terminal output; saw %q", seen.String())
		}
		m, ok := tryRead(mobile, time.Second)
		if !ok || m.Type != ws.TypeTerminalOutput {
			continue
		}
		var out ws.TerminalOutputPayload
		ws.DecodePayload(m, &out)
		seen.WriteString(out.Data)
	}

	// Closing the session round-trips an exit notice.
	sendJSON(t, mobile, ws.New(ws.TypeSessionClose, ws.SessionClosePayload{
		SessionID: cp.SessionID,
	}))
	closeMsg := readType(t, mobile, ws.TypeSessionClose)
	var sc ws.SessionClosePayload
	ws.DecodePayload(closeMsg, &sc)
	if sc.SessionID != cp.SessionID {
		t.Errorf("session_close = %+v", sc)
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, m *ws.Message) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func tryRead(conn *websocket.Conn, timeout time.Duration) (*ws.Message, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	m, err := ws.Decode(data)
	if err != nil {
		return nil, false
	}
	return m, true
}

func readType(t *testing.T, conn *websocket.Conn, msgType string) *ws.Message {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := tryRead(conn, time.Second); ok && m.Type == msgType {
			return m
		}
	}
	t.Fatalf("no %s message before deadline", msgType)
	return nil
}
