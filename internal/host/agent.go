// Package host is the desktop-side runtime: it keeps the relay connection
// open and translates relay messages into PTY manager operations.
package host

import (
	"context"
	"os"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/logger"
	"github.com/climanger/relay/internal/term"
	"github.com/climanger/relay/internal/ws"
)

// Agent owns one relay client and one PTY manager.
type Agent struct {
	DeviceID   string
	DeviceName string
	PublicKey  string
	RelayURL   string // base ws URL, e.g. "wss://relay.example.com"
	Workspaces []ws.Workspace

	client  *ws.Client
	manager *term.Manager
}

func NewAgent(relayURL, deviceID, deviceName, publicKey string, workspaces []ws.Workspace) *Agent {
	a := &Agent{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		PublicKey:  publicKey,
		RelayURL:   relayURL,
		Workspaces: workspaces,
	}
	a.client = &ws.Client{
		RelayURL:   relayURL + "/connect/" + deviceID + "?type=host",
		DeviceID:   deviceID,
		DeviceName: deviceName,
		PublicKey:  publicKey,
		OnMessage:  a.handleMessage,
	}
	a.manager = term.NewManager(a.onOutput, a.onExit)
	return a
}

// Run connects to the relay and serves until ctx is cancelled. Sessions are
// torn down on return; they survive transient relay disconnects.
func (a *Agent) Run(ctx context.Context) error {
	defer a.manager.CloseAll()
	return a.client.Run(ctx)
}

// Manager exposes the PTY manager (used by tests).
func (a *Agent) Manager() *term.Manager { return a.manager }

func (a *Agent) handleMessage(ctx context.Context, msg *ws.Message, write ws.WriteFunc) {
	switch msg.Type {
	case ws.TypeWorkspaceList:
		var req struct {
			RequestFrom string `json:"request_from"`
		}
		if err := ws.DecodePayload(msg, &req); err != nil {
			return
		}
		write(ws.New(ws.TypeWorkspaceData, ws.WorkspaceDataPayload{
			RequestTo:  req.RequestFrom,
			Workspaces: a.Workspaces,
		}))

	case ws.TypeSessionCreate:
		var req ws.SessionCreatePayload
		if err := ws.DecodePayload(msg, &req); err != nil {
			return
		}
		sessionID, err := auth.GenerateSessionID()
		if err != nil {
			logger.Error("generate session id", "error", err)
			return
		}
		ok := a.manager.CreateSession(
			term.SessionSpec{SessionID: sessionID, MobileID: req.RequestFrom},
			a.workspacePath(req.WorkspaceID), req.Shell, req.Cols, req.Rows,
		)
		if !ok {
			logger.Error("session create failed", "workspace_id", req.WorkspaceID, "mobile_id", req.RequestFrom)
			return
		}
		write(ws.New(ws.TypeSessionCreated, ws.SessionCreatedPayload{
			RequestTo: req.RequestFrom,
			SessionID: sessionID,
			Name:      req.Name,
		}))

	case ws.TypeTerminalInput:
		var in ws.TerminalInputPayload
		if err := ws.DecodePayload(msg, &in); err != nil {
			return
		}
		a.manager.Write(in.SessionID, []byte(in.Data))

	case ws.TypeTerminalResize:
		var rs ws.TerminalResizePayload
		if err := ws.DecodePayload(msg, &rs); err != nil {
			return
		}
		a.manager.Resize(rs.SessionID, rs.Cols, rs.Rows)

	case ws.TypeSessionClose:
		var sc ws.SessionClosePayload
		if err := ws.DecodePayload(msg, &sc); err != nil {
			return
		}
		a.manager.CloseSession(sc.SessionID)

	case ws.TypeMobileConnected:
		var ev ws.MobileEventPayload
		ws.DecodePayload(msg, &ev)
		logger.Info("mobile connected", "mobile_id", ev.MobileID)

	case ws.TypeMobileDisconnect:
		var ev ws.MobileEventPayload
		if err := ws.DecodePayload(msg, &ev); err != nil {
			return
		}
		n := a.manager.CloseSessionsForMobile(ev.MobileID)
		logger.Info("mobile disconnected", "mobile_id", ev.MobileID, "sessions_closed", n)

	default:
		logger.Warn("unhandled relay message", "type", msg.Type)
	}
}

// onOutput forwards PTY bytes to the owning mobile. Runs on the session
// read goroutine; Send has a bounded timeout so it cannot block forever.
func (a *Agent) onOutput(sessionID, mobileID string, data []byte) {
	msg := ws.New(ws.TypeTerminalOutput, ws.TerminalOutputPayload{
		To:        mobileID,
		SessionID: sessionID,
		Data:      string(data),
	})
	if err := a.client.Send(context.Background(), msg); err != nil {
		logger.Warn("terminal output dropped", "session_id", sessionID, "error", err)
	}
}

// onExit reports process exit to the owning mobile via the relay.
func (a *Agent) onExit(sessionID, mobileID string, exitCode int) {
	msg := ws.New(ws.TypeSessionClose, ws.SessionClosePayload{
		SessionID: sessionID,
		ExitCode:  exitCode,
	})
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload["request_to"] = mobileID
	if err := a.client.Send(context.Background(), msg); err != nil {
		logger.Warn("session close notice dropped", "session_id", sessionID, "error", err)
	}
}

// workspacePath resolves a workspace id to its directory; unknown ids fall
// back to the user's home directory.
func (a *Agent) workspacePath(id string) string {
	for _, w := range a.Workspaces {
		if w.ID == id {
			return w.Path
		}
	}
	if len(a.Workspaces) > 0 {
		return a.Workspaces[0].Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
