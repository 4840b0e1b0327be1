package relay

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/logger"
)

const maxFrameSize = 512 * 1024

// handleConnect validates the upgrade preconditions, authenticates mobile
// callers, and hands the accepted socket to the device room.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if !auth.ValidDeviceID(deviceID) {
		writeError(w, http.StatusBadRequest, "malformed device_id")
		return
	}

	connType := r.URL.Query().Get("type")
	if connType != roleHost && connType != roleMobile {
		writeError(w, http.StatusBadRequest, "type must be host or mobile")
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	var mobileID string
	if connType == roleMobile {
		claims, err := auth.VerifyToken(s.secret, r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if claims.DeviceID != deviceID {
			writeError(w, http.StatusUnauthorized, "token not valid for this device")
			return
		}
		// Only the gateway binds the mobile id; the room trusts it.
		mobileID = claims.MobileID
	}

	room := s.rooms.GetOrCreate(deviceID)

	if connType == roleMobile && !room.reserveMobile() {
		writeError(w, http.StatusTooManyRequests, "device connection limit reached")
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		if connType == roleMobile {
			room.releaseMobile()
		}
		logger.Warn("websocket accept failed", "device_id", deviceID, "error", err)
		return
	}
	sock.SetReadLimit(maxFrameSize)
	defer sock.CloseNow()

	c := &conn{id: uuid.New().String(), sock: sock}
	ctx := r.Context()

	switch connType {
	case roleHost:
		room.attachHost(ctx, c)
	case roleMobile:
		room.attachMobile(ctx, c, mobileID)
	}
	logger.Info("socket attached", "device_id", deviceID, "role", connType, "connection_id", c.id)

	defer room.onClose(ctx, c)
	for {
		typ, data, err := sock.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				room.onError(c, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		room.onMessage(ctx, c, data)
	}
}
