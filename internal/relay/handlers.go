package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/climanger/relay/internal/auth"
	"github.com/climanger/relay/internal/logger"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"name":    ServiceName,
		"version": Version,
		"status":  "running",
	})
}

// qrData is serialized into the string the desktop renders as a QR code.
type qrData struct {
	Type     string `json:"type"`
	Version  int    `json:"version"`
	DeviceID string `json:"device_id"`
	PIN      string `json:"pin"`
	Relay    string `json:"relay"`
}

func (s *Server) handlePinCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !auth.ValidDeviceID(req.DeviceID) {
		writeError(w, http.StatusBadRequest, "malformed device_id")
		return
	}

	pin, err := auth.GeneratePIN()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ttl := time.Duration(s.cfg.PINExpirySecs) * time.Second
	expiresAt := time.Now().Add(ttl)
	code := auth.PairingCode{
		DeviceID:   req.DeviceID,
		PIN:        pin,
		DeviceName: req.DeviceName,
		ExpiresAt:  expiresAt,
	}
	if err := s.store.Put(code, ttl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	qr, _ := json.Marshal(qrData{
		Type:     "climanger",
		Version:  1,
		DeviceID: req.DeviceID,
		PIN:      pin,
		Relay:    requestOrigin(r),
	})

	logger.Info("pairing code created", "device_id", req.DeviceID)
	writeData(w, http.StatusOK, map[string]any{
		"pin":        pin,
		"expires_at": expiresAt.UnixMilli(),
		"qr_data":    string(qr),
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		PIN      string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !auth.ValidDeviceID(req.DeviceID) {
		writeError(w, http.StatusBadRequest, "malformed device_id")
		return
	}
	if !auth.ValidPIN(req.PIN) {
		writeError(w, http.StatusBadRequest, "malformed pin")
		return
	}

	code, err := s.store.Get(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if code == nil || code.PIN != req.PIN {
		writeError(w, http.StatusUnauthorized, "unknown or expired pairing code")
		return
	}

	mobileID, err := auth.GenerateMobileID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ttl := time.Duration(s.cfg.TokenExpirySecs) * time.Second
	token, _, err := auth.MintToken(s.secret, req.DeviceID, mobileID, "", ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Single-use: a second redeemer races the delete and fails with 401.
	if err := s.store.Delete(req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("pairing code redeemed", "device_id", req.DeviceID, "mobile_id", mobileID)
	writeData(w, http.StatusOK, map[string]any{
		"token":       token,
		"expires_in":  s.cfg.TokenExpirySecs,
		"device_name": code.DeviceName,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
		return
	}
	claims, err := auth.VerifyToken(s.secret, strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	data := map[string]any{
		"device_id":  claims.DeviceID,
		"mobile_id":  claims.MobileID,
		"session_id": claims.SessionID,
	}
	// Registered claims are optional in the envelope; a token without them
	// still verified above.
	if claims.IssuedAt != nil {
		data["issued_at"] = claims.IssuedAt.UnixMilli()
	}
	if claims.ExpiresAt != nil {
		data["expires_at"] = claims.ExpiresAt.UnixMilli()
	}
	writeData(w, http.StatusOK, data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if !auth.ValidDeviceID(deviceID) {
		writeError(w, http.StatusBadRequest, "malformed device_id")
		return
	}

	room := s.rooms.Get(deviceID)
	if room == nil {
		writeData(w, http.StatusOK, RoomStatus{
			DeviceID:          deviceID,
			MobileAttachments: []MobileAttachment{},
		})
		return
	}
	writeData(w, http.StatusOK, room.Status())
}

// requestOrigin reconstructs the externally visible origin of the relay,
// honoring the proxy's forwarded proto.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
