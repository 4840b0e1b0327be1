package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/climanger/relay/internal/logger"
	"github.com/climanger/relay/internal/ws"
)

const (
	roleHost   = "host"
	roleMobile = "mobile"

	writeTimeout = 10 * time.Second
	// How long a terminal_output forward may wait on a slow mobile before
	// the mobile is dropped. The host read loop never blocks past this.
	defaultSlowConsumerTimeout = 5 * time.Second
)

// Mobile fan-out rate: sustained bytes/sec and burst per mobile socket.
const (
	defaultMobileRate  = 256 * 1024
	defaultMobileBurst = 1024 * 1024
)

// Attachment is the per-socket metadata persisted onto the socket itself.
// It is the ground truth the room falls back to when its in-memory maps are
// empty after a suspend/restart cycle.
type Attachment struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	MobileID     string `json:"mobile_id,omitempty"`
	ConnectedAt  int64  `json:"connected_at"`
	LastActivity int64  `json:"last_activity"`
	DeviceName   string `json:"device_name,omitempty"`
	PublicKey    string `json:"public_key,omitempty"`
}

// conn wraps one live WebSocket and its serialized attachment.
type conn struct {
	id   string
	sock *websocket.Conn

	attMu      sync.Mutex
	attachment []byte // JSON-serialized Attachment

	limiter      *rate.Limiter // mobiles only
	limiterBurst int
}

func (c *conn) serializeAttachment(a Attachment) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	c.attMu.Lock()
	c.attachment = data
	c.attMu.Unlock()
}

func (c *conn) deserializeAttachment() (Attachment, bool) {
	c.attMu.Lock()
	data := c.attachment
	c.attMu.Unlock()
	var a Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return Attachment{}, false
	}
	return a, true
}

func (c *conn) touch(now int64) {
	a, ok := c.deserializeAttachment()
	if !ok {
		return
	}
	a.LastActivity = now
	c.serializeAttachment(a)
}

// send writes one message, stamping the server timestamp. The write has a
// hard timeout so a dead peer cannot wedge a room callback.
func (c *conn) send(ctx context.Context, m *ws.Message) error {
	m.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

// Room multiplexes one host socket against up to maxMobiles mobile sockets
// for a single device identifier. The host/mobiles maps are caches: the
// sockets map plus each socket's serialized attachment is the truth, and
// every lookup falls back to rescanning it.
type Room struct {
	deviceID   string
	maxMobiles int

	mu         sync.Mutex
	deviceName string
	publicKey  string
	host       *conn            // cache
	mobiles    map[string]*conn // cache: mobile_id → conn
	sockets    map[string]*conn // live socket registry: connection_id → conn
	pending    int              // reserved mobile slots not yet attached

	// Backpressure settings applied to mobiles attached after a change.
	outputRate  rate.Limit
	outputBurst int
	slowTimeout time.Duration
}

func newRoom(deviceID string, maxMobiles int) *Room {
	return &Room{
		deviceID:    deviceID,
		maxMobiles:  maxMobiles,
		mobiles:     make(map[string]*conn),
		sockets:     make(map[string]*conn),
		outputRate:  defaultMobileRate,
		outputBurst: defaultMobileBurst,
		slowTimeout: defaultSlowConsumerTimeout,
	}
}

// setOutputLimit tunes the per-mobile fan-out meter. Affects mobiles that
// attach afterwards.
func (r *Room) setOutputLimit(limit rate.Limit, burst int, timeout time.Duration) {
	r.mu.Lock()
	r.outputRate = limit
	r.outputBurst = burst
	r.slowTimeout = timeout
	r.mu.Unlock()
}

// dropCache simulates hibernation: in-memory routing state is discarded
// while live sockets and their attachments survive.
func (r *Room) dropCache() {
	r.mu.Lock()
	r.host = nil
	r.mobiles = make(map[string]*conn)
	r.deviceName = ""
	r.publicKey = ""
	r.mu.Unlock()
}

// lookupHost returns the host conn, rebuilding the cache from live socket
// attachments on a miss. Callers hold r.mu.
func (r *Room) lookupHost() *conn {
	if r.host != nil {
		return r.host
	}
	for _, c := range r.sockets {
		a, ok := c.deserializeAttachment()
		if !ok || a.Role != roleHost {
			continue
		}
		r.host = c
		if r.deviceName == "" {
			r.deviceName = a.DeviceName
		}
		if r.publicKey == "" {
			r.publicKey = a.PublicKey
		}
		return c
	}
	return nil
}

// lookupMobile returns the conn for a mobile id, scanning live sockets on a
// cache miss. Callers hold r.mu.
func (r *Room) lookupMobile(mobileID string) *conn {
	if c, ok := r.mobiles[mobileID]; ok {
		return c
	}
	for _, c := range r.sockets {
		a, ok := c.deserializeAttachment()
		if !ok || a.Role != roleMobile {
			continue
		}
		r.mobiles[a.MobileID] = c
		if a.MobileID == mobileID {
			return c
		}
	}
	return r.mobiles[mobileID]
}

// liveMobiles enumerates mobile sockets from the registry, never the cache.
// Callers hold r.mu.
func (r *Room) liveMobiles() []*conn {
	var out []*conn
	for _, c := range r.sockets {
		if a, ok := c.deserializeAttachment(); ok && a.Role == roleMobile {
			out = append(out, c)
		}
	}
	return out
}

// reserveMobile claims a mobile slot ahead of the WebSocket upgrade so that
// concurrent connects cannot overshoot the cap. Release with releaseMobile
// if the upgrade fails.
func (r *Room) reserveMobile() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.liveMobiles())+r.pending >= r.maxMobiles {
		return false
	}
	r.pending++
	return true
}

func (r *Room) releaseMobile() {
	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mu.Unlock()
}

// attachHost registers a new host socket. An existing host is displaced
// with a 1000 close first; only one host per room.
func (r *Room) attachHost(ctx context.Context, c *conn) {
	now := time.Now().UnixMilli()
	c.serializeAttachment(Attachment{
		ConnectionID: c.id,
		Role:         roleHost,
		ConnectedAt:  now,
		LastActivity: now,
	})

	r.mu.Lock()
	prev := r.lookupHost()
	if prev != nil {
		delete(r.sockets, prev.id)
	}
	r.host = c
	r.sockets[c.id] = c
	r.mu.Unlock()

	if prev != nil {
		logger.Info("host replaced", "device_id", r.deviceID, "connection_id", prev.id)
		prev.sock.Close(websocket.StatusNormalClosure, ws.CloseReasonReplaced)
	}
}

// attachMobile registers a mobile socket under a reserved slot.
func (r *Room) attachMobile(ctx context.Context, c *conn, mobileID string) {
	now := time.Now().UnixMilli()
	r.mu.Lock()
	c.limiter = rate.NewLimiter(r.outputRate, r.outputBurst)
	c.limiterBurst = r.outputBurst
	r.mu.Unlock()
	c.serializeAttachment(Attachment{
		ConnectionID: c.id,
		Role:         roleMobile,
		MobileID:     mobileID,
		ConnectedAt:  now,
		LastActivity: now,
	})

	r.mu.Lock()
	if r.pending > 0 {
		r.pending--
	}
	r.mobiles[mobileID] = c
	r.sockets[c.id] = c
	host := r.lookupHost()
	r.mu.Unlock()

	if host != nil {
		host.send(ctx, ws.New(ws.TypeMobileConnected, ws.MobileEventPayload{MobileID: mobileID}))
	}
}

// onMessage routes one inbound frame. Every path tolerates empty in-memory
// maps by falling back to the socket registry.
func (r *Room) onMessage(ctx context.Context, c *conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("room callback panic", "device_id", r.deviceID, "panic", rec)
		}
	}()

	msg, err := ws.Decode(data)
	if err != nil {
		logger.Warn("bad message", "device_id", r.deviceID, "error", err)
		return
	}

	att, ok := c.deserializeAttachment()
	if !ok {
		return
	}
	c.touch(time.Now().UnixMilli())

	switch msg.Type {
	case ws.TypeRegister:
		if att.Role != roleHost {
			return
		}
		var reg ws.RegisterPayload
		if err := ws.DecodePayload(msg, &reg); err != nil {
			return
		}
		r.mu.Lock()
		if reg.DeviceName != "" {
			r.deviceName = reg.DeviceName
		}
		if reg.PublicKey != "" {
			r.publicKey = reg.PublicKey
		}
		r.mu.Unlock()
		// Persist onto the socket so a wake-up recovers the metadata.
		att.DeviceName = reg.DeviceName
		att.PublicKey = reg.PublicKey
		c.serializeAttachment(att)
		c.send(ctx, ws.New(ws.TypeRegistered, ws.RegisteredPayload{Success: true}))

	case ws.TypePing:
		c.send(ctx, ws.New(ws.TypePong, map[string]any{"time": time.Now().UnixMilli()}))

	case ws.TypeWorkspaceList, ws.TypeSessionCreate:
		if att.Role != roleMobile {
			return
		}
		r.forwardToHost(ctx, msg, "request_from", att.MobileID)

	case ws.TypeSessionClose:
		// Mobiles request a close; the host reports one (process exit).
		if att.Role == roleMobile {
			r.forwardToHost(ctx, msg, "request_from", att.MobileID)
		} else {
			r.forwardToMobile(ctx, msg, "request_to")
		}

	case ws.TypeTerminalInput, ws.TypeTerminalResize:
		if att.Role != roleMobile {
			return
		}
		r.forwardToHost(ctx, msg, "from", att.MobileID)

	case ws.TypeWorkspaceData, ws.TypeSessionCreated:
		if att.Role != roleHost {
			return
		}
		r.forwardToMobile(ctx, msg, "request_to")

	case ws.TypeTerminalOutput:
		if att.Role != roleHost {
			return
		}
		r.forwardToMobile(ctx, msg, "to")

	case ws.TypeMobileDisconnect:
		if att.Role != roleMobile {
			return
		}
		c.sock.Close(websocket.StatusNormalClosure, "client requested disconnect")

	default:
		logger.Warn("unknown message type", "device_id", r.deviceID, "type", msg.Type)
	}
}

// forwardToHost injects the sender's mobile id under key and relays to the
// host. A missing host is a routing miss: the message is dropped silently.
func (r *Room) forwardToHost(ctx context.Context, msg *ws.Message, key, mobileID string) {
	r.mu.Lock()
	host := r.lookupHost()
	r.mu.Unlock()
	if host == nil {
		return
	}
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = mobileID
	if err := host.send(ctx, msg); err != nil {
		logger.Warn("forward to host failed", "device_id", r.deviceID, "error", err)
	}
}

// forwardToMobile reads and strips the addressing key, then relays to the
// named mobile. Unknown targets are dropped silently (reconnect races).
func (r *Room) forwardToMobile(ctx context.Context, msg *ws.Message, key string) {
	target, _ := msg.Payload[key].(string)
	if target == "" {
		return
	}
	delete(msg.Payload, key)

	r.mu.Lock()
	mobile := r.lookupMobile(target)
	timeout := r.slowTimeout
	r.mu.Unlock()
	if mobile == nil {
		return
	}

	if msg.Type == ws.TypeTerminalOutput && mobile.limiter != nil {
		if data, ok := msg.Payload["data"].(string); ok {
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			err := mobile.limiter.WaitN(waitCtx, min(len(data), mobile.limiterBurst))
			cancel()
			if err != nil {
				r.dropSlowMobile(ctx, mobile, target)
				return
			}
		}
	}

	if err := mobile.send(ctx, msg); err != nil {
		logger.Warn("forward to mobile failed", "device_id", r.deviceID, "mobile_id", target, "error", err)
	}
}

// dropSlowMobile disconnects a mobile that cannot keep up with PTY output.
func (r *Room) dropSlowMobile(ctx context.Context, mobile *conn, mobileID string) {
	logger.Warn("dropping slow mobile", "device_id", r.deviceID, "mobile_id", mobileID)
	mobile.send(ctx, ws.New(ws.TypeError, ws.ErrorPayload{Message: "slow consumer"}))
	mobile.sock.Close(websocket.StatusPolicyViolation, "slow consumer")
}

// onClose handles a socket departure. Host-gone fans an error and a clean
// close to every mobile; mobile-gone notifies the host.
func (r *Room) onClose(ctx context.Context, c *conn) {
	att, hasAtt := c.deserializeAttachment()

	r.mu.Lock()
	_, live := r.sockets[c.id]
	delete(r.sockets, c.id)
	if !live || !hasAtt {
		// Already displaced or torn down by another path.
		r.mu.Unlock()
		return
	}
	switch att.Role {
	case roleHost:
		mobiles := r.liveMobiles()
		for _, m := range mobiles {
			delete(r.sockets, m.id)
		}
		r.host = nil
		r.mobiles = make(map[string]*conn)
		r.mu.Unlock()

		for _, m := range mobiles {
			m.send(ctx, ws.New(ws.TypeError, ws.ErrorPayload{Message: "Desktop disconnected"}))
			m.sock.Close(websocket.StatusNormalClosure, "desktop disconnected")
		}
		logger.Info("host disconnected", "device_id", r.deviceID, "mobiles_closed", len(mobiles))

	case roleMobile:
		delete(r.mobiles, att.MobileID)
		host := r.lookupHost()
		r.mu.Unlock()

		if host != nil {
			host.send(ctx, ws.New(ws.TypeMobileDisconnect, ws.MobileEventPayload{MobileID: att.MobileID}))
		}
		logger.Info("mobile disconnected", "device_id", r.deviceID, "mobile_id", att.MobileID)

	default:
		r.mu.Unlock()
	}
}

// onError logs a transport error; the read loop's exit runs onClose.
func (r *Room) onError(c *conn, err error) {
	logger.Warn("socket error", "device_id", r.deviceID, "connection_id", c.id, "error", err)
}

// MobileAttachment is one row of the status snapshot.
type MobileAttachment struct {
	MobileID     string `json:"mobile_id"`
	ConnectedAt  int64  `json:"connected_at"`
	LastActivity int64  `json:"last_activity"`
}

// RoomStatus is the point-in-time snapshot returned by the status endpoint.
type RoomStatus struct {
	DeviceID          string             `json:"device_id"`
	DeviceName        string             `json:"device_name"`
	HostConnected     bool               `json:"host_connected"`
	MobileAttachments []MobileAttachment `json:"mobile_attachments"`
	TotalSockets      int                `json:"total_sockets"`
}

// Status builds the snapshot by enumerating live sockets and their
// attachments, not the cache.
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RoomStatus{
		DeviceID:          r.deviceID,
		MobileAttachments: []MobileAttachment{},
		TotalSockets:      len(r.sockets),
	}
	for _, c := range r.sockets {
		a, ok := c.deserializeAttachment()
		if !ok {
			continue
		}
		switch a.Role {
		case roleHost:
			st.HostConnected = true
			if st.DeviceName == "" {
				st.DeviceName = a.DeviceName
			}
		case roleMobile:
			st.MobileAttachments = append(st.MobileAttachments, MobileAttachment{
				MobileID:     a.MobileID,
				ConnectedAt:  a.ConnectedAt,
				LastActivity: a.LastActivity,
			})
		}
	}
	if st.DeviceName == "" {
		st.DeviceName = r.deviceName
	}
	return st
}

// Rooms is the registry of device rooms, one per device identifier.
type Rooms struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	maxMobiles int
}

func NewRooms(maxMobiles int) *Rooms {
	return &Rooms{
		rooms:      make(map[string]*Room),
		maxMobiles: maxMobiles,
	}
}

func (rs *Rooms) GetOrCreate(deviceID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rooms[deviceID]
	if !ok {
		r = newRoom(deviceID, rs.maxMobiles)
		rs.rooms[deviceID] = r
	}
	return r
}

func (rs *Rooms) Get(deviceID string) *Room {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rooms[deviceID]
}
