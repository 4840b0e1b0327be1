package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/climanger/relay/internal/logger"
)

// ErrReplaced is returned when the relay displaces this host connection
// because another host registered for the same device.
var ErrReplaced = errors.New("relay replaced this host connection")

const (
	pingInterval      = 30 * time.Second
	clientWriteLimit  = 10 * time.Second
	maxReconnectDelay = 10 * time.Second
)

// MessageHandler receives every decoded relay message. The write function
// sends messages back through the relay.
type MessageHandler func(ctx context.Context, msg *Message, write WriteFunc)

// WriteFunc sends a message to the relay over the host's WebSocket.
type WriteFunc func(msg *Message) error

// Client is the host's persistent outbound connection to the relay. It
// registers on connect, keeps the room alive with pings, and reconnects
// with exponential backoff.
type Client struct {
	RelayURL   string // e.g. "wss://relay.example.com/connect/swift-tiger-42?type=host"
	DeviceID   string
	DeviceName string
	PublicKey  string

	OnMessage     MessageHandler
	OnStateChange func(state string, err error)

	mu   sync.Mutex
	conn *websocket.Conn
}

// Run connects and serves until ctx is cancelled. Returns ErrReplaced when
// another host takes over the device room.
func (c *Client) Run(ctx context.Context) error {
	c.notify("connecting", nil)
	delay := time.Second
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notify("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrReplaced) {
			c.notify("replaced", err)
			return err
		}
		if connected {
			delay = time.Second
		}
		c.notify("disconnected", err)
		logger.Warn("relay disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notify("connecting", nil)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) notify(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.RelayURL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(512 * 1024)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true

	reg := New(TypeRegister, RegisterPayload{
		DeviceID:   c.DeviceID,
		DeviceName: c.DeviceName,
		PublicKey:  c.PublicKey,
	})
	if err := c.Send(ctx, reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	write := func(msg *Message) error { return c.Send(ctx, msg) }

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure && ce.Reason == CloseReasonReplaced {
				return connected, ErrReplaced
			}
			return connected, fmt.Errorf("read: %w", err)
		}

		msg, derr := Decode(data)
		if derr != nil {
			logger.Warn("bad relay message", "error", derr)
			continue
		}

		switch msg.Type {
		case TypeRegistered:
			logger.Info("registered with relay", "device_id", c.DeviceID)
			c.notify("connected", nil)
		case TypePong:
			// keep-alive answer, nothing to do
		case TypeError:
			var ep ErrorPayload
			DecodePayload(msg, &ep)
			logger.Warn("relay error", "message", ep.Message)
		default:
			if c.OnMessage != nil {
				c.OnMessage(ctx, msg, write)
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(ctx, New(TypePing, nil)); err != nil {
				return
			}
		}
	}
}

// Send writes one message to the relay with a bounded timeout.
func (c *Client) Send(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, clientWriteLimit)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
