package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Heartbeat probe interval. Any inbound frame counts as liveness.
	pingPeriod = 30 * time.Second

	// A peer silent for two probes is dead.
	pongWait = 2 * pingPeriod

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// highWatermark is the unflushed outbound byte ceiling. Synthesized
	// audio can far exceed the drain rate of a client on a lossy network;
	// past this point the connection is closed rather than buffered further.
	highWatermark = 8 << 20

	sendQueueSize = 256
)

// ErrBackpressure is returned by Send once the connection has been closed
// for exceeding the outbound high watermark.
var ErrBackpressure = errors.New("outbound backpressure limit exceeded")

// ErrConnectionClosed is returned by Send after the connection went away.
// The session controller keeps running until its disconnect event lands, so
// late sends are expected and harmless.
var ErrConnectionClosed = errors.New("connection closed")

// SessionHandler receives the decoded inbound traffic of one connection.
// HandleDisconnect is invoked exactly once, whatever ends the connection.
type SessionHandler interface {
	HandleAudio(pcm []byte)
	HandlePlaybackDone()
	HandleInterrupt()
	HandleDisconnect()
}

// Client owns one wire connection: the read and write pumps, the heartbeat,
// and the unflushed-byte accounting behind the backpressure check. Session
// logic lives entirely in the handler.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of marshalled outbound frames. Never closed; the
	// session controller may still call Send after the socket is gone, and
	// a closed channel would turn that into a panic. writePump exits via
	// quit instead.
	send chan []byte
	quit chan struct{}

	// Bytes enqueued but not yet written to the socket.
	buffered atomic.Int64

	handler SessionHandler

	closed    atomic.Bool
	closeOnce sync.Once

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// RemoteAddr identifies the connection in logs.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Client) start(handler SessionHandler) {
	c.handler = handler
	c.hub.register <- c

	if err := c.Send(c.hub.config); err != nil {
		c.logger.Error("Failed to send config descriptor", zap.Error(err))
	}

	go c.writePump()
	go c.readPump()
}

// Send marshals one outbound message and enqueues it. It never blocks: a
// connection that cannot drain rises past the high watermark or fills the
// send queue, and either way is closed with the dedicated backpressure code.
func (c *Client) Send(v interface{}) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	if c.buffered.Load()+int64(len(payload)) > highWatermark {
		c.CloseWithCode(CloseCodeBackpressure, "outbound buffer exceeded high watermark")
		return ErrBackpressure
	}

	select {
	case c.send <- payload:
		c.buffered.Add(int64(len(payload)))
		return nil
	default:
		c.CloseWithCode(CloseCodeBackpressure, "outbound queue full")
		return ErrBackpressure
	}
}

// Overloaded reports the would-block-soon condition. The controller consults
// it before emitting an audio chunk and prefers closing over silent drops,
// which would desynchronize slot indexing.
func (c *Client) Overloaded() bool {
	return c.buffered.Load() > highWatermark
}

// CloseOverloaded closes the connection with the backpressure code.
func (c *Client) CloseOverloaded(reason string) {
	c.CloseWithCode(CloseCodeBackpressure, reason)
}

// CloseWithCode sends a close frame and tears the connection down. Safe to
// call from any goroutine, exactly-once.
func (c *Client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		message := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			c.logger.Debug("Failed to write close frame", zap.Error(err))
		}
		c.conn.Close()
		c.logger.Info("Connection closed",
			zap.String("remote", c.RemoteAddr()),
			zap.Int("code", code),
			zap.String("reason", reason))
	})
}

// readPump decodes inbound frames and forwards them to the handler. Exit,
// for whatever reason, runs the disconnect path exactly once.
func (c *Client) readPump() {
	defer func() {
		c.closed.Store(true)
		c.handler.HandleDisconnect()
		c.hub.unregister <- c
		c.conn.Close()
		close(c.quit)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Any inbound frame counts as liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		inbound, err := DecodeInbound(raw)
		if err != nil {
			// Protocol violation: report it and keep the connection.
			c.logger.Warn("Rejected inbound message", zap.Error(err))
			if sendErr := c.Send(NewErrorMessage(err.Error())); sendErr != nil {
				return
			}
			continue
		}

		switch inbound.Type {
		case MessageTypeAudio:
			c.handler.HandleAudio(inbound.PCM)
		case MessageTypePlaybackDone:
			c.handler.HandlePlaybackDone()
		case MessageTypeInterrupt:
			c.handler.HandleInterrupt()
		case MessageTypePing:
			if err := c.Send(NewPongMessage()); err != nil {
				return
			}
		}
	}
}

// writePump drains the send queue to the socket and drives the heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, payload)
			c.buffered.Add(-int64(len(payload)))
			if err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-c.quit:
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
