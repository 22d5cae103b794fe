package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dkirby-ms/tilemud-sub004/internal/game/room"
	"github.com/dkirby-ms/tilemud-sub004/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	sendBufferSize = 64
)

// Conn is the minimal websocket surface the gateway drives, satisfied by
// *websocket.Conn and by in-memory fakes in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one attached realtime connection. It implements room.Sink so
// a room can fan events straight into the connection's send buffer.
type Client struct {
	sessionID string
	userID    string
	charID    string
	conn      Conn
	send      chan []byte
	done      chan struct{}
	logger    *zap.Logger
}

func newClient(sessionID, userID, charID string, conn Conn, logger *zap.Logger) *Client {
	return &Client{
		sessionID: sessionID,
		userID:    userID,
		charID:    charID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// SessionID returns the session this connection is bound to.
func (c *Client) SessionID() string { return c.sessionID }

// Send implements room.Sink. Room events are forwarded verbatim inside the
// standard envelope. A full buffer drops the event rather than blocking
// the room's fan-out.
func (c *Client) Send(event room.Event) {
	raw, err := protocol.Encode(event.Type, event.Payload)
	if err != nil {
		c.logger.Error("encoding room event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	c.enqueue(raw)
}

// sendMessage encodes and buffers one protocol message.
func (c *Client) sendMessage(msgType string, payload any) {
	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.logger.Error("encoding message", zap.String("type", msgType), zap.Error(err))
		return
	}
	c.enqueue(raw)
}

func (c *Client) enqueue(raw []byte) {
	select {
	case <-c.done:
	case c.send <- raw:
	default:
		c.logger.Warn("dropping event for slow consumer",
			zap.String("session_id", c.sessionID))
	}
}

// writePump flushes the send buffer to the socket and keeps the
// connection alive with pings. Runs as one goroutine per client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// decodePayload unmarshals an intent payload, reporting malformed JSON.
func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
