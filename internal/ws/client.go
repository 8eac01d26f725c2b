// Package ws is the push transport: one websocket per viewing session,
// subscriptions relayed into the registry, deltas fanned out through a
// buffered send channel.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/protocol"
	"github.com/oddslive/relay/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StateProvider answers initial full-state fetches.
type StateProvider interface {
	InitialState(gameIDs []string) []game.Snapshot
}

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	registry *registry.Registry
	state    StateProvider
	logger   *zap.Logger
}

func NewHandler(reg *registry.Registry, state StateProvider, logger *zap.Logger) *Handler {
	return &Handler{registry: reg, state: state, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		sessionID: uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		handler:   h,
		logger:    h.logger,
	}

	h.registry.Register(client.sessionID, &wsSink{client: client})
	h.logger.Debug("websocket session opened",
		zap.String("sessionID", client.sessionID),
		zap.String("remoteAddr", r.RemoteAddr),
	)

	go client.writePump()
	go client.readPump()
}

// Client represents one websocket session.
type Client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	handler   *Handler
	logger    *zap.Logger
	closeOnce sync.Once
}

// wsSink adapts a Client to the registry's non-blocking sink.
type wsSink struct {
	client *Client
}

func (s *wsSink) Send(_ game.Delta, frame []byte) bool {
	select {
	case s.client.send <- frame:
		return true
	default:
		return false
	}
}

func (s *wsSink) Close() {
	s.client.close()
}

// close tears the connection down exactly once. The registry drop happens
// in readPump so a sink-initiated close and a peer disconnect converge on
// the same path.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump reads messages from the websocket connection.
func (c *Client) readPump() {
	defer func() {
		c.handler.registry.Drop(c.sessionID)
		c.close()
		c.logger.Debug("websocket session closed",
			zap.String("sessionID", c.sessionID),
		)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("sessionID", c.sessionID),
					zap.Error(err),
				)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("sessionID", c.sessionID),
					zap.Error(err),
				)
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

// handleMessage processes one inbound frame. A malformed request is
// answered with a request-scoped error on this session only; registry
// state for other sessions is unaffected.
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.logger.Debug("rejecting malformed client message",
			zap.String("sessionID", c.sessionID),
			zap.Error(err),
		)
		c.trySend(protocol.EncodeError(err.Error()))
		return
	}

	switch m := msg.(type) {
	case protocol.Subscribe:
		if err := c.handler.registry.Join(c.sessionID, m.GameIDs); err != nil {
			c.trySend(protocol.EncodeError(err.Error()))
		}

	case protocol.Unsubscribe:
		if err := c.handler.registry.Leave(c.sessionID, m.GameIDs); err != nil {
			c.trySend(protocol.EncodeError(err.Error()))
		}

	case protocol.InitialRequest:
		frame, err := protocol.EncodeInitial(c.handler.state.InitialState(m.GameIDs))
		if err != nil {
			c.logger.Error("encoding initial state", zap.Error(err))
			return
		}
		c.trySend(frame)
	}
}

// trySend queues a frame without blocking; a full buffer means the session
// is already being torn down as slow.
func (c *Client) trySend(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}
