package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/hexrelay/internal/relay"
	"github.com/Tyrowin/hexrelay/internal/store"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
)

// Client is one WebSocket subscriber bound to a single room.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	service        *relay.Service
	room           string
	addr           string
	closed         bool
	maxMessageSize int64
	budget         *frameBudget
	log            *zap.Logger
}

// NewClient builds a subscriber for room on conn. conn may be nil in tests
// that drive the hub directly.
func NewClient(conn *websocket.Conn, hub *Hub, service *relay.Service, room, addr string, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxWSMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		service:        service,
		room:           room,
		addr:           addr,
		maxMessageSize: cfg.MaxWSMessageSize,
		budget:         newFrameBudget(cfg.RateLimit),
		log:            log.With(zap.String("room", room), zap.String("remote_addr", addr)),
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs err at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("frame exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure):
		c.log.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("client connection closed", zap.Error(err))
	default:
		c.log.Info("websocket read error", zap.Error(err))
	}
}

func (c *Client) checkRateLimit() bool {
	if c.budget == nil {
		return true
	}
	ok, rejected := c.budget.spend()
	if !ok && rejected == 1 {
		c.log.Info("frame rate exceeded; discarding frames until the bucket refills",
			zap.Int("burst", c.budget.cfg.Burst),
			zap.Duration("refill_interval", c.budget.cfg.RefillInterval),
		)
	}
	return ok
}

// processFrame dispatches one inbound frame. Malformed or unknown frames are
// dropped without a reply.
func (c *Client) processFrame(raw []byte) {
	frame, err := parseInbound(raw)
	if err != nil {
		c.log.Debug("dropping undecodable frame", zap.Error(err))
		return
	}

	switch frame.kind() {
	case inboundFetch:
		c.handleFetch(frame.SinceID)
	case inboundNewMessage:
		c.handleNewMessage(frame)
	case inboundUnknown:
		c.log.Debug("dropping unknown frame", zap.String("action", frame.Action), zap.String("type", frame.Type))
	}
}

func (c *Client) handleFetch(sinceID *int64) {
	q := store.Query{SinceID: sinceID, Sort: store.SortID, Order: store.Asc, Limit: historyLimit}
	if sinceID != nil && *sinceID <= 0 {
		q.SinceID = nil
	}

	msgs, err := c.service.History(context.Background(), c.room, q)
	if err != nil {
		c.log.Warn("history fetch failed", zap.Error(err))
		return
	}

	payload, err := encodeHistory(msgs)
	if err != nil {
		c.log.Error("encode history failed", zap.Error(err))
		return
	}
	if !c.hub.safeSend(c, payload) {
		c.log.Debug("history reply dropped")
	}
}

// handleNewMessage stores and broadcasts the envelope. The sender receives
// its own message through the broadcast like every other subscriber.
func (c *Client) handleNewMessage(frame inboundFrame) {
	_, err := c.service.Post(context.Background(), c.room, frame.Envelope)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrRoomNuked):
		c.log.Debug("write to nuked room dropped")
	default:
		c.log.Debug("dropping rejected message", zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.hub.ctx.Done():
		return false
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame, or the close frame once the hub has
// closed the send channel.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes message as its own frame, followed by whatever is
// already queued. Each frame carries exactly one JSON document.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.log.Debug("error writing message", zap.Error(err))
		return false
	}
	return c.writeQueuedMessages()
}

func (c *Client) writeQueuedMessages() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Debug("error writing queued message", zap.Error(err))
			return false
		}
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}

// rejectNuked tells a subscriber that its room is gone and closes the
// connection without registering it.
func (c *Client) rejectNuked() {
	defer c.closeConnection()

	payload, err := encodeRoomNuked(c.room, 0)
	if err != nil {
		c.log.Error("encode room_nuked failed", zap.Error(err))
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug("error writing room_nuked", zap.Error(err))
		return
	}
	c.writeCloseMessage()
}
