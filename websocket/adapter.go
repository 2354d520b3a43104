package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imbridge-server/domain"
	"imbridge-server/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
	cleanupTimeout = 10 * time.Second
)

var (
	ErrQueueFull = errors.New("send queue full")
	ErrClosed    = errors.New("connection closed")
)

type Conn struct {
	id       string
	deviceID string
	ws       *websocket.Conn
	handler  domain.SessionHandler

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewConn(id, deviceID string, ws *websocket.Conn, h domain.SessionHandler) *Conn {
	return &Conn{
		id:       id,
		deviceID: deviceID,
		ws:       ws,
		handler:  h,
		send:     make(chan []byte, sendBuffer),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) DeviceID() string { return c.deviceID }

// Deliver is the relay handler: it encodes ev and queues it for the client
// without blocking.
func (c *Conn) Deliver(ev domain.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// finish closes the send queue once; the write pump then sends a close
// frame after draining what is queued.
func (c *Conn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Serve runs the connection until the client goes away or ctx is done.
// A rejected connection gets its queued error frame and is then closed.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	if err := c.handler.Open(ctx, c); err != nil {
		c.finish()
		<-done
		return
	}

	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-done:
		}
	}()

	c.readPump(ctx)

	cancel()
	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	c.handler.Close(cleanupCtx, c)
	cleanupCancel()

	c.finish()
	<-done
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "deviceId", c.deviceID, "clientId", c.id, "error", err)
			}
			return
		}

		c.handler.Handle(ctx, c, data)
	}
}

// writePump is the only writer on the socket. It drains the send queue in
// order and, once the queue is closed, says goodbye with a normal close frame.
func (c *Conn) writePump() {
	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()
	defer c.ws.Close()

	for {
		var err error
		select {
		case frame, open := <-c.send:
			if !open {
				c.sendClose()
				return
			}
			err = c.write(websocket.TextMessage, frame)
		case <-keepalive.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			slog.Debug("write failed", "deviceId", c.deviceID, "clientId", c.id, "error", err)
			return
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

func (c *Conn) sendClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		slog.Debug("close frame not sent", "deviceId", c.deviceID, "clientId", c.id, "error", err)
	}
}
