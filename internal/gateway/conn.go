// conn.go is the per-socket read/write pump, adapted from the
// teacher's internal/websocket/client.go: one goroutine draining
// inbound frames into the router, one draining a buffered outbound
// channel into the wire, a ping/pong keepalive, and a bounded send
// buffer so one slow client can't block the rest of the process.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"sentinelchat/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 64
)

// Conn wraps one gorilla/websocket connection. It implements
// socketWriter for the Hub.
type Conn struct {
	SocketID string
	ws       *websocket.Conn
	send     chan OutboundFrame
	router   *Router
	log      *logger.Logger
	logCtx   context.Context
	closed   chan struct{}
}

func newConn(socketID string, ws *websocket.Conn, router *Router, log *logger.Logger, logCtx context.Context) *Conn {
	return &Conn{
		SocketID: socketID,
		ws:       ws,
		send:     make(chan OutboundFrame, sendBufferSize),
		router:   router,
		log:      log,
		logCtx:   logCtx,
		closed:   make(chan struct{}),
	}
}

func (c *Conn) WriteFrame(frame OutboundFrame) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return nil
	default:
		// send buffer full: this socket is too slow, drop the frame
		// rather than block every other goroutine publishing to it.
		c.log.WithContext(c.logCtx).Sugar().Warnw("conn: send buffer full, dropping frame", "socketId", c.SocketID, "frameType", frame.Type)
		return nil
	}
}

func (c *Conn) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		_ = c.ws.Close()
	}
}

// readPump decodes inbound frames and hands them to the router until
// the connection closes. Runs on the goroutine that called
// handleUpgrade.
func (c *Conn) readPump() {
	defer func() {
		c.router.handleDisconnect(c.SocketID)
		c.Close()
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame InboundFrame
		if jerr := json.Unmarshal(data, &frame); jerr != nil {
			c.WriteFrame(errorFrame("", badFrameErr(jerr)))
			continue
		}
		c.router.Dispatch(c.SocketID, frame, c)
	}
}

// writePump drains the outbound channel to the wire and sends
// keepalive pings, adapted from the same teacher pump loop.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
