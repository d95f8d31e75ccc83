package client

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// WSClient is a Client over one gorilla websocket connection.
type WSClient struct {
	*conn
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewWS wraps an upgraded websocket connection and starts its pumps.
func NewWS(ws *websocket.Conn, timing config.Timing, log *slog.Logger) *WSClient {
	c := &WSClient{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	c.conn = newConn(c, timing, log)

	go c.writePump()
	go c.readPump()
	c.startHeartbeat()
	return c
}

func (c *WSClient) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return errors.New("send queue full")
	}
}

func (c *WSClient) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// readPump pumps frames from the socket into the shared demultiplexer.
func (c *WSClient) readPump() {
	defer c.kill()
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws read error", "err", err)
			}
			return
		}
		c.handleRaw(message)
	}
}

// writePump serializes all socket writes onto one goroutine.
func (c *WSClient) writePump() {
	defer c.ws.Close()
	for {
		select {
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.kill()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
