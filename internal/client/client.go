package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// Events surfaced to the owner of a client.
const (
	EventMsg   = "msg"   // opaque application event, Data is an events.Event
	EventClose = "close" // fired exactly once, Data is the connection id
)

// Control message types exchanged on the wire beneath the application.
const (
	ctrlSession = "session"
	ctrlPing    = "ping"
	ctrlPong    = "pong"
)

// ErrClosed is reported on writes to a dead connection.
var ErrClosed = errors.New("client: connection closed")

// Client is the uniform transport contract. A Session owns a set of these
// and never cares whether the far side is a WebSocket or raw TCP.
type Client interface {
	ID() string
	SessionID() string
	// Send writes one envelope. Failures are returned, never thrown; a
	// destroyed socket reports an immediate error rather than queueing.
	Send(ev events.Event) error
	// SetSession pushes the session id to the wire so the peer can
	// correlate a later reconnect.
	SetSession(sessionID string) error
	UnsetSession() error
	On(eventType string, fn events.Listener) string
	Off(listenerID string)
	Release(eventType string)
	Close()
}

// transport is what a concrete socket must provide to the shared core.
type transport interface {
	writeJSON(v any) error
	close()
}

// conn is the transport-independent half of a connection: envelope
// demultiplexing, the split-frame recombine buffer, and the two-tier
// heartbeat (ping step timeout escalating to a dead-peer timer).
type conn struct {
	id     string
	bus    *events.Emitter
	log    *slog.Logger
	timing config.Timing
	tr     transport

	mu           sync.Mutex
	sessionID    string
	closed       bool
	recombine    []byte
	pingTimer    *time.Timer
	pendingPings map[string]*time.Timer
	deadTimer    *time.Timer
}

func newConn(tr transport, timing config.Timing, log *slog.Logger) *conn {
	c := &conn{
		id:           "conn-" + uuid.NewString(),
		bus:          events.NewEmitter(nil),
		timing:       timing,
		tr:           tr,
		pendingPings: make(map[string]*time.Timer),
	}
	c.log = log.With("conn", c.id)
	return c
}

func (c *conn) ID() string { return c.id }

func (c *conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) On(eventType string, fn events.Listener) string { return c.bus.On(eventType, fn) }
func (c *conn) Off(listenerID string)                          { c.bus.Off(listenerID) }
func (c *conn) Release(eventType string)                       { c.bus.Release(eventType) }

func (c *conn) Send(ev events.Event) error {
	return c.write(ev)
}

func (c *conn) SetSession(sessionID string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	return c.write(events.New(ctrlSession, sessionID))
}

func (c *conn) UnsetSession() error {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
	return c.write(events.New(ctrlSession, ""))
}

func (c *conn) write(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	tr := c.tr
	c.mu.Unlock()
	if err := tr.writeJSON(v); err != nil {
		return fmt.Errorf("client write: %w", err)
	}
	return nil
}

// startHeartbeat arms the ping loop. Called by the concrete transport once
// its read loop is running.
func (c *conn) startHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.pingTimer != nil {
		return
	}
	c.pingTimer = time.AfterFunc(c.timing.PingStep, c.sendPing)
}

func (c *conn) sendPing() {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pendingPings[nonce] = time.AfterFunc(c.timing.PingStepTimeout, func() {
		c.pingTimedOut(nonce)
	})
	c.pingTimer = time.AfterFunc(c.timing.PingStep, c.sendPing)
	c.mu.Unlock()

	if err := c.write(events.New(ctrlPing, nonce)); err != nil {
		c.log.Debug("ping write failed", "err", err)
	}
}

// pingTimedOut escalates: the first missed ping arms the dead-peer timer.
// Any pong received before that timer fires disarms it.
func (c *conn) pingTimedOut(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delete(c.pendingPings, nonce)
	if c.deadTimer == nil {
		c.deadTimer = time.AfterFunc(c.timing.SessionTimeout, c.kill)
	}
}

func (c *conn) handlePong(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pendingPings[nonce]; ok {
		t.Stop()
		delete(c.pendingPings, nonce)
	}
	if c.deadTimer != nil {
		c.deadTimer.Stop()
		c.deadTimer = nil
	}
}

// handleRaw frames an inbound chunk. Whole-chunk parse is tried first; a
// partial frame is accumulated and the combined buffer retried, so messages
// split across reads are recovered and garbage is eventually discarded when
// a later complete frame arrives.
func (c *conn) handleRaw(data []byte) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err == nil {
		c.mu.Lock()
		c.recombine = nil
		c.mu.Unlock()
		c.dispatch(ev)
		return
	}

	c.mu.Lock()
	c.recombine = append(c.recombine, data...)
	buf := make([]byte, len(c.recombine))
	copy(buf, c.recombine)
	c.mu.Unlock()

	if err := json.Unmarshal(buf, &ev); err != nil {
		// Still partial; keep buffering. Malformed frames are dropped
		// silently, partial frames are expected on streaming transports.
		return
	}
	c.mu.Lock()
	c.recombine = nil
	c.mu.Unlock()
	c.dispatch(ev)
}

// dispatch routes control messages internally and surfaces everything else
// as an opaque msg to the owner.
func (c *conn) dispatch(ev events.Event) {
	switch ev.Type {
	case ctrlPing:
		var nonce string
		if err := ev.DecodeData(&nonce); err == nil {
			if err := c.write(events.New(ctrlPong, nonce)); err != nil {
				c.log.Debug("pong write failed", "err", err)
			}
		}
	case ctrlPong:
		var nonce string
		if err := ev.DecodeData(&nonce); err == nil {
			c.handlePong(nonce)
		}
	case ctrlSession:
		// The server owns session assignment; an inbound session message
		// is surfaced so the handshake layer can see reconnect attempts.
		c.bus.Emit(events.New(EventMsg, ev))
	default:
		c.bus.Emit(events.New(EventMsg, ev))
	}
}

// kill tears the connection down. Idempotent: socket errors, read-loop
// exits, heartbeat escalation and Close all funnel here, but only the first
// caller does the work.
func (c *conn) kill() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	for _, t := range c.pendingPings {
		t.Stop()
	}
	c.pendingPings = map[string]*time.Timer{}
	if c.deadTimer != nil {
		c.deadTimer.Stop()
		c.deadTimer = nil
	}
	tr := c.tr
	c.mu.Unlock()

	tr.close()
	c.bus.Emit(events.New(EventClose, c.id))
	c.bus.Release("")
}

func (c *conn) Close() { c.kill() }
