// Package session multiplexes 1..N live connections onto one authenticated
// account identity. Inbound events from any attached connection are
// rebroadcast to the account; outbound events fan out to every connection.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/client"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

type connBinding struct {
	conn    client.Client
	msgID   string
	closeID string
}

// Session binds one account to its set of open transport connections. A
// session owns the event bindings of attached connections, not their
// sockets. It closes itself when the last connection detaches and a short
// debounce confirms no new attach arrived.
type Session struct {
	id        string
	accountID string
	timing    config.Timing
	log       *slog.Logger
	bus       *events.Emitter
	onClose   func(*Session)

	mu       sync.Mutex
	conns    map[string]*connBinding
	debounce *time.Timer
	closed   bool
}

// New creates a session for accountID. onClose is invoked exactly once when
// the session tears itself down (or Close is called).
func New(accountID string, timing config.Timing, log *slog.Logger, onClose func(*Session)) *Session {
	s := &Session{
		id:        "sess-" + uuid.NewString(),
		accountID: accountID,
		timing:    timing,
		onClose:   onClose,
		conns:     make(map[string]*connBinding),
	}
	s.log = log.With("session", s.id, "account", accountID)
	s.bus = events.NewEmitter(func(ev events.Event) {
		s.log.Debug("unhandled session event", "type", ev.Type)
	})
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) AccountID() string { return s.accountID }

// On subscribes the account side to inbound client events.
func (s *Session) On(eventType string, fn events.Listener) string {
	return s.bus.On(eventType, fn)
}

func (s *Session) Off(listenerID string) { s.bus.Off(listenerID) }

// Attach binds a connection into the session. The session id is pushed to
// the wire; if that push fails the attach is rolled back and the connection
// is not retained.
func (s *Session) Attach(c client.Client) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s closed", s.id)
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	b := &connBinding{conn: c}
	b.msgID = c.On(client.EventMsg, func(ev events.Event) {
		inner, ok := ev.Data.(events.Event)
		if !ok {
			if e, k := ev.Inner(); k {
				inner = e
			} else {
				return
			}
		}
		s.bus.Emit(inner)
	})
	b.closeID = c.On(client.EventClose, func(events.Event) {
		s.Detach(c.ID())
	})

	if err := c.SetSession(s.id); err != nil {
		c.Off(b.msgID)
		c.Off(b.closeID)
		return fmt.Errorf("session attach: %w", err)
	}

	s.mu.Lock()
	s.conns[c.ID()] = b
	s.mu.Unlock()
	s.log.Debug("connection attached", "conn", c.ID())
	return nil
}

// Detach unbinds a connection and arms the debounce check; if no
// connection remains when it fires, the session closes itself.
func (s *Session) Detach(connID string) {
	s.mu.Lock()
	b, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.timing.SessionDebounce, s.checkEmpty)
	s.mu.Unlock()

	b.conn.Off(b.msgID)
	b.conn.Off(b.closeID)
	s.log.Debug("connection detached", "conn", connID)
}

func (s *Session) checkEmpty() {
	s.mu.Lock()
	empty := len(s.conns) == 0 && !s.closed
	s.mu.Unlock()
	if empty {
		s.Close()
	}
}

// Send delivers ev to one connection (targetConnID set) or to all attached
// connections. Per-connection failures are collected and do not abort
// delivery to siblings.
func (s *Session) Send(ev events.Event, targetConnID string) []error {
	s.mu.Lock()
	var targets []client.Client
	if targetConnID != "" {
		if b, ok := s.conns[targetConnID]; ok {
			targets = append(targets, b.conn)
		}
	} else {
		for _, b := range s.conns {
			targets = append(targets, b.conn)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			errs = append(errs, fmt.Errorf("conn %s: %w", c.ID(), err))
		}
	}
	return errs
}

// ConnectionCount reports currently attached connections.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close tears the session down: timers cleared, every connection detached
// and closed, the owner notified. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	bindings := make([]*connBinding, 0, len(s.conns))
	for _, b := range s.conns {
		bindings = append(bindings, b)
	}
	s.conns = map[string]*connBinding{}
	s.mu.Unlock()

	for _, b := range bindings {
		b.conn.Off(b.msgID)
		b.conn.Off(b.closeID)
		b.conn.UnsetSession()
		b.conn.Close()
	}
	s.bus.Release("")
	if s.onClose != nil {
		s.onClose(s)
	}
	s.log.Info("session closed")
}
