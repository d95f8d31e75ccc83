package account

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/registry"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/session"
)

// Guest is the stripped account behind an invite redemption: one room, no
// contacts, no durable anything. When the room connection ends, so does the
// guest.
type Guest struct {
	id   string
	self *identity.Identity
	sess *session.Session
	room registry.LiveRoom
	log  *slog.Logger

	mu         sync.Mutex
	listenerID string
	closed     bool
}

func NewGuest(self *identity.Identity, sess *session.Session, lr registry.LiveRoom, log *slog.Logger) *Guest {
	return &Guest{
		id:   self.ID,
		self: self,
		sess: sess,
		room: lr,
		log:  log.With("guest", self.ID, "room", lr.ID()),
	}
}

func (g *Guest) ID() string { return g.id }

// Start connects the guest into its single room.
func (g *Guest) Start() error {
	sig := g.room.Connect(g.id)
	if sig == nil {
		return errors.New("guest admission refused")
	}
	roomID := g.room.ID()
	sig.BindAccount(func(ev events.Event) {
		g.sess.Send(events.Wrap(roomID, ev), "")
	})
	listenerID := g.sess.On(roomID, func(ev events.Event) {
		if inner, ok := ev.Inner(); ok {
			sig.ToRoom(inner)
		}
	})
	sig.OnClose(func() {
		g.Close()
	})

	g.mu.Lock()
	g.listenerID = listenerID
	g.mu.Unlock()

	g.sess.Send(events.New(OpInitialize, map[string]any{
		"account": g.self,
		"rooms":   []string{roomID},
	}), "")
	return nil
}

// Close ends the guest visit. Idempotent.
func (g *Guest) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	listenerID := g.listenerID
	g.mu.Unlock()

	if listenerID != "" {
		g.sess.Off(listenerID)
	}
	g.room.Disconnect(g.id)
	g.sess.Close()
	g.log.Info("guest left")
}
