// Package nml is the no-mans-land between a raw socket and an account: a
// fresh connection sits here until it authenticates or times out. The only
// things a parked connection may say are auth (token handshake) and session
// (reconnect by session id).
package nml

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/account"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/client"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/user"
)

// Handshake operations a parked connection may send.
const (
	OpAuth    = "auth"
	OpSession = "session"
)

// Validator checks handshake tokens. Backed by the user service.
type Validator interface {
	ValidateToken(tokenString string) (*user.Claims, error)
}

type parked struct {
	conn       client.Client
	listenerID string
	killTimer  *time.Timer
}

// NoMansLand parks unauthenticated connections and hands the survivors to
// the user controller. Connections that say nothing useful before the auth
// window closes are killed.
type NoMansLand struct {
	validator Validator
	users     *UserCtrl
	rooms     account.RoomSource
	deps      account.Deps
	log       *slog.Logger

	mu      sync.Mutex
	waiting map[string]*parked
}

func New(validator Validator, users *UserCtrl, deps account.Deps) *NoMansLand {
	return &NoMansLand{
		validator: validator,
		users:     users,
		rooms:     deps.Rooms,
		deps:      deps,
		log:       deps.Log.With("component", "nml"),
		waiting:   make(map[string]*parked),
	}
}

// AddClient parks a fresh connection. The auth window is the request
// timeout; a connection still unauthenticated when it fires is closed.
func (n *NoMansLand) AddClient(c client.Client) {
	p := &parked{conn: c}
	p.listenerID = c.On(client.EventMsg, func(ev events.Event) {
		inner, ok := ev.Inner()
		if !ok {
			return
		}
		n.handle(c, inner)
	})
	p.killTimer = time.AfterFunc(n.deps.Timing.Request, func() {
		n.log.Debug("auth window expired", "conn", c.ID())
		n.evict(c.ID())
		c.Close()
	})

	n.mu.Lock()
	n.waiting[c.ID()] = p
	n.mu.Unlock()
}

// Waiting reports currently parked connections.
func (n *NoMansLand) Waiting() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiting)
}

func (n *NoMansLand) handle(c client.Client, ev events.Event) {
	switch ev.Type {
	case OpAuth:
		n.handleAuth(c, ev)
	case OpSession:
		n.handleSession(c, ev)
	default:
		// Anything else from an unauthenticated peer is a protocol error.
		n.reject(c, room.ErrInvalidAuth)
	}
}

func (n *NoMansLand) handleAuth(c client.Client, ev events.Event) {
	var payload struct {
		Token string `json:"token"`
	}
	if err := ev.DecodeData(&payload); err != nil || payload.Token == "" {
		n.reject(c, room.ErrTokenInvalid)
		return
	}
	claims, err := n.validator.ValidateToken(payload.Token)
	if err != nil {
		n.log.Debug("token rejected", "conn", c.ID(), "err", err)
		n.reject(c, room.ErrTokenInvalid)
		return
	}

	if claims.IsGuest {
		n.admitGuest(c, claims)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.deps.Timing.Request)
	defer cancel()
	self, err := n.deps.Identities.Get(ctx, claims.AccountID)
	if err != nil || self == nil {
		n.reject(c, room.ErrInvalidAuth)
		return
	}

	n.release(c)
	if err := n.users.BindAccount(ctx, self, c); err != nil {
		n.log.Warn("account bind failed", "account", self.ID, "err", err)
		n.reject(c, room.ErrInvalidAuth)
	}
}

// admitGuest routes an invite bearer straight into its one room under a
// throwaway identity. No durable account is involved.
func (n *NoMansLand) admitGuest(c client.Client, claims *user.Claims) {
	ctx, cancel := context.WithTimeout(context.Background(), n.deps.Timing.Request)
	defer cancel()

	lr, err := n.rooms.Get(ctx, claims.RoomID)
	if err != nil {
		n.reject(c, room.ErrNoRoom)
		return
	}
	self := &identity.Identity{
		ID:      claims.AccountID,
		Name:    claims.Username,
		IsGuest: true,
	}
	// Guests have no directory record. Seed the cache so the room can
	// resolve the identity, and grant the guest its seat up front.
	if err := n.deps.Identities.Update(ctx, self); err != nil {
		n.log.Warn("guest identity seed failed", "room", claims.RoomID, "err", err)
		n.reject(c, room.ErrInvalidAuth)
		return
	}
	lr.Users().SetGuest(self.ID)
	n.release(c)
	if err := n.users.BindGuest(self, c, lr); err != nil {
		n.log.Debug("guest refused", "room", claims.RoomID, "err", err)
		n.reject(c, room.ErrInvalidAuth)
	}
}

// handleSession re-binds a reconnecting transport to its still-live
// session, skipping the token round trip.
func (n *NoMansLand) handleSession(c client.Client, ev events.Event) {
	var sessionID string
	if err := ev.DecodeData(&sessionID); err != nil || sessionID == "" {
		n.reject(c, room.ErrInvalidAuth)
		return
	}
	sess := n.users.BySession(sessionID)
	if sess == nil {
		n.reject(c, room.ErrInvalidAuth)
		return
	}
	n.release(c)
	if err := sess.Attach(c); err != nil {
		n.log.Debug("reattach failed", "session", sessionID, "err", err)
		c.Close()
	}
}

// release hands the connection over: listeners off, timers stopped, the
// connection stays open.
func (n *NoMansLand) release(c client.Client) {
	n.evict(c.ID())
}

// reject tells the peer why and closes the socket.
func (n *NoMansLand) reject(c client.Client, code string) {
	n.evict(c.ID())
	if err := c.Send(events.New(account.OpError, map[string]any{"code": code})); err != nil {
		n.log.Debug("reject send failed", "conn", c.ID(), "err", err)
	}
	c.Close()
}

func (n *NoMansLand) evict(connID string) {
	n.mu.Lock()
	p, ok := n.waiting[connID]
	if ok {
		delete(n.waiting, connID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	p.killTimer.Stop()
	p.conn.Off(p.listenerID)
}

// Close kills every parked connection.
func (n *NoMansLand) Close() {
	n.mu.Lock()
	waiting := make([]*parked, 0, len(n.waiting))
	for _, p := range n.waiting {
		waiting = append(waiting, p)
	}
	n.waiting = map[string]*parked{}
	n.mu.Unlock()

	for _, p := range waiting {
		p.killTimer.Stop()
		p.conn.Off(p.listenerID)
		p.conn.Close()
	}
}
