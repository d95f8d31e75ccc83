// Package account is the server-side representation of one logged-in user:
// it owns the session, connects the user's rooms and shuttles events between
// the two. One account, one session, any number of room signals.
package account

import (
	"context"
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/registry"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/session"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

// Account-level client operations. Any other event type on the session bus
// is taken to be a room id and routed to that room's signal.
const (
	OpInitialize    = "initialize"
	OpRoomCreate    = "room-create"
	OpRoomJoin      = "room-join"
	OpContact       = "contact"
	OpContactRemove = "contact-remove"
	OpError         = "error"

	EventOnline  = "online"
	EventOffline = "offline"
)

// RoomSource is what an account needs from the room controller.
type RoomSource interface {
	Get(ctx context.Context, roomID string) (registry.LiveRoom, error)
	Create(ctx context.Context, ownerID, name string, isPrivate bool) (registry.LiveRoom, error)
	EnsureContact(ctx context.Context, userA, userB string) (registry.LiveRoom, error)
	EnsureWork(ctx context.Context, worg room.WorgInfo) (registry.LiveRoom, error)
}

// RoomLister reads the durable room list for one user.
type RoomLister interface {
	GetRoomsForUser(ctx context.Context, userID string) ([]*store.RoomRow, error)
}

// WorgSource resolves the workgroups a user belongs to.
type WorgSource interface {
	WorgsFor(userID string) []room.WorgInfo
}

// IdentityOps is the slice of the identity cache accounts use. Update
// seeds identities that have no directory backing, such as guests.
type IdentityOps interface {
	Get(ctx context.Context, clientID string) (*identity.Identity, error)
	Update(ctx context.Context, id *identity.Identity) error
	SetOnline(ctx context.Context, clientID string, online bool)
}

// Deps is the application context handed to every account.
type Deps struct {
	Timing     config.Timing
	Log        *slog.Logger
	Identities IdentityOps
	Rooms      RoomSource
	RoomRows   RoomLister
	Relations  registry.RelationStore
	Worgs      WorgSource
}

type roomBinding struct {
	room       registry.LiveRoom
	signal     *room.Signal
	listenerID string // session bus listener for this room id
}

// Account bridges one session to the user's rooms. Room events reach the
// client wrapped in the room id; client events typed with a room id flow
// back through the matching signal.
type Account struct {
	id   string
	self *identity.Identity
	sess *session.Session
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	bindings  map[string]*roomBinding
	listeners []string
	closed    bool
}

func New(self *identity.Identity, sess *session.Session, deps Deps) *Account {
	return &Account{
		id:       self.ID,
		self:     self,
		sess:     sess,
		deps:     deps,
		log:      deps.Log.With("account", self.ID),
		bindings: make(map[string]*roomBinding),
	}
}

func (a *Account) ID() string                { return a.id }
func (a *Account) Session() *session.Session { return a.sess }

// Start wires the session bus, marks the user online, and connects every
// room the user has standing in: authorized rooms, contact rooms and
// workgroup rooms.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	a.listeners = append(a.listeners,
		a.sess.On(OpInitialize, a.handleInitialize),
		a.sess.On(OpRoomCreate, a.handleRoomCreate),
		a.sess.On(OpRoomJoin, a.handleRoomJoin),
		a.sess.On(OpContact, a.handleContact),
		a.sess.On(OpContactRemove, a.handleContactRemove),
	)
	a.mu.Unlock()

	a.deps.Identities.SetOnline(ctx, a.id, true)

	if a.deps.RoomRows != nil {
		rows, err := a.deps.RoomRows.GetRoomsForUser(ctx, a.id)
		if err != nil {
			return err
		}
		for _, row := range rows {
			lr, err := a.deps.Rooms.Get(ctx, row.ID)
			if err != nil {
				a.log.Warn("room restore failed", "room", row.ID, "err", err)
				continue
			}
			a.joinRoom(lr)
		}
	}

	if a.deps.Relations != nil {
		rels, err := a.deps.Relations.GetRelationsFor(ctx, a.id)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			lr, err := a.deps.Rooms.EnsureContact(ctx, rel.UserA, rel.UserB)
			if err != nil {
				a.log.Warn("contact restore failed", "room", rel.RoomID, "err", err)
				continue
			}
			a.joinRoom(lr)
		}
	}

	if a.deps.Worgs != nil {
		for _, worg := range a.deps.Worgs.WorgsFor(a.id) {
			lr, err := a.deps.Rooms.EnsureWork(ctx, worg)
			if err != nil {
				a.log.Warn("work room restore failed", "worg", worg.ClientID, "err", err)
				continue
			}
			a.joinRoom(lr)
		}
	}

	a.fanPresence(EventOnline)
	return nil
}

// joinRoom connects the user and installs the two-way bridge. Idempotent
// per room.
func (a *Account) joinRoom(lr registry.LiveRoom) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	if _, ok := a.bindings[lr.ID()]; ok {
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	sig := lr.Connect(a.id)
	if sig == nil {
		return false
	}
	roomID := lr.ID()
	sig.BindAccount(func(ev events.Event) {
		a.sess.Send(events.Wrap(roomID, ev), "")
	})
	listenerID := a.sess.On(roomID, func(ev events.Event) {
		if inner, ok := ev.Inner(); ok {
			sig.ToRoom(inner)
		}
	})
	sig.OnClose(func() {
		a.dropBinding(roomID)
	})

	a.mu.Lock()
	a.bindings[roomID] = &roomBinding{room: lr, signal: sig, listenerID: listenerID}
	a.mu.Unlock()

	a.sess.Send(events.New(OpRoomJoin, map[string]any{
		"roomId": roomID,
		"kind":   lr.Kind(),
	}), "")
	return true
}

func (a *Account) dropBinding(roomID string) {
	a.mu.Lock()
	b, ok := a.bindings[roomID]
	if ok {
		delete(a.bindings, roomID)
	}
	a.mu.Unlock()
	if ok {
		a.sess.Off(b.listenerID)
	}
}

// RoomIDs lists currently connected rooms.
func (a *Account) RoomIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.bindings))
	for id := range a.bindings {
		out = append(out, id)
	}
	return out
}

func (a *Account) handleInitialize(events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	defer cancel()

	contacts := a.contactList(ctx)
	a.sess.Send(events.New(OpInitialize, map[string]any{
		"account":  a.self,
		"rooms":    a.RoomIDs(),
		"contacts": contacts,
	}), "")
}

func (a *Account) contactList(ctx context.Context) []*identity.Identity {
	if a.deps.Relations == nil {
		return nil
	}
	rels, err := a.deps.Relations.GetRelationsFor(ctx, a.id)
	if err != nil {
		a.log.Warn("contact list failed", "err", err)
		return nil
	}
	var out []*identity.Identity
	for _, rel := range rels {
		other := rel.UserA
		if other == a.id {
			other = rel.UserB
		}
		id, err := a.deps.Identities.Get(ctx, other)
		if err != nil || id == nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (a *Account) handleRoomCreate(ev events.Event) {
	var payload struct {
		Name      string `json:"name"`
		IsPrivate bool   `json:"isPrivate"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	defer cancel()

	lr, err := a.deps.Rooms.Create(ctx, a.id, payload.Name, payload.IsPrivate)
	if err != nil {
		a.log.Warn("room create failed", "err", err)
		a.sendErr(room.ErrNoRoom)
		return
	}
	a.joinRoom(lr)
}

func (a *Account) handleRoomJoin(ev events.Event) {
	var payload struct {
		RoomID string `json:"roomId"`
	}
	if err := ev.DecodeData(&payload); err != nil || payload.RoomID == "" {
		a.sendErr(room.ErrNoRoom)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	defer cancel()

	lr, err := a.deps.Rooms.Get(ctx, payload.RoomID)
	if err != nil {
		a.sendErr(room.ErrNoRoom)
		return
	}
	if !a.joinRoom(lr) {
		a.sendErr(room.ErrInvalidAuth)
	}
}

func (a *Account) handleContact(ev events.Event) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := ev.DecodeData(&payload); err != nil || payload.UserID == "" || payload.UserID == a.id {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	defer cancel()

	lr, err := a.deps.Rooms.EnsureContact(ctx, a.id, payload.UserID)
	if err != nil {
		a.log.Warn("contact open failed", "user", payload.UserID, "err", err)
		a.sendErr(room.ErrNoRoom)
		return
	}
	a.joinRoom(lr)
	a.sess.Send(events.New(OpContact, map[string]any{
		"roomId": lr.ID(),
		"userId": payload.UserID,
	}), "")
}

// handleContactRemove deletes the relation, so the contact never restores,
// then leaves the room; it evicts on its own once empty.
func (a *Account) handleContactRemove(ev events.Event) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := ev.DecodeData(&payload); err != nil || payload.UserID == "" {
		return
	}
	if a.deps.Relations == nil {
		a.sendErr(room.ErrNoRoom)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	defer cancel()

	rel, err := a.deps.Relations.GetRelation(ctx, a.id, payload.UserID)
	if err != nil || rel == nil {
		a.sendErr(room.ErrNoRoom)
		return
	}
	if err := a.deps.Relations.DeleteRelation(ctx, rel.ID); err != nil {
		a.log.Warn("relation delete failed", "user", payload.UserID, "err", err)
		a.sendErr(room.ErrNoRoom)
		return
	}

	// Revoke both seats so neither side restores the room. The room evicts
	// itself once empty; signal close drops our binding.
	if lr, err := a.deps.Rooms.Get(ctx, rel.RoomID); err == nil {
		lr.RemoveUser(a.id)
		lr.RemoveUser(payload.UserID)
	}
	a.sess.Send(events.New(OpContactRemove, map[string]any{
		"userId": payload.UserID,
		"roomId": rel.RoomID,
	}), "")
}

func (a *Account) sendErr(code string) {
	a.sess.Send(events.New(OpError, map[string]any{"code": code}), "")
}

// fanPresence tells the peer in every contact room that this user came
// online or went away.
func (a *Account) fanPresence(eventType string) {
	a.mu.Lock()
	var contacts []registry.LiveRoom
	for _, b := range a.bindings {
		if b.room.Kind() == room.KindContact {
			contacts = append(contacts, b.room)
		}
	}
	a.mu.Unlock()

	for _, lr := range contacts {
		lr.Users().Broadcast(nil, events.New(eventType, a.self), a.id, false)
	}
}

// Close disconnects every room and releases the session. Idempotent.
func (a *Account) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	listeners := a.listeners
	a.listeners = nil
	bindings := make([]*roomBinding, 0, len(a.bindings))
	for _, b := range a.bindings {
		bindings = append(bindings, b)
	}
	a.mu.Unlock()

	a.fanPresence(EventOffline)

	for _, b := range bindings {
		b.room.Disconnect(a.id)
	}
	for _, id := range listeners {
		a.sess.Off(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.Timing.Request)
	a.deps.Identities.SetOnline(ctx, a.id, false)
	cancel()

	a.sess.Close()
	a.log.Info("account closed")
}
