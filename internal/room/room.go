package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

// Room kinds, matching the durable kind column.
const (
	KindPlain   = "plain"
	KindContact = "contact"
	KindWork    = "work"
)

// Options describe a room at construction, fresh or loaded.
type Options struct {
	ID          string
	OwnerID     string
	Name        string
	Avatar      string
	GuestAvatar string
	IsPrivate   bool
	Persistent  bool
	Kind        string
	OwnWorg     string // work rooms only
	IsStream    bool
}

// Room is the core broadcast/authorization unit. It owns its
// sub-components and a control bus the registry listens on; it moves
// through new -> initializing -> open -> (empty timer) -> closed.
type Room struct {
	id          string
	ownerID     string
	kind        string
	guestAvatar string
	deps        Deps
	log         *slog.Logger
	bus         *events.Emitter

	users     *Users
	chat      ChatBehavior
	history   *Log
	live      *Live
	invite    *Invite
	settings  *Settings
	workgroup *Workgroup

	mu         sync.Mutex
	persistent bool
	open       bool
	closed     bool
	emptyTimer *time.Timer
}

// New builds a plain room. Contact and work rooms are built by their own
// constructors on top of this.
func New(opts Options, deps Deps) *Room {
	if opts.Kind == "" {
		opts.Kind = KindPlain
	}
	log := deps.Log.With("room", opts.ID, "kind", opts.Kind)
	r := &Room{
		id:          opts.ID,
		ownerID:     opts.OwnerID,
		kind:        opts.Kind,
		guestAvatar: opts.GuestAvatar,
		deps:        deps,
		log:         log,
		persistent:  opts.Persistent,
	}
	r.bus = events.NewEmitter(func(ev events.Event) {
		log.Debug("unhandled room event", "type", ev.Type)
	})
	r.users = NewUsers(opts.ID, opts.Persistent, log)
	r.history = NewLog(opts.ID, opts.Persistent, deps.Messages, log)
	r.chat = NewChat(opts.ID, opts.Persistent, r.users, r.history, deps.Messages, deps.Timing, log)
	r.live = NewLive(opts.ID, opts.IsStream, r.users, r.history, deps.Timing, deps.Worgs, deps.NewRelay, log)
	r.invite = NewInvite(opts.ID, opts.Persistent, deps.Invites, log)
	if opts.Kind != KindContact {
		r.settings = NewSettings(opts.ID, opts.Persistent, opts.Name, opts.IsPrivate, deps.Rooms, r.users, log)
		r.workgroup = NewWorkgroup(opts.ID, opts.Persistent, opts.OwnWorg, deps.Rooms, deps.Worgs, r.users, log)
	}
	return r
}

func (r *Room) ID() string      { return r.id }
func (r *Room) OwnerID() string { return r.ownerID }
func (r *Room) Kind() string    { return r.kind }
func (r *Room) Users() *Users   { return r.users }
func (r *Room) Live() *Live     { return r.live }
func (r *Room) Chat() ChatBehavior {
	return r.chat
}
func (r *Room) Invite() *Invite     { return r.invite }
func (r *Room) Settings() *Settings { return r.settings }

// On subscribes to the room control bus (open / empty / closed).
func (r *Room) On(eventType string, fn events.Listener) string {
	return r.bus.On(eventType, fn)
}

func (r *Room) Once(eventType string, fn events.Listener) string {
	return r.bus.Once(eventType, fn)
}

// IsPersistent reports durable backing. Monotonic: once true, never false.
func (r *Room) IsPersistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistent
}

// IsOpen reports whether initialization has completed.
func (r *Room) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Initialize runs the async sub-component loads and emits open once every
// one of them finishes. Persistent rooms backfill membership from storage
// first.
func (r *Room) Initialize(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.loadMembership(gctx) })
	g.Go(func() error { return r.history.Initialize(gctx) })
	if r.invite != nil {
		g.Go(func() error { return r.invite.Initialize(gctx) })
	}
	if r.workgroup != nil {
		g.Go(func() error { return r.workgroup.Initialize(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	r.open = true
	r.mu.Unlock()
	r.bus.Emit(events.New(EventOpen, r.id))
	return nil
}

func (r *Room) loadMembership(ctx context.Context) error {
	r.mu.Lock()
	persistent := r.persistent
	r.mu.Unlock()
	if !persistent || r.deps.Rooms == nil {
		return nil
	}
	authorized, err := r.deps.Rooms.GetAuthorizedUsers(ctx, r.id)
	if err != nil {
		return err
	}
	for _, uid := range authorized {
		r.users.Authorize(uid)
	}
	identities, err := r.deps.Identities.GetMap(ctx, authorized)
	if err != nil {
		return err
	}
	for _, uid := range authorized {
		if id, ok := identities[uid]; ok {
			r.users.Set(id)
		}
	}
	lastRead, err := r.deps.Rooms.GetLastRead(ctx, r.id)
	if err != nil {
		return err
	}
	for uid, mid := range lastRead {
		r.users.SetLastRead(uid, mid)
	}
	return nil
}

// Connect admits a user and returns the live Signal handle, or nil on
// failure (unknown user that cannot be added, or a closed room). A second
// connect for an already-bound user reuses the existing Signal.
func (r *Room) Connect(userID string) *Signal {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if !r.users.Exists(userID) {
		if !r.AddUser(userID, "") {
			return nil
		}
	}
	return r.bindUser(userID)
}

// bindUser creates or reuses the Signal bridge and registers the user
// online.
func (r *Room) bindUser(userID string) *Signal {
	if sig := r.users.GetSignal(userID); sig != nil {
		return sig
	}
	sig := NewSignal(userID, r.id, r.rolesFor(userID))
	sig.BindRoom(func(ev events.Event) {
		r.handleClientEvent(userID, sig, ev)
	})
	sig.OnClose(func() {
		r.users.SetOffline(userID)
		r.live.RemovePeer(userID)
		r.checkOnline()
	})
	r.users.SetOnline(userID, sig)
	r.cancelEmptyTimer()
	return sig
}

func (r *Room) rolesFor(userID string) Roles {
	roles := Roles{
		IsOwner:  userID == r.ownerID,
		IsAuthed: r.users.IsAuthorized(userID),
		IsGuest:  r.users.IsGuest(userID),
		IsView:   r.users.IsViewer(userID),
	}
	if id := r.users.GetIdentity(userID); id != nil && id.IsAdmin {
		roles.IsAdmin = true
	}
	if roles.IsOwner {
		roles.IsAdmin = true
	}
	return roles
}

// Disconnect takes a user offline. On a persistent room, members with
// durable or workgroup standing are only released; everyone else loses
// membership entirely.
func (r *Room) Disconnect(userID string) {
	keep := r.IsPersistent() &&
		(r.users.IsAuthorized(userID) || r.users.InWorg("", userID))
	if keep {
		if sig := r.users.GetSignal(userID); sig != nil {
			sig.Close()
		} else {
			r.users.SetOffline(userID)
			r.checkOnline()
		}
		return
	}
	r.RemoveUser(userID)
}

// AddUser registers a new member. Identity lookup failure fails closed.
// Idempotent for present members.
func (r *Room) AddUser(userID, worgID string) bool {
	if r.users.Exists(userID) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
	defer cancel()
	id, err := r.deps.Identities.Get(ctx, userID)
	if err != nil || id == nil {
		r.log.Warn("identity lookup failed on join", "user", userID, "err", err)
		return false
	}
	if worgID != "" {
		r.users.AddToWorg(worgID, userID)
	}
	if id.IsGuest {
		r.users.SetGuest(userID)
	}
	if !r.users.Set(id) {
		return false
	}

	r.users.Broadcast(nil, events.New(EventJoin, map[string]any{
		"userId":   userID,
		"name":     id.Name,
		"isAuthed": r.users.IsAuthorized(userID),
		"worgs":    r.memberWorgs(userID),
	}), userID, false)
	return true
}

func (r *Room) memberWorgs(userID string) []string {
	var out []string
	for _, wid := range r.users.WorgIDs() {
		if r.users.InWorg(wid, userID) {
			out = append(out, wid)
		}
	}
	return out
}

// RemoveUser revokes membership: leave broadcast, durable revoke when
// persistent, registry purge, and the Signal closed last so no further
// room event can reach the removed user.
func (r *Room) RemoveUser(userID string) {
	sig := r.users.GetSignal(userID)

	r.users.Broadcast(nil, events.New(EventLeave, map[string]any{
		"userId": userID,
	}), userID, false)

	if r.IsPersistent() && r.deps.Rooms != nil {
		ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
		if err := r.deps.Rooms.RevokeAuthorization(ctx, r.id, userID); err != nil {
			r.log.Warn("authorization revoke failed", "user", userID, "err", err)
		}
		cancel()
	}
	r.users.Remove(userID)
	if sig != nil {
		sig.Close()
	}
	r.checkOnline()
}

// AuthorizeUser writes the durable authorization row before granting live
// standing. A failed write grants nothing.
func (r *Room) AuthorizeUser(ctx context.Context, userID string) bool {
	if r.IsPersistent() && r.deps.Rooms != nil {
		if err := r.deps.Rooms.AuthorizeUsers(ctx, r.id, []string{userID}); err != nil {
			r.log.Warn("authorize failed", "user", userID, "err", err)
			return false
		}
	}
	r.users.Authorize(userID)
	return true
}

// UnAuthUser revokes durable authorization; the user is then either
// demoted to workgroup-visible standing or fully removed, depending on
// whether any workgroup assignment survives.
func (r *Room) UnAuthUser(ctx context.Context, userID string) {
	if r.IsPersistent() && r.deps.Rooms != nil {
		if err := r.deps.Rooms.RevokeAuthorization(ctx, r.id, userID); err != nil {
			r.log.Warn("unauth revoke failed", "user", userID, "err", err)
			return
		}
	}
	r.users.Deauthorize(userID)
	if r.users.InWorg("", userID) {
		return // demoted, keeps workgroup visibility
	}
	r.RemoveUser(userID)
}

// PersistRoom is the one-way ephemeral-to-persistent transition: room row
// written, sub-components flipped, members notified, then all current
// non-guest members bulk-authorized — in-memory authorization advances only
// after the durable bulk write succeeds.
func (r *Room) PersistRoom(ctx context.Context) bool {
	r.mu.Lock()
	if r.persistent {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	if r.deps.Rooms != nil {
		name := ""
		isPrivate := false
		if r.settings != nil {
			name = r.settings.Name()
			isPrivate = r.settings.IsPrivate()
		}
		err := r.deps.Rooms.CreateRoom(ctx, &store.RoomRow{
			ID:        r.id,
			OwnerID:   r.ownerID,
			Name:      name,
			Avatar:    "",
			IsPrivate: isPrivate,
			Kind:      r.kind,
		})
		if err != nil {
			r.log.Warn("persist room failed", "err", err)
			return false
		}
	}

	r.mu.Lock()
	r.persistent = true
	r.mu.Unlock()
	r.users.SetPersistent(true)
	r.history.SetPersistent(true)
	r.chat.SetPersistent(true)
	if r.invite != nil {
		r.invite.SetPersistent(ctx, true)
	}
	if r.settings != nil {
		r.settings.SetPersistent(true)
	}
	if r.workgroup != nil {
		r.workgroup.SetPersistent(true)
	}

	// Notify online, non-guest members.
	notice := events.New(EventPersistent, map[string]any{"roomId": r.id})
	for _, uid := range r.users.OnlineIDs() {
		if !r.users.IsGuest(uid) {
			r.users.Send(uid, notice)
		}
	}

	var toAuthorize []string
	for _, uid := range r.users.EveryID() {
		if !r.users.IsGuest(uid) {
			toAuthorize = append(toAuthorize, uid)
		}
	}
	if len(toAuthorize) > 0 && r.deps.Rooms != nil {
		if err := r.deps.Rooms.AuthorizeUsers(ctx, r.id, toAuthorize); err != nil {
			r.log.Warn("bulk authorize failed", "err", err)
			return true // the room itself persisted
		}
	}
	for _, uid := range toAuthorize {
		r.users.Authorize(uid)
	}
	return true
}

// checkOnline arms the empty-room timer when the last member goes offline
// and cancels it when anyone is online.
func (r *Room) checkOnline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.users.OnlineCount() > 0 {
		if r.emptyTimer != nil {
			r.emptyTimer.Stop()
			r.emptyTimer = nil
		}
		return
	}
	if r.emptyTimer == nil {
		r.emptyTimer = time.AfterFunc(r.deps.Timing.RoomEmpty, r.emptyTimerFired)
	}
}

// emptyTimerFired re-checks emptiness at fire time; a race that
// re-populated the room skips the emit.
func (r *Room) emptyTimerFired() {
	r.mu.Lock()
	r.emptyTimer = nil
	if r.closed || r.users.OnlineCount() > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.bus.Emit(events.New(EventEmpty, r.id))
}

func (r *Room) cancelEmptyTimer() {
	r.mu.Lock()
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
	r.mu.Unlock()
}

// Close cascades shutdown to every sub-component. Idempotent.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.emptyTimer != nil {
		r.emptyTimer.Stop()
		r.emptyTimer = nil
	}
	r.mu.Unlock()

	for _, uid := range r.users.OnlineIDs() {
		if sig := r.users.GetSignal(uid); sig != nil {
			sig.Close()
		}
	}
	r.live.Close()
	r.bus.Emit(events.New(EventClosed, r.id))
	r.bus.Release("")
	r.log.Info("room closed")
}
