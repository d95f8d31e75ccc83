package nml

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/account"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/client"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/registry"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/user"
)

// fakeConn records outbound traffic and lets tests inject inbound events.
type fakeConn struct {
	id  string
	bus *events.Emitter

	mu      sync.Mutex
	sent    []events.Event
	session string
	closed  bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, bus: events.NewEmitter(nil)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeConn) Send(ev events.Event) error {
	c.mu.Lock()
	c.sent = append(c.sent, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetSession(sessionID string) error {
	c.mu.Lock()
	c.session = sessionID
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) UnsetSession() error { return c.SetSession("") }

func (c *fakeConn) On(eventType string, fn events.Listener) string {
	return c.bus.On(eventType, fn)
}

func (c *fakeConn) Off(listenerID string)    { c.bus.Off(listenerID) }
func (c *fakeConn) Release(eventType string) { c.bus.Release(eventType) }

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) inject(ev events.Event) {
	c.bus.Emit(events.New(client.EventMsg, ev))
}

func (c *fakeConn) received(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.sent {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var _ client.Client = (*fakeConn)(nil)

// fakeValidator maps token strings straight to claims.
type fakeValidator struct {
	tokens map[string]*user.Claims
}

func (f *fakeValidator) ValidateToken(tokenString string) (*user.Claims, error) {
	if claims, ok := f.tokens[tokenString]; ok {
		return claims, nil
	}
	return nil, errors.New("bad token")
}

type openIdentities struct{}

func (openIdentities) Get(_ context.Context, clientID string) (*identity.Identity, error) {
	return &identity.Identity{ID: clientID, Name: clientID}, nil
}

func (openIdentities) GetMap(_ context.Context, clientIDs []string) (map[string]*identity.Identity, error) {
	out := make(map[string]*identity.Identity, len(clientIDs))
	for _, id := range clientIDs {
		out[id] = &identity.Identity{ID: id, Name: id}
	}
	return out, nil
}

func (openIdentities) Update(context.Context, *identity.Identity) error { return nil }

func (openIdentities) SetOnline(context.Context, string, bool) {}

// strictIdentities resolves only what has been seeded, the way the real
// cache behaves for ids with no directory record behind them.
type strictIdentities struct {
	mu    sync.Mutex
	known map[string]*identity.Identity
}

func newStrictIdentities() *strictIdentities {
	return &strictIdentities{known: make(map[string]*identity.Identity)}
}

func (s *strictIdentities) Get(_ context.Context, clientID string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.known[clientID]; ok {
		cp := *id
		return &cp, nil
	}
	return nil, nil
}

func (s *strictIdentities) GetMap(_ context.Context, clientIDs []string) (map[string]*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*identity.Identity, len(clientIDs))
	for _, cid := range clientIDs {
		if id, ok := s.known[cid]; ok {
			cp := *id
			out[cid] = &cp
		}
	}
	return out, nil
}

func (s *strictIdentities) Update(_ context.Context, id *identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *id
	s.known[id.ID] = &cp
	return nil
}

func (s *strictIdentities) SetOnline(context.Context, string, bool) {}

type nilLoader struct{}

func (nilLoader) GetRoom(context.Context, string) (*store.RoomRow, error) { return nil, nil }

type nmlRig struct {
	validator *fakeValidator
	rooms     *registry.RoomCtrl
	users     *UserCtrl
	land      *NoMansLand
}

// rigIdentities is what both the room layer and the account layer need
// from an identity fake.
type rigIdentities interface {
	Get(ctx context.Context, clientID string) (*identity.Identity, error)
	GetMap(ctx context.Context, clientIDs []string) (map[string]*identity.Identity, error)
	Update(ctx context.Context, id *identity.Identity) error
	SetOnline(ctx context.Context, clientID string, online bool)
}

func newRig(t *testing.T) *nmlRig {
	return newRigWith(t, openIdentities{}, nilLoader{})
}

func newRigWith(t *testing.T, ids rigIdentities, loader registry.RoomLoader) *nmlRig {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	timing := config.DefaultTiming()
	timing.Request = 200 * time.Millisecond
	timing.SessionDebounce = 10 * time.Millisecond
	timing.RoomEmpty = time.Hour

	roomDeps := room.Deps{Timing: timing, Log: log, Identities: ids}
	ctrl := registry.NewRoomCtrl(roomDeps, loader, nil)
	t.Cleanup(ctrl.Close)

	deps := account.Deps{
		Timing:     timing,
		Log:        log,
		Identities: ids,
		Rooms:      ctrl,
	}
	rig := &nmlRig{
		validator: &fakeValidator{tokens: map[string]*user.Claims{}},
		rooms:     ctrl,
	}
	rig.users = NewUserCtrl(deps)
	rig.land = New(rig.validator, rig.users, deps)
	t.Cleanup(rig.land.Close)
	t.Cleanup(rig.users.Close)
	return rig
}

func authOp(token string) events.Event {
	return events.New(OpAuth, map[string]any{"token": token})
}

func TestAuthAdmitsAccount(t *testing.T) {
	rig := newRig(t)
	rig.validator.tokens["tok-alice"] = &user.Claims{AccountID: "alice", Username: "alice"}

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	assert.Equal(t, 1, rig.land.Waiting())

	conn.inject(authOp("tok-alice"))

	require.Eventually(t, func() bool {
		return rig.users.ByAccount("alice") != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rig.land.Waiting())
	assert.Equal(t, 1, rig.users.SessionCount())
	assert.NotEmpty(t, conn.SessionID())
	assert.False(t, conn.isClosed())
}

func TestSecondLoginSharesSession(t *testing.T) {
	rig := newRig(t)
	rig.validator.tokens["tok-alice"] = &user.Claims{AccountID: "alice", Username: "alice"}

	first := newFakeConn("c1")
	rig.land.AddClient(first)
	first.inject(authOp("tok-alice"))
	require.Eventually(t, func() bool {
		return rig.users.ByAccount("alice") != nil
	}, time.Second, 5*time.Millisecond)

	second := newFakeConn("c2")
	rig.land.AddClient(second)
	second.inject(authOp("tok-alice"))

	require.Eventually(t, func() bool {
		return second.SessionID() != ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rig.users.SessionCount())
	assert.Equal(t, first.SessionID(), second.SessionID())

	sess := rig.users.BySession(first.SessionID())
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.ConnectionCount())
}

func TestBadTokenRejected(t *testing.T) {
	rig := newRig(t)

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(authOp("garbage"))

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	errs := conn.received(account.OpError)
	require.Len(t, errs, 1)
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, errs[0].DecodeData(&payload))
	assert.Equal(t, room.ErrTokenInvalid, payload.Code)
	assert.Equal(t, 0, rig.land.Waiting())
}

func TestSilentConnectionKilled(t *testing.T) {
	rig := newRig(t)

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rig.land.Waiting())
}

func TestNonHandshakeOpRefused(t *testing.T) {
	rig := newRig(t)

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(events.New("room-create", map[string]any{"name": "sneaky"}))

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	errs := conn.received(account.OpError)
	require.Len(t, errs, 1)
}

func TestSessionReconnect(t *testing.T) {
	rig := newRig(t)
	rig.validator.tokens["tok-alice"] = &user.Claims{AccountID: "alice", Username: "alice"}

	first := newFakeConn("c1")
	rig.land.AddClient(first)
	first.inject(authOp("tok-alice"))
	require.Eventually(t, func() bool {
		return first.SessionID() != ""
	}, time.Second, 5*time.Millisecond)
	sessionID := first.SessionID()

	second := newFakeConn("c2")
	rig.land.AddClient(second)
	second.inject(events.New(OpSession, sessionID))

	require.Eventually(t, func() bool {
		return second.SessionID() == sessionID
	}, time.Second, 5*time.Millisecond)
	sess := rig.users.BySession(sessionID)
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.ConnectionCount())
}

func TestUnknownSessionRefused(t *testing.T) {
	rig := newRig(t)

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(events.New(OpSession, "sess-nope"))

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	errs := conn.received(account.OpError)
	require.Len(t, errs, 1)
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, errs[0].DecodeData(&payload))
	assert.Equal(t, room.ErrInvalidAuth, payload.Code)
}

func TestGuestAdmittedToItsRoom(t *testing.T) {
	rig := newRig(t)

	lr, err := rig.rooms.Create(context.Background(), "host", "party", false)
	require.NoError(t, err)
	rig.validator.tokens["tok-guest"] = &user.Claims{
		AccountID: "guest-1",
		Username:  "visitor",
		IsGuest:   true,
		RoomID:    lr.ID(),
	}

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(authOp("tok-guest"))

	require.Eventually(t, func() bool {
		return lr.Users().Exists("guest-1")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rig.users.SessionCount())
	inits := conn.received(account.OpInitialize)
	require.Len(t, inits, 1)
}

type rowLoader struct {
	rows map[string]*store.RoomRow
}

func (l rowLoader) GetRoom(_ context.Context, roomID string) (*store.RoomRow, error) {
	row, ok := l.rows[roomID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// A guest id has no directory record, so the handshake must seed the
// identity cache and grant guest standing before the room admits it.
// Persistent rooms refuse members with no standing at all.
func TestGuestSeededIntoPersistentRoom(t *testing.T) {
	ids := newStrictIdentities()
	loader := rowLoader{rows: map[string]*store.RoomRow{
		"den": {ID: "den", OwnerID: "host", Kind: room.KindPlain},
	}}
	rig := newRigWith(t, ids, loader)
	rig.validator.tokens["tok-guest"] = &user.Claims{
		AccountID: "guest-7",
		Username:  "visitor",
		IsGuest:   true,
		RoomID:    "den",
	}

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(authOp("tok-guest"))

	lr, err := rig.rooms.Get(context.Background(), "den")
	require.NoError(t, err)
	require.True(t, lr.IsPersistent())
	require.Eventually(t, func() bool {
		return lr.Users().Exists("guest-7")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rig.users.SessionCount())
	require.Len(t, conn.received(account.OpInitialize), 1)
	assert.False(t, conn.isClosed())

	seeded, err := ids.Get(context.Background(), "guest-7")
	require.NoError(t, err)
	require.NotNil(t, seeded, "guest identity seeded into the cache")
	assert.True(t, seeded.IsGuest)
}

func TestGuestUnknownRoomRefused(t *testing.T) {
	rig := newRig(t)
	rig.validator.tokens["tok-guest"] = &user.Claims{
		AccountID: "guest-1",
		Username:  "visitor",
		IsGuest:   true,
		RoomID:    "no-such-room",
	}

	conn := newFakeConn("c1")
	rig.land.AddClient(conn)
	conn.inject(authOp("tok-guest"))

	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
	errs := conn.received(account.OpError)
	require.Len(t, errs, 1)
	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, errs[0].DecodeData(&payload))
	assert.Equal(t, room.ErrNoRoom, payload.Code)
}
