package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

func newOpenRoom(t *testing.T, f *fixture, opts Options) *Room {
	t.Helper()
	r := New(opts, f.deps)
	require.NoError(t, r.Initialize(context.Background()))
	return r
}

func TestRoomConnectAdmitsAndReusesSignal(t *testing.T) {
	f := newFixture("alice")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})

	sig, _ := connect(r, "alice")
	require.NotNil(t, sig)
	assert.True(t, r.Users().Exists("alice"))
	assert.Equal(t, []string{"alice"}, r.Users().OnlineIDs())

	again := r.Connect("alice")
	assert.Same(t, sig, again, "reconnect while bound reuses the signal")
}

func TestRoomConnectUnknownIdentityRefused(t *testing.T) {
	f := newFixture("alice")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})

	assert.Nil(t, r.Connect("nobody"))
	assert.False(t, r.Users().Exists("nobody"))
}

func TestRoomJoinBroadcast(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})

	_, aliceRec := connect(r, "alice")
	_, bobRec := connect(r, "bob")

	require.Equal(t, 1, aliceRec.count(EventJoin), "present members see the join")
	assert.Zero(t, bobRec.count(EventJoin), "the joiner does not see its own join")
}

func TestRoomPersistIsMonotonic(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice", Name: "den"})
	connect(r, "alice")
	connect(r, "bob")
	require.False(t, r.IsPersistent())

	require.True(t, r.PersistRoom(context.Background()))
	assert.True(t, r.IsPersistent())
	assert.True(t, r.PersistRoom(context.Background()), "second call is a no-op success")

	// Members present at the flip hold durable authorization.
	assert.True(t, f.rooms.isAuthorized("r1", "alice"))
	assert.True(t, f.rooms.isAuthorized("r1", "bob"))
	assert.True(t, r.Users().IsAuthorized("alice"))
}

func TestRoomPersistFailedWriteChangesNothing(t *testing.T) {
	f := newFixture("alice")
	f.rooms.failCreate = true
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	connect(r, "alice")

	assert.False(t, r.PersistRoom(context.Background()))
	assert.False(t, r.IsPersistent())
	assert.False(t, r.Users().IsAuthorized("alice"))
}

func TestRoomPersistSkipsGuests(t *testing.T) {
	f := newFixture("alice")
	guest := ident("ghost")
	guest.IsGuest = true
	f.identities.add(guest)
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	connect(r, "alice")
	_, guestRec := connect(r, "ghost")
	require.NotNil(t, guestRec)

	require.True(t, r.PersistRoom(context.Background()))
	assert.False(t, f.rooms.isAuthorized("r1", "ghost"))
	assert.Zero(t, guestRec.count(EventPersistent), "guests are not notified")
}

func TestRoomEmptyTimerFires(t *testing.T) {
	f := newFixture("alice")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})

	emptied := make(chan struct{}, 1)
	r.On(EventEmpty, func(events.Event) {
		emptied <- struct{}{}
	})

	sig, _ := connect(r, "alice")
	sig.Close()

	select {
	case <-emptied:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("empty never fired")
	}
}

func TestRoomEmptyTimerCancelledByReconnect(t *testing.T) {
	f := newFixture("alice")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})

	emptied := make(chan struct{}, 1)
	r.On(EventEmpty, func(events.Event) {
		emptied <- struct{}{}
	})

	sig, _ := connect(r, "alice")
	sig.Close()
	// Back before the timer fires.
	time.Sleep(10 * time.Millisecond)
	require.NotNil(t, r.Connect("alice"))

	select {
	case <-emptied:
		t.Fatal("empty fired despite a live member")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestRoomDisconnectKeepsStandingMembers(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	connect(r, "alice")
	connect(r, "bob")
	require.True(t, r.PersistRoom(context.Background()))

	r.Disconnect("bob")

	assert.True(t, r.Users().Exists("bob"), "authorized member survives disconnect")
	assert.NotContains(t, r.Users().OnlineIDs(), "bob")
	assert.True(t, f.rooms.isAuthorized("r1", "bob"))
}

func TestRoomDisconnectDropsEphemeralMembers(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	connect(r, "alice")
	connect(r, "bob")

	r.Disconnect("bob")
	assert.False(t, r.Users().Exists("bob"))
}

func TestRoomRemoveUserClosesSignalLast(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	_, aliceRec := connect(r, "alice")
	sig, _ := connect(r, "bob")

	closed := false
	sig.OnClose(func() { closed = true })

	r.RemoveUser("bob")

	assert.True(t, closed)
	assert.False(t, r.Users().Exists("bob"))
	assert.Equal(t, 1, aliceRec.count(EventLeave))
}

func TestRoomUnauthDemotesWorgMember(t *testing.T) {
	f := newFixture("alice", "bob")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	connect(r, "alice")
	connect(r, "bob")
	require.True(t, r.PersistRoom(context.Background()))
	r.Users().AddToWorg("w-x", "bob")

	r.UnAuthUser(context.Background(), "bob")

	assert.False(t, r.Users().IsAuthorized("bob"))
	assert.True(t, r.Users().Exists("bob"), "workgroup standing keeps membership")

	r.UnAuthUser(context.Background(), "alice")
	assert.False(t, r.Users().Exists("alice"), "no remaining standing, fully removed")
}

func TestRoomCloseIsIdempotentAndCascades(t *testing.T) {
	f := newFixture("alice")
	r := newOpenRoom(t, f, Options{ID: "r1", OwnerID: "alice"})
	sig, _ := connect(r, "alice")

	var closedEvents int
	r.On(EventClosed, func(events.Event) { closedEvents++ })

	r.Close()
	r.Close()

	assert.Equal(t, 1, closedEvents)
	assert.Nil(t, r.Connect("alice"), "closed room admits nobody")
	sig.ToAccount(events.New("x", nil)) // no panic on a severed signal
}

func TestContactRoomAdmitsOnlyThePair(t *testing.T) {
	f := newFixture("alice", "bob", "carol")
	c := NewContact(Options{ID: "c1", OwnerID: "alice"}, f.deps, "alice", "bob")
	require.NoError(t, c.Initialize(context.Background()))

	require.NotNil(t, c.Connect("alice"))
	require.NotNil(t, c.Connect("bob"))
	assert.Nil(t, c.Connect("carol"))

	assert.Equal(t, "bob", c.OtherUser("alice"))
	assert.Equal(t, "alice", c.OtherUser("bob"))
	assert.Empty(t, c.OtherUser("carol"))
}
