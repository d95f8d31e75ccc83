package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRig struct {
	users *Users
	chat  *Chat
	msgs  *fakeMsgStore
	recs  map[string]*recorder
	now   time.Time
}

// newChatRig wires a chat with three online members; "admin" carries the
// admin role flag.
func newChatRig(t *testing.T, persistent bool) *chatRig {
	t.Helper()
	rig := &chatRig{
		users: NewUsers("r1", false, testLogger()),
		msgs:  newFakeMsgStore(),
		recs:  map[string]*recorder{},
		now:   time.Now(),
	}
	history := NewLog("r1", persistent, rig.msgs, testLogger())
	rig.chat = NewChat("r1", persistent, rig.users, history, rig.msgs, fastTiming(), testLogger())
	rig.chat.now = func() time.Time { return rig.now }

	for _, id := range []string{"alice", "bob", "admin"} {
		require.True(t, rig.users.Set(ident(id)))
		roles := Roles{IsAdmin: id == "admin"}
		sig := NewSignal(id, "r1", roles)
		rec := &recorder{}
		sig.BindAccount(rec.listen)
		rig.users.SetOnline(id, sig)
		rig.recs[id] = rec
	}
	return rig
}

func TestChatSendBroadcastsAndEchoes(t *testing.T) {
	rig := newChatRig(t, false)

	ev, code := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	require.Empty(t, code)

	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))
	assert.NotEmpty(t, sent.MsgID)
	assert.Equal(t, "alice", sent.FromID)

	assert.Equal(t, 1, rig.recs["bob"].count(EventMsg))
	assert.Equal(t, 1, rig.recs["alice"].count(EventMsg), "source gets the id-bearing echo")

	var echoed MsgData
	require.NoError(t, rig.recs["alice"].typed(EventMsg)[0].DecodeData(&echoed))
	assert.Equal(t, sent.MsgID, echoed.MsgID)
}

func TestChatSendRefusesNonMember(t *testing.T) {
	rig := newChatRig(t, false)
	_, code := rig.chat.Send(context.Background(), "stranger", MsgData{Message: "hi"})
	assert.Equal(t, ErrNotInRoom, code)
}

func TestChatSendFailsClosedOnStorage(t *testing.T) {
	rig := newChatRig(t, true)
	rig.msgs.failSave = true

	_, code := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	assert.Equal(t, ErrNoMsg, code)
	assert.Zero(t, rig.recs["bob"].count(EventMsg), "nothing broadcast past a failed write")
	assert.Empty(t, rig.chat.Last("bob", 10))
}

func TestChatAuthorEditInsideGrace(t *testing.T) {
	rig := newChatRig(t, false)
	ev, code := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	require.Empty(t, code)
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))

	rig.now = rig.now.Add(2 * time.Minute)
	edited, code := rig.chat.Edit(context.Background(), "alice", sent.MsgID, "hello", "")
	require.Empty(t, code)
	assert.Equal(t, EventUpdate, edited.Type)

	var d MsgData
	require.NoError(t, edited.DecodeData(&d))
	assert.Equal(t, "hello", d.Message)
	assert.Equal(t, "alice", d.EditBy)
	assert.Empty(t, d.EditReason)
	assert.Equal(t, 1, rig.recs["bob"].count(EventUpdate))
}

func TestChatAuthorEditOutsideGraceRefused(t *testing.T) {
	rig := newChatRig(t, false)
	ev, _ := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))

	rig.now = rig.now.Add(6 * time.Minute)
	_, code := rig.chat.Edit(context.Background(), "alice", sent.MsgID, "hello", "")
	assert.Equal(t, ErrEditNotAllowed, code)
}

func TestChatAdminEditNeedsReason(t *testing.T) {
	rig := newChatRig(t, false)
	ev, _ := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))
	rig.now = rig.now.Add(time.Hour)

	_, code := rig.chat.Edit(context.Background(), "admin", sent.MsgID, "redacted", "")
	assert.Equal(t, ErrEditNotAllowed, code, "admin without reason is refused")

	edited, code := rig.chat.Edit(context.Background(), "admin", sent.MsgID, "redacted", "policy")
	require.Empty(t, code)
	assert.Equal(t, EventEdit, edited.Type)

	var d MsgData
	require.NoError(t, edited.DecodeData(&d))
	assert.Equal(t, "admin", d.EditBy)
	assert.Equal(t, "policy", d.EditReason)
}

func TestChatNonAdminEditOfOthersRefused(t *testing.T) {
	rig := newChatRig(t, false)
	ev, _ := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))

	_, code := rig.chat.Edit(context.Background(), "bob", sent.MsgID, "nope", "because")
	assert.Equal(t, ErrEditNotAllowed, code)
}

func TestChatEditUnknownMessage(t *testing.T) {
	rig := newChatRig(t, false)
	_, code := rig.chat.Edit(context.Background(), "alice", "no-such-id", "x", "")
	assert.Equal(t, ErrNoMsg, code)
}

func TestChatEditFailsClosedOnStorage(t *testing.T) {
	rig := newChatRig(t, true)
	ev, code := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	require.Empty(t, code)
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))

	rig.msgs.failUpdate = true
	_, code = rig.chat.Edit(context.Background(), "alice", sent.MsgID, "hello", "")
	assert.Equal(t, ErrNoMsg, code)

	// The in-memory log still holds the original text.
	tail := rig.chat.Last("bob", 1)
	require.Len(t, tail, 1)
	var d MsgData
	require.NoError(t, tail[0].DecodeData(&d))
	assert.Equal(t, "hi", d.Message)
}

func TestChatEditReplacesLogItem(t *testing.T) {
	rig := newChatRig(t, false)
	ev, _ := rig.chat.Send(context.Background(), "alice", MsgData{Message: "hi"})
	var sent MsgData
	require.NoError(t, ev.DecodeData(&sent))

	_, code := rig.chat.Edit(context.Background(), "alice", sent.MsgID, "hello", "")
	require.Empty(t, code)

	tail := rig.chat.Last("bob", 1)
	require.Len(t, tail, 1)
	assert.Equal(t, EventUpdate, tail[0].Type)
	var d MsgData
	require.NoError(t, tail[0].DecodeData(&d))
	assert.Equal(t, "hello", d.Message)
	assert.Equal(t, sent.MsgID, d.MsgID, "message id survives the rewrite")
}
