package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
)

// workRoomFixture builds a work room for sub-group w-sub under super-group
// w-super. "worker" is a w-sub member; "boss" sits only in w-super.
func workRoomFixture(t *testing.T, flags config.WorkgroupFlags) (*WorkRoom, *fixture) {
	t.Helper()
	f := newFixture("worker", "boss", "outsider")
	f.deps.Flags = flags
	f.worgs.addWorg(WorgInfo{FID: "f-super", ClientID: "w-super", Name: "Super"}, "boss")
	f.worgs.addWorg(WorgInfo{FID: "f-sub", ClientID: "w-sub", ParentID: "w-super", Name: "Sub"}, "worker")

	w := NewWork(Options{ID: "wr1", OwnerID: "worker", OwnWorg: "w-sub"}, f.deps)
	require.NoError(t, w.Initialize(context.Background()))
	return w, f
}

func TestWorkRoomAdmitsOwnWorgMember(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{})
	sig := w.Connect("worker")
	require.NotNil(t, sig)
	assert.True(t, w.Users().InWorg("w-sub", "worker"))
	assert.False(t, w.Users().IsViewer("worker"))
}

func TestWorkRoomRefusesStrangers(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{})
	assert.Nil(t, w.Connect("outsider"))
	assert.Nil(t, w.Connect("boss"), "super membership grants nothing without a flag")
}

func TestWorkRoomSuperMemberGetsSeat(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{SupersHaveSubRoom: true})
	sig := w.Connect("boss")
	require.NotNil(t, sig)
	assert.True(t, w.Users().InWorg("w-super", "boss"))
	assert.False(t, w.Users().IsViewer("boss"), "a real seat, not a viewer slot")
}

func TestWorkRoomSuperMemberFallsBackToViewer(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{SubsHaveSuperView: true})
	sig := w.Connect("boss")
	require.NotNil(t, sig)
	assert.True(t, w.Users().IsViewer("boss"))
}

func TestWorkRoomSeatWinsOverViewer(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{
		SupersHaveSubRoom: true,
		SubsHaveSuperView: true,
	})
	sig := w.Connect("boss")
	require.NotNil(t, sig)
	assert.False(t, w.Users().IsViewer("boss"), "seat precedence beats the viewer slot")
}

func TestWorkRoomChatIsHierarchical(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{})
	require.NotNil(t, w.Connect("worker"))

	_, code := w.Chat().Send(context.Background(), "worker", MsgData{Message: "hi"})
	require.Empty(t, code)

	tail := w.Chat().Last("worker", 10)
	require.Len(t, tail, 1)
	assert.Equal(t, EventWorkMsg, tail[0].Type, "work rooms log work messages")
}

func TestWorkRoomViewerSeesOwnLevelChat(t *testing.T) {
	w, _ := workRoomFixture(t, config.WorkgroupFlags{SubsHaveSuperView: true})
	require.NotNil(t, w.Connect("worker"))
	require.NotNil(t, w.Connect("boss"))

	visible := w.WorkChat().VisibleTo(&MsgData{FromID: "worker"})
	assert.Contains(t, visible, "boss", "admitted viewer rides along on room chat")
	assert.Contains(t, visible, "worker")
}
