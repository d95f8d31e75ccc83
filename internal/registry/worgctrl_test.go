package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
)

func newWorgCtrl() *WorgCtrl {
	return NewWorgCtrl(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWorgCtrlMapping(t *testing.T) {
	w := newWorgCtrl()
	w.UpdateWorg(room.WorgInfo{FID: "f1", ClientID: "w-dev", Name: "Developers"})

	byClient, ok := w.GetWorg("w-dev")
	require.True(t, ok)
	assert.Equal(t, "Developers", byClient.Name)

	byFID, ok := w.GetWorgByFID("f1")
	require.True(t, ok)
	assert.Equal(t, "w-dev", byFID.ClientID)

	_, ok = w.GetWorg("nope")
	assert.False(t, ok)
}

func TestWorgCtrlMembershipDeltas(t *testing.T) {
	w := newWorgCtrl()
	w.UpdateWorg(room.WorgInfo{FID: "f1", ClientID: "w-dev"})

	var added, removed []WorgDelta
	w.On(EventMembersAdded, func(ev events.Event) {
		var d WorgDelta
		require.NoError(t, ev.DecodeData(&d))
		added = append(added, d)
	})
	w.On(EventMembersRemoved, func(ev events.Event) {
		var d WorgDelta
		require.NoError(t, ev.DecodeData(&d))
		removed = append(removed, d)
	})

	w.SetMembers("w-dev", []string{"a", "b"})
	require.Len(t, added, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, added[0].UserIDs)
	assert.Empty(t, removed)

	w.SetMembers("w-dev", []string{"b", "c"})
	require.Len(t, added, 2)
	assert.Equal(t, []string{"c"}, added[1].UserIDs)
	require.Len(t, removed, 1)
	assert.Equal(t, []string{"a"}, removed[0].UserIDs)

	// No change, no events.
	w.SetMembers("w-dev", []string{"b", "c"})
	assert.Len(t, added, 2)
	assert.Len(t, removed, 1)

	assert.ElementsMatch(t, []string{"b", "c"}, w.MembersOf("w-dev"))
}

func TestWorgCtrlSuperDemotion(t *testing.T) {
	w := newWorgCtrl()
	var demoted []string
	w.On(EventSuperRemoved, func(ev events.Event) {
		var id string
		require.NoError(t, ev.DecodeData(&id))
		demoted = append(demoted, id)
	})

	w.SetSuperGroups([]string{"w-a", "w-b"})
	assert.True(t, w.IsSuper("w-a"))
	assert.Empty(t, demoted)

	w.SetSuperGroups([]string{"w-b"})
	assert.Equal(t, []string{"w-a"}, demoted)
	assert.False(t, w.IsSuper("w-a"))
	assert.True(t, w.IsSuper("w-b"))
}

func TestWorgCtrlHierarchyAndStreamers(t *testing.T) {
	w := newWorgCtrl()
	w.UpdateWorg(room.WorgInfo{FID: "f1", ClientID: "w-super"})
	w.UpdateWorg(room.WorgInfo{FID: "f2", ClientID: "w-a", ParentID: "w-super"})
	w.UpdateWorg(room.WorgInfo{FID: "f3", ClientID: "w-b", ParentID: "w-super"})

	assert.ElementsMatch(t, []string{"w-a", "w-b"}, w.SubGroupsOf("w-super"))
	assert.Empty(t, w.SubGroupsOf("w-a"))

	w.SetStreamers([]string{"alice"})
	assert.True(t, w.IsStreamer("alice"))
	assert.False(t, w.IsStreamer("bob"))

	w.SetMembers("w-a", []string{"alice"})
	worgs := w.WorgsFor("alice")
	require.Len(t, worgs, 1)
	assert.Equal(t, "w-a", worgs[0].ClientID)
}

func TestWorgCtrlRemoveWorg(t *testing.T) {
	w := newWorgCtrl()
	w.UpdateWorg(room.WorgInfo{FID: "f1", ClientID: "w-dev"})
	w.SetMembers("w-dev", []string{"a"})

	var removedID string
	w.On(EventWorgRemoved, func(ev events.Event) {
		_ = ev.DecodeData(&removedID)
	})

	w.RemoveWorg("w-dev")
	assert.Equal(t, "w-dev", removedID)
	_, ok := w.GetWorg("w-dev")
	assert.False(t, ok)
	assert.Empty(t, w.MembersOf("w-dev"))

	// Unknown removal is a no-op.
	w.RemoveWorg("w-dev")
}
