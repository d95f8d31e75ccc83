package registry

import (
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
)

// Worg events emitted on the controller bus. Membership deltas carry a
// WorgDelta; super-removed carries the demoted clientId.
const (
	EventWorgAdded      = "worg-added"
	EventWorgRemoved    = "worg-removed"
	EventSuperRemoved   = "super-removed"
	EventMembersAdded   = "members-added"
	EventMembersRemoved = "members-removed"
)

// WorgDelta is one membership change on one workgroup.
type WorgDelta struct {
	WorgID  string   `json:"worgId"`
	UserIDs []string `json:"userIds"`
}

// WorgCtrl is the process-wide workgroup registry: the fId/clientId mapping,
// per-group membership, streamer designations and the set of super groups.
// It is fed by the directory sync and consumed by rooms through the
// room.WorgDirectory interface; membership and hierarchy changes go out as
// events so work rooms can mirror them.
type WorgCtrl struct {
	log *slog.Logger
	bus *events.Emitter

	mu        sync.Mutex
	byClient  map[string]*room.WorgInfo
	byFID     map[string]string
	members   map[string][]string
	streamers map[string]bool
	supers    map[string]bool
}

func NewWorgCtrl(log *slog.Logger) *WorgCtrl {
	w := &WorgCtrl{
		log:       log.With("component", "worgctrl"),
		byClient:  make(map[string]*room.WorgInfo),
		byFID:     make(map[string]string),
		members:   make(map[string][]string),
		streamers: make(map[string]bool),
		supers:    make(map[string]bool),
	}
	w.bus = events.NewEmitter(nil)
	return w
}

// On subscribes to worg events.
func (w *WorgCtrl) On(eventType string, fn events.Listener) string {
	return w.bus.On(eventType, fn)
}

func (w *WorgCtrl) Off(id string) { w.bus.Off(id) }

// UpdateWorg registers or refreshes one workgroup.
func (w *WorgCtrl) UpdateWorg(info room.WorgInfo) {
	w.mu.Lock()
	_, known := w.byClient[info.ClientID]
	cp := info
	w.byClient[info.ClientID] = &cp
	w.byFID[info.FID] = info.ClientID
	w.mu.Unlock()

	if !known {
		w.bus.Emit(events.New(EventWorgAdded, info))
	}
}

// RemoveWorg drops a workgroup and its membership.
func (w *WorgCtrl) RemoveWorg(clientID string) {
	w.mu.Lock()
	info, ok := w.byClient[clientID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.byClient, clientID)
	delete(w.byFID, info.FID)
	delete(w.members, clientID)
	delete(w.supers, clientID)
	w.mu.Unlock()

	w.bus.Emit(events.New(EventWorgRemoved, clientID))
}

// SetMembers replaces a workgroup's membership, emitting the delta.
func (w *WorgCtrl) SetMembers(clientID string, userIDs []string) {
	w.mu.Lock()
	old := w.members[clientID]
	oldSet := make(map[string]bool, len(old))
	for _, uid := range old {
		oldSet[uid] = true
	}
	newSet := make(map[string]bool, len(userIDs))
	var added []string
	for _, uid := range userIDs {
		newSet[uid] = true
		if !oldSet[uid] {
			added = append(added, uid)
		}
	}
	var removed []string
	for _, uid := range old {
		if !newSet[uid] {
			removed = append(removed, uid)
		}
	}
	w.members[clientID] = append([]string(nil), userIDs...)
	w.mu.Unlock()

	if len(added) > 0 {
		w.bus.Emit(events.New(EventMembersAdded, WorgDelta{WorgID: clientID, UserIDs: added}))
	}
	if len(removed) > 0 {
		w.bus.Emit(events.New(EventMembersRemoved, WorgDelta{WorgID: clientID, UserIDs: removed}))
	}
}

// SetSuperGroups replaces the super-group designation set. Groups losing the
// designation are announced so their view assignments can be torn down.
func (w *WorgCtrl) SetSuperGroups(clientIDs []string) {
	w.mu.Lock()
	next := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		next[id] = true
	}
	var demoted []string
	for id := range w.supers {
		if !next[id] {
			demoted = append(demoted, id)
		}
	}
	w.supers = next
	w.mu.Unlock()

	for _, id := range demoted {
		w.bus.Emit(events.New(EventSuperRemoved, id))
	}
}

// IsSuper reports super-group designation.
func (w *WorgCtrl) IsSuper(clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.supers[clientID]
}

// SetStreamers replaces the set of users allowed to source a stream.
func (w *WorgCtrl) SetStreamers(userIDs []string) {
	w.mu.Lock()
	w.streamers = make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		w.streamers[uid] = true
	}
	w.mu.Unlock()
}

// WorgsFor lists the workgroups a user belongs to.
func (w *WorgCtrl) WorgsFor(userID string) []room.WorgInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []room.WorgInfo
	for clientID, members := range w.members {
		for _, uid := range members {
			if uid != userID {
				continue
			}
			if info, ok := w.byClient[clientID]; ok {
				out = append(out, *info)
			}
			break
		}
	}
	return out
}

// GetWorg implements room.WorgDirectory.
func (w *WorgCtrl) GetWorg(clientID string) (*room.WorgInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.byClient[clientID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// GetWorgByFID implements room.WorgDirectory.
func (w *WorgCtrl) GetWorgByFID(fID string) (*room.WorgInfo, bool) {
	w.mu.Lock()
	clientID, ok := w.byFID[fID]
	w.mu.Unlock()
	if !ok {
		return nil, false
	}
	return w.GetWorg(clientID)
}

// MembersOf implements room.WorgDirectory.
func (w *WorgCtrl) MembersOf(worgClientID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.members[worgClientID]...)
}

// SubGroupsOf implements room.WorgDirectory.
func (w *WorgCtrl) SubGroupsOf(worgClientID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for id, info := range w.byClient {
		if info.ParentID == worgClientID {
			out = append(out, id)
		}
	}
	return out
}

// IsStreamer implements room.WorgDirectory.
func (w *WorgCtrl) IsStreamer(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streamers[userID]
}
