package room

import (
	"context"
	"log/slog"
	"sync"
)

// Workgroup tracks which external workgroups are assigned to the room and
// mirrors their membership into Users. The directory owns group truth; this
// component only reacts to it.
type Workgroup struct {
	roomID string
	store  RoomStore
	dir    WorgDirectory
	users  *Users
	log    *slog.Logger

	mu         sync.Mutex
	persistent bool
	ownID      string // the room's own worg clientId
	assigned   map[string]WorgInfo
}

func NewWorkgroup(roomID string, persistent bool, ownID string, st RoomStore, dir WorgDirectory, users *Users, log *slog.Logger) *Workgroup {
	return &Workgroup{
		roomID:     roomID,
		store:      st,
		dir:        dir,
		users:      users,
		log:        log.With("room", roomID),
		persistent: persistent,
		ownID:      ownID,
		assigned:   make(map[string]WorgInfo),
	}
}

func (w *Workgroup) SetPersistent(p bool) {
	w.mu.Lock()
	w.persistent = p
	w.mu.Unlock()
}

// OwnID is the room's own workgroup clientId, empty for a plain room.
func (w *Workgroup) OwnID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ownID
}

// Initialize loads persisted assignments and mirrors current membership.
func (w *Workgroup) Initialize(ctx context.Context) error {
	w.mu.Lock()
	persistent := w.persistent
	ownID := w.ownID
	w.mu.Unlock()

	if ownID != "" {
		w.mirror(ownID)
	}
	if !persistent || w.store == nil {
		return nil
	}
	rows, err := w.store.GetWorkgroups(ctx, w.roomID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		info := WorgInfo{FID: row.FID, ClientID: row.ClientID}
		if full, ok := w.dir.GetWorg(row.ClientID); ok {
			info = *full
		}
		w.mu.Lock()
		w.assigned[info.ClientID] = info
		w.mu.Unlock()
		w.mirror(info.ClientID)
	}
	return nil
}

// Assign binds a workgroup to the room: durable write first, then the
// in-memory assignment and membership mirror.
func (w *Workgroup) Assign(ctx context.Context, info WorgInfo) bool {
	w.mu.Lock()
	if _, ok := w.assigned[info.ClientID]; ok {
		w.mu.Unlock()
		return true
	}
	persistent := w.persistent
	w.mu.Unlock()

	if persistent && w.store != nil {
		if err := w.store.AssignWorkgroup(ctx, w.roomID, info.FID, info.ClientID); err != nil {
			w.log.Warn("workgroup assign failed", "worg", info.ClientID, "err", err)
			return false
		}
	}
	w.mu.Lock()
	w.assigned[info.ClientID] = info
	w.mu.Unlock()
	w.mirror(info.ClientID)
	return true
}

// Dismiss unbinds a workgroup and purges its mirrored membership.
func (w *Workgroup) Dismiss(ctx context.Context, clientID string) {
	w.mu.Lock()
	info, ok := w.assigned[clientID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.assigned, clientID)
	persistent := w.persistent
	w.mu.Unlock()

	if persistent && w.store != nil {
		if err := w.store.DismissWorkgroup(ctx, w.roomID, info.FID); err != nil {
			w.log.Warn("workgroup dismiss failed", "worg", clientID, "err", err)
		}
	}
	for _, uid := range w.users.WorgMembers(clientID) {
		w.users.RemoveFromWorg(clientID, uid)
	}
}

// IsAssigned reports an active assignment (the room's own worg counts).
func (w *Workgroup) IsAssigned(clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if clientID == w.ownID && w.ownID != "" {
		return true
	}
	_, ok := w.assigned[clientID]
	return ok
}

// AssignedIDs lists assigned worg clientIds, own worg first.
func (w *Workgroup) AssignedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.assigned)+1)
	if w.ownID != "" {
		out = append(out, w.ownID)
	}
	for id := range w.assigned {
		if id != w.ownID {
			out = append(out, id)
		}
	}
	return out
}

// SubWorgIDs lists the sub-groups linked under the room's own worg that
// are assigned to this room.
func (w *Workgroup) SubWorgIDs() []string {
	w.mu.Lock()
	ownID := w.ownID
	w.mu.Unlock()
	if ownID == "" || w.dir == nil {
		return nil
	}
	var out []string
	for _, sub := range w.dir.SubGroupsOf(ownID) {
		if w.IsAssigned(sub) {
			out = append(out, sub)
		}
	}
	return out
}

// MembersAdded mirrors a directory membership delta into Users.
func (w *Workgroup) MembersAdded(worgClientID string, userIDs []string) {
	if !w.IsAssigned(worgClientID) {
		return
	}
	for _, uid := range userIDs {
		w.users.AddToWorg(worgClientID, uid)
	}
}

// MembersRemoved mirrors a removal delta.
func (w *Workgroup) MembersRemoved(worgClientID string, userIDs []string) {
	for _, uid := range userIDs {
		w.users.RemoveFromWorg(worgClientID, uid)
	}
}

// mirror copies the directory's current membership for one worg.
func (w *Workgroup) mirror(worgClientID string) {
	if w.dir == nil {
		return
	}
	for _, uid := range w.dir.MembersOf(worgClientID) {
		w.users.AddToWorg(worgClientID, uid)
	}
}
