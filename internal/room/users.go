package room

import (
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
)

type member struct {
	id       string
	identity *identity.Identity
	signal   *Signal // nil while offline
	lastRead string
}

// Users is the membership registry of one room. It tracks the full roster,
// the online and active subsets, durable-authorization holders, guests,
// per-workgroup membership and the derived viewer set. It is the
// authorization gate: once the room is persistent, Set refuses any identity
// that is not already authorized, a guest, or a member of an assigned
// workgroup.
type Users struct {
	roomID string
	log    *slog.Logger

	mu         sync.Mutex
	persistent bool
	everyone   map[string]*member
	everyID    []string // roster in join order
	online     []string
	active     map[string]bool
	authorized map[string]bool
	guests     map[string]bool
	worgs      map[string][]string // worg clientId -> member ids
	viewers    map[string]bool
}

func NewUsers(roomID string, persistent bool, log *slog.Logger) *Users {
	return &Users{
		roomID:     roomID,
		log:        log.With("room", roomID),
		persistent: persistent,
		everyone:   make(map[string]*member),
		active:     make(map[string]bool),
		authorized: make(map[string]bool),
		guests:     make(map[string]bool),
		worgs:      make(map[string][]string),
		viewers:    make(map[string]bool),
	}
}

// SetPersistent flips the registry into gated mode. One-way in practice;
// the room never un-persists.
func (u *Users) SetPersistent(p bool) {
	u.mu.Lock()
	u.persistent = p
	u.mu.Unlock()
}

// Set registers an identity in the roster. On a persistent room it fails
// closed for identities with no standing (not authorized, not a guest, not
// in any assigned workgroup). Idempotent for known members.
func (u *Users) Set(id *identity.Identity) bool {
	if id == nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.everyone[id.ID]; ok {
		u.everyone[id.ID].identity = id
		return true
	}
	if u.persistent && !u.hasStandingLocked(id.ID) {
		u.log.Debug("set denied, no standing", "user", id.ID)
		return false
	}
	u.everyone[id.ID] = &member{id: id.ID, identity: id}
	u.everyID = append(u.everyID, id.ID)
	return true
}

// hasStandingLocked: authorized, guest, or member of some assigned worg.
func (u *Users) hasStandingLocked(userID string) bool {
	if u.authorized[userID] || u.guests[userID] {
		return true
	}
	for _, members := range u.worgs {
		for _, m := range members {
			if m == userID {
				return true
			}
		}
	}
	return false
}

// Exists reports roster membership.
func (u *Users) Exists(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.everyone[userID]
	return ok
}

// Remove purges a user from every list it appears in.
func (u *Users) Remove(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.everyone, userID)
	u.everyID = removeString(u.everyID, userID)
	u.online = removeString(u.online, userID)
	delete(u.active, userID)
	delete(u.authorized, userID)
	delete(u.guests, userID)
	delete(u.viewers, userID)
	for wid := range u.worgs {
		u.worgs[wid] = removeString(u.worgs[wid], userID)
		if len(u.worgs[wid]) == 0 {
			delete(u.worgs, wid)
		}
	}
}

// SetOnline binds a signal to a roster member. Returns false for unknown
// users.
func (u *Users) SetOnline(userID string, sig *Signal) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	m, ok := u.everyone[userID]
	if !ok {
		return false
	}
	m.signal = sig
	if !containsString(u.online, userID) {
		u.online = append(u.online, userID)
	}
	return true
}

// SetOffline unbinds the signal and drops the user from online and active.
func (u *Users) SetOffline(userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.everyone[userID]; ok {
		m.signal = nil
	}
	u.online = removeString(u.online, userID)
	delete(u.active, userID)
}

// SetActive marks or unmarks a user as currently focused on the room.
func (u *Users) SetActive(userID string, active bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.everyone[userID]; !ok {
		return
	}
	if active {
		u.active[userID] = true
	} else {
		delete(u.active, userID)
	}
}

// Authorize records durable-permission standing. The durable write happens
// before this call; this only mirrors it in memory.
func (u *Users) Authorize(userID string) {
	u.mu.Lock()
	u.authorized[userID] = true
	delete(u.guests, userID)
	u.mu.Unlock()
}

func (u *Users) Deauthorize(userID string) {
	u.mu.Lock()
	delete(u.authorized, userID)
	u.mu.Unlock()
}

func (u *Users) IsAuthorized(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.authorized[userID]
}

// SetGuest grants guest standing.
func (u *Users) SetGuest(userID string) {
	u.mu.Lock()
	u.guests[userID] = true
	u.mu.Unlock()
}

func (u *Users) IsGuest(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.guests[userID]
}

// AddToWorg mirrors external workgroup membership into the room.
func (u *Users) AddToWorg(worgID, userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !containsString(u.worgs[worgID], userID) {
		u.worgs[worgID] = append(u.worgs[worgID], userID)
	}
}

func (u *Users) RemoveFromWorg(worgID, userID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.worgs[worgID] = removeString(u.worgs[worgID], userID)
	if len(u.worgs[worgID]) == 0 {
		delete(u.worgs, worgID)
	}
}

// InWorg reports whether the user belongs to the given worg, or to any
// assigned worg when worgID is empty.
func (u *Users) InWorg(worgID, userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if worgID != "" {
		return containsString(u.worgs[worgID], userID)
	}
	for _, members := range u.worgs {
		if containsString(members, userID) {
			return true
		}
	}
	return false
}

// WorgMembers returns the member ids mirrored for one worg.
func (u *Users) WorgMembers(worgID string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.worgs[worgID]))
	copy(out, u.worgs[worgID])
	return out
}

// WorgIDs lists the worgs that currently have mirrored members.
func (u *Users) WorgIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.worgs))
	for wid := range u.worgs {
		out = append(out, wid)
	}
	return out
}

// SetViewer marks a user as read-only viewer (derived from super-group
// view assignments).
func (u *Users) SetViewer(userID string, isViewer bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if isViewer {
		u.viewers[userID] = true
	} else {
		delete(u.viewers, userID)
	}
}

func (u *Users) IsViewer(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.viewers[userID]
}

// GetSignal returns the live binding for an online user, or nil.
func (u *Users) GetSignal(userID string) *Signal {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.everyone[userID]; ok {
		return m.signal
	}
	return nil
}

// GetIdentity returns the cached identity for a roster member, or nil.
func (u *Users) GetIdentity(userID string) *identity.Identity {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.everyone[userID]; ok {
		return m.identity
	}
	return nil
}

// EveryID returns the roster in join order.
func (u *Users) EveryID() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.everyID))
	copy(out, u.everyID)
	return out
}

// OnlineIDs returns the online subset in connect order.
func (u *Users) OnlineIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.online))
	copy(out, u.online)
	return out
}

// ActiveIDs returns the currently focused subset.
func (u *Users) ActiveIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.active))
	for id := range u.active {
		out = append(out, id)
	}
	return out
}

// AuthorizedIDs returns users holding durable permission.
func (u *Users) AuthorizedIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.authorized))
	for id := range u.authorized {
		out = append(out, id)
	}
	return out
}

// GuestIDs returns current guests.
func (u *Users) GuestIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.guests))
	for id := range u.guests {
		out = append(out, id)
	}
	return out
}

// OnlineCount reports the online list size.
func (u *Users) OnlineCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.online)
}

// SetLastRead records the newest message a user has read.
func (u *Users) SetLastRead(userID, messageID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.everyone[userID]; ok {
		m.lastRead = messageID
	}
}

// LastRead returns the user's last-read marker, empty when unknown.
func (u *Users) LastRead(userID string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if m, ok := u.everyone[userID]; ok {
		return m.lastRead
	}
	return ""
}

// Broadcast delivers ev to targets (default: the online list) in list
// order. sourceID, when set, is excluded from delivery. wrapInSource
// re-wraps the event as {type: sourceID, data: ev} so receivers can
// attribute it to its origin peer. Per-recipient delivery is isolated; a
// missing signal just skips that target.
func (u *Users) Broadcast(targets []string, ev events.Event, sourceID string, wrapInSource bool) {
	if targets == nil {
		targets = u.OnlineIDs()
	}
	out := ev
	if wrapInSource {
		out = events.Wrap(sourceID, ev)
	}
	for _, uid := range targets {
		if uid == sourceID {
			continue
		}
		if sig := u.GetSignal(uid); sig != nil {
			sig.ToAccount(out)
		}
	}
}

// Send delivers ev to one online user. Returns false when the user has no
// live binding.
func (u *Users) Send(userID string, ev events.Event) bool {
	sig := u.GetSignal(userID)
	if sig == nil {
		return false
	}
	sig.ToAccount(ev)
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
