package room

import (
	"context"
	"log/slog"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

// IdentityLookup is what rooms need from the identity cache.
type IdentityLookup interface {
	Get(ctx context.Context, clientID string) (*identity.Identity, error)
	GetMap(ctx context.Context, clientIDs []string) (map[string]*identity.Identity, error)
}

// RoomStore is the durable room operations a room performs. Implemented by
// store.RoomRepository.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *store.RoomRow) error
	SetRoomName(ctx context.Context, roomID, name string) error
	DeleteRoom(ctx context.Context, roomID string) error
	AuthorizeUsers(ctx context.Context, roomID string, userIDs []string) error
	RevokeAuthorization(ctx context.Context, roomID, userID string) error
	GetAuthorizedUsers(ctx context.Context, roomID string) ([]string, error)
	AssignWorkgroup(ctx context.Context, roomID, fID, clientID string) error
	DismissWorkgroup(ctx context.Context, roomID, fID string) error
	GetWorkgroups(ctx context.Context, roomID string) ([]store.WorkgroupRow, error)
	SetLastRead(ctx context.Context, roomID, userID, messageID string) error
	GetLastRead(ctx context.Context, roomID string) (map[string]string, error)
}

// MessageStore is the durable chat log. Implemented by
// store.MessageRepository.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *store.MessageRow) error
	UpdateMessage(ctx context.Context, msgID, message, editedBy, reason string) error
	GetMessage(ctx context.Context, msgID string) (*store.MessageRow, error)
	GetRecent(ctx context.Context, roomID string, limit int) ([]*store.MessageRow, error)
	GetBefore(ctx context.Context, roomID, beforeID string, limit int) ([]*store.MessageRow, error)
}

// InviteStore is the durable invite token store. Implemented by
// store.InviteRepository.
type InviteStore interface {
	SaveInvite(ctx context.Context, inv *store.InviteRow) error
	GetRoomInvites(ctx context.Context, roomID string) ([]*store.InviteRow, error)
	DeleteInvite(ctx context.Context, token string) error
}

// Relay is the external media-relay boundary. The live session only ever
// needs these five things; the relay's own session/SDP protocol is opaque.
type Relay interface {
	AddUser(ctx context.Context, userID string) error
	RemoveUser(ctx context.Context, userID string) error
	SetSource(ctx context.Context, userID string) error
	HandleSignal(ctx context.Context, userID string, payload any) error
	OnClosed(fn func())
	Close()
}

// RelayFactory spins up a relay process for one room's live session.
type RelayFactory func(roomID string) (Relay, error)

// WorgInfo is what a room needs to know about one external workgroup.
type WorgInfo struct {
	FID      string
	ClientID string
	ParentID string
	Name     string
}

// WorgDirectory is what rooms need from the workgroup registry: membership
// to mirror, streamer designation for source election, and hierarchy.
type WorgDirectory interface {
	GetWorg(clientID string) (*WorgInfo, bool)
	GetWorgByFID(fID string) (*WorgInfo, bool)
	MembersOf(worgClientID string) []string
	SubGroupsOf(worgClientID string) []string
	IsStreamer(userID string) bool
}

// Deps is the application context handed to every room at construction.
// Explicit, not ambient.
type Deps struct {
	Timing     config.Timing
	Flags      config.WorkgroupFlags
	Log        *slog.Logger
	Identities IdentityLookup
	Rooms      RoomStore
	Messages   MessageStore
	Invites    InviteStore
	Worgs      WorgDirectory
	NewRelay   RelayFactory
}

// Event types a room emits on its control bus (consumed by RoomCtrl) and
// broadcast to members.
const (
	EventOpen       = "open"
	EventEmpty      = "empty"
	EventClosed     = "closed"
	EventJoin       = "join"
	EventLeave      = "leave"
	EventMsg        = "msg"
	EventWorkMsg    = "work-msg"
	EventUpdate     = "update"
	EventEdit       = "edit"
	EventLive       = "live"
	EventInvite     = "invite"
	EventSettings   = "settings"
	EventPersistent = "setRoomPersistent"
	EventError      = "error"
)

// errorEvent builds the client-visible error envelope for a stable code.
func errorEvent(code string, detail any) events.Event {
	return events.New(EventError, map[string]any{
		"code": code,
		"data": detail,
	})
}
