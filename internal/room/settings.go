package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// Settings holds the mutable room settings and broadcasts changes to
// online members. Writes go to storage first on persistent rooms.
type Settings struct {
	roomID string
	store  RoomStore
	users  *Users
	log    *slog.Logger

	mu         sync.Mutex
	persistent bool
	name       string
	isPrivate  bool
}

func NewSettings(roomID string, persistent bool, name string, isPrivate bool, st RoomStore, users *Users, log *slog.Logger) *Settings {
	return &Settings{
		roomID:     roomID,
		store:      st,
		users:      users,
		log:        log.With("room", roomID),
		persistent: persistent,
		name:       name,
		isPrivate:  isPrivate,
	}
}

func (s *Settings) SetPersistent(p bool) {
	s.mu.Lock()
	s.persistent = p
	s.mu.Unlock()
}

func (s *Settings) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Settings) IsPrivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPrivate
}

// SetName renames the room: durable write first, then memory, then the
// broadcast. A failed write changes nothing.
func (s *Settings) SetName(ctx context.Context, byID, name string) bool {
	s.mu.Lock()
	persistent := s.persistent
	s.mu.Unlock()

	if persistent && s.store != nil {
		if err := s.store.SetRoomName(ctx, s.roomID, name); err != nil {
			s.log.Warn("room rename failed", "err", err)
			return false
		}
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()

	s.users.Broadcast(nil, events.New(EventSettings, map[string]any{
		"setting": "name",
		"value":   name,
		"by":      byID,
	}), "", false)
	return true
}

// Snapshot returns the settings as pushed to a joining client.
func (s *Settings) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"name":      s.name,
		"isPrivate": s.isPrivate,
	}
}
