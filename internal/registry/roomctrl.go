package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

// ErrRoomNotFound means the id resolves to nothing, durable or live.
var ErrRoomNotFound = errors.New("room not found")

// workRoomPrefix derives a stable room id from a workgroup clientId, so a
// workgroup room can be reloaded without a separate mapping table.
const workRoomPrefix = "worg-"

// LiveRoom is the handle the controller and accounts hold a room through.
// Plain, contact and work rooms all satisfy it.
type LiveRoom interface {
	ID() string
	OwnerID() string
	Kind() string
	IsOpen() bool
	IsPersistent() bool
	Connect(userID string) *room.Signal
	Disconnect(userID string)
	RemoveUser(userID string)
	PersistRoom(ctx context.Context) bool
	Users() *room.Users
	Invite() *room.Invite
	On(eventType string, fn events.Listener) string
	Close()
}

// RoomLoader reads durable room rows. Implemented by store.RoomRepository.
type RoomLoader interface {
	GetRoom(ctx context.Context, roomID string) (*store.RoomRow, error)
}

// RelationStore binds user pairs to contact rooms. Implemented by
// store.RelationRepository.
type RelationStore interface {
	CreateRelation(ctx context.Context, rel *store.RelationRow) error
	GetRelation(ctx context.Context, userA, userB string) (*store.RelationRow, error)
	GetRelationByRoom(ctx context.Context, roomID string) (*store.RelationRow, error)
	GetRelationsFor(ctx context.Context, userID string) ([]*store.RelationRow, error)
	DeleteRelation(ctx context.Context, relationID string) error
}

// RoomCtrl owns every live room in the process. It is the single path from a
// room id to a room: cache first, then one deduplicated load per id no
// matter how many sessions ask at once. Rooms announce empty on their bus
// and the controller evicts and closes them.
type RoomCtrl struct {
	deps      room.Deps
	loader    RoomLoader
	relations RelationStore
	log       *slog.Logger

	mu     sync.Mutex
	rooms  map[string]LiveRoom
	flight singleflight.Group
}

func NewRoomCtrl(deps room.Deps, loader RoomLoader, relations RelationStore) *RoomCtrl {
	return &RoomCtrl{
		deps:      deps,
		loader:    loader,
		relations: relations,
		log:       deps.Log.With("component", "roomctrl"),
		rooms:     make(map[string]LiveRoom),
	}
}

// Get returns the live room for id, loading it from storage on a cache
// miss. Concurrent misses for the same id share one load.
func (c *RoomCtrl) Get(ctx context.Context, roomID string) (LiveRoom, error) {
	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(roomID, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.rooms[roomID]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()
		return c.load(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(LiveRoom), nil
}

// Cached reports a cache hit without loading.
func (c *RoomCtrl) Cached(roomID string) (LiveRoom, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	return r, ok
}

// Create opens a fresh ephemeral room owned by ownerID.
func (c *RoomCtrl) Create(ctx context.Context, ownerID, name string, isPrivate bool) (LiveRoom, error) {
	r := room.New(room.Options{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		IsPrivate: isPrivate,
	}, c.deps)
	if err := r.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize room: %w", err)
	}
	c.install(r)
	return r, nil
}

// EnsureContact returns the contact room for a user pair, creating the
// relation and its durable room on first contact.
func (c *RoomCtrl) EnsureContact(ctx context.Context, userA, userB string) (LiveRoom, error) {
	rel, err := c.relations.GetRelation(ctx, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("relation lookup: %w", err)
	}
	if rel == nil {
		rel = &store.RelationRow{
			ID:     uuid.NewString(),
			RoomID: uuid.NewString(),
			UserA:  userA,
			UserB:  userB,
		}
		if c.deps.Rooms != nil {
			err := c.deps.Rooms.CreateRoom(ctx, &store.RoomRow{
				ID:      rel.RoomID,
				OwnerID: userA,
				Kind:    room.KindContact,
			})
			if err != nil {
				return nil, fmt.Errorf("create contact room: %w", err)
			}
			if err := c.deps.Rooms.AuthorizeUsers(ctx, rel.RoomID, []string{userA, userB}); err != nil {
				return nil, fmt.Errorf("authorize pair: %w", err)
			}
		}
		if err := c.relations.CreateRelation(ctx, rel); err != nil {
			return nil, fmt.Errorf("create relation: %w", err)
		}
	}

	c.mu.Lock()
	if r, ok := c.rooms[rel.RoomID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(rel.RoomID, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.rooms[rel.RoomID]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()
		return c.buildContact(ctx, rel)
	})
	if err != nil {
		return nil, err
	}
	return v.(LiveRoom), nil
}

// EnsureWork returns the room hosting a workgroup, creating it on first
// use. The room id is derived from the worg clientId.
func (c *RoomCtrl) EnsureWork(ctx context.Context, worg room.WorgInfo) (LiveRoom, error) {
	roomID := workRoomPrefix + worg.ClientID

	c.mu.Lock()
	if r, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(roomID, func() (any, error) {
		c.mu.Lock()
		if r, ok := c.rooms[roomID]; ok {
			c.mu.Unlock()
			return r, nil
		}
		c.mu.Unlock()

		if c.deps.Rooms != nil {
			err := c.deps.Rooms.CreateRoom(ctx, &store.RoomRow{
				ID:   roomID,
				Name: worg.Name,
				Kind: room.KindWork,
			})
			if err != nil {
				return nil, fmt.Errorf("create work room: %w", err)
			}
		}
		w := room.NewWork(room.Options{
			ID:         roomID,
			Name:       worg.Name,
			Persistent: true,
			OwnWorg:    worg.ClientID,
		}, c.deps)
		if err := w.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize work room: %w", err)
		}
		c.install(w)
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(LiveRoom), nil
}

// RedeemInvite finds the live room whose invite ledger recognizes the
// token, consuming it if it was single-use. Check has no side effects on
// a non-match, so scanning every live room is safe. Invites on rooms not
// currently live resolve through the durable invite table instead.
func (c *RoomCtrl) RedeemInvite(ctx context.Context, token string) (LiveRoom, bool) {
	c.mu.Lock()
	rooms := make([]LiveRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if r.Invite().Check(ctx, token) {
			return r, true
		}
	}
	return nil, false
}

// load rebuilds one room from its durable row.
func (c *RoomCtrl) load(ctx context.Context, roomID string) (LiveRoom, error) {
	row, err := c.loader.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if row == nil {
		return nil, ErrRoomNotFound
	}

	opts := room.Options{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		Name:       row.Name,
		Avatar:     row.Avatar,
		IsPrivate:  row.IsPrivate,
		Persistent: true,
		Kind:       row.Kind,
	}

	var lr LiveRoom
	var initErr error
	switch row.Kind {
	case room.KindContact:
		rel, err := c.relations.GetRelationByRoom(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("contact relation for %s: %w", roomID, err)
		}
		if rel == nil {
			return nil, ErrRoomNotFound
		}
		cr := room.NewContact(opts, c.deps, rel.UserA, rel.UserB)
		initErr = cr.Initialize(ctx)
		lr = cr
	case room.KindWork:
		opts.OwnWorg = strings.TrimPrefix(row.ID, workRoomPrefix)
		wr := room.NewWork(opts, c.deps)
		initErr = wr.Initialize(ctx)
		lr = wr
	default:
		pr := room.New(opts, c.deps)
		initErr = pr.Initialize(ctx)
		lr = pr
	}
	if initErr != nil {
		return nil, fmt.Errorf("initialize room %s: %w", roomID, initErr)
	}
	c.install(lr)
	return lr, nil
}

func (c *RoomCtrl) buildContact(ctx context.Context, rel *store.RelationRow) (LiveRoom, error) {
	cr := room.NewContact(room.Options{
		ID:         rel.RoomID,
		OwnerID:    rel.UserA,
		Persistent: true,
	}, c.deps, rel.UserA, rel.UserB)
	if err := cr.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize contact room: %w", err)
	}
	c.install(cr)
	return cr, nil
}

// install caches the room and arms eviction on its empty signal.
func (c *RoomCtrl) install(r LiveRoom) {
	c.mu.Lock()
	c.rooms[r.ID()] = r
	c.mu.Unlock()

	r.On(room.EventEmpty, func(events.Event) {
		c.evict(r.ID())
	})
}

func (c *RoomCtrl) evict(roomID string) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.log.Info("room evicted", "room", roomID)
	r.Close()
}

// Len reports the live room count.
func (c *RoomCtrl) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// Close tears down every live room.
func (c *RoomCtrl) Close() {
	c.mu.Lock()
	rooms := make([]LiveRoom, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = make(map[string]LiveRoom)
	c.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}
