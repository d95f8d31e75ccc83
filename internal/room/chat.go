package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// ChatBehavior is the capability a room holds its chat through; plain rooms
// and work rooms implement it differently but callers never see the
// concrete type.
type ChatBehavior interface {
	// Send distributes a chat message. Returns the stored event and an
	// error code ("" on success).
	Send(ctx context.Context, fromID string, data MsgData) (events.Event, string)
	// Edit rewrites an existing message, honoring the author grace window
	// and the admin/reason rule. Returns the refreshed event and an error
	// code ("" on success).
	Edit(ctx context.Context, byID, msgID, message, reason string) (events.Event, string)
	// History returns log items older than beforeID that byID may see.
	History(ctx context.Context, byID, beforeID string, limit int) ([]events.Event, error)
	// Last returns the newest tail items byID may see.
	Last(byID string, n int) []events.Event
	SetPersistent(p bool)
}

// Chat is the flat-broadcast chat of a plain or contact room: every online
// member except the source receives the message; the source gets an echo
// carrying the canonical message id.
type Chat struct {
	roomID   string
	users    *Users
	history  *Log
	messages MessageStore
	timing   config.Timing
	log      *slog.Logger

	mu         sync.Mutex
	persistent bool

	now func() time.Time // test hook
}

func NewChat(roomID string, persistent bool, users *Users, history *Log, messages MessageStore, timing config.Timing, log *slog.Logger) *Chat {
	return &Chat{
		roomID:     roomID,
		users:      users,
		history:    history,
		messages:   messages,
		timing:     timing,
		log:        log.With("room", roomID),
		persistent: persistent,
		now:        time.Now,
	}
}

func (c *Chat) SetPersistent(p bool) {
	c.mu.Lock()
	c.persistent = p
	c.mu.Unlock()
}

func (c *Chat) isPersistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistent
}

func (c *Chat) Send(ctx context.Context, fromID string, data MsgData) (events.Event, string) {
	if !c.users.Exists(fromID) {
		return events.Event{}, ErrNotInRoom
	}
	data.MsgID = ulid.Make().String()
	data.RoomID = c.roomID
	data.FromID = fromID
	data.Time = c.now().UnixMilli()
	ev := events.New(EventMsg, data)

	if c.isPersistent() && c.messages != nil {
		if err := c.messages.SaveMessage(ctx, msgToRow(c.roomID, EventMsg, &data)); err != nil {
			// In-memory state never advances past a failed durable write.
			c.log.Warn("message save failed", "err", err)
			return events.Event{}, ErrNoMsg
		}
	}
	c.history.Add(ev)

	c.users.Broadcast(nil, ev, fromID, false)
	c.users.Send(fromID, ev)
	return ev, ""
}

// Edit applies the message edit rules: the author may rewrite freely inside
// the grace window (recorded as an update); outside it, or for any other
// user, only an admin supplying a non-empty reason may rewrite (recorded as
// an edit). Both re-broadcast the refreshed event to the original
// recipients.
func (c *Chat) Edit(ctx context.Context, byID, msgID, message, reason string) (events.Event, string) {
	_, data, ok := c.history.Find(ctx, msgID)
	if !ok {
		return events.Event{}, ErrNoMsg
	}

	eventType, code := c.classifyEdit(byID, data, reason)
	if code != "" {
		return events.Event{}, code
	}

	if c.isPersistent() && c.messages != nil {
		persistReason := ""
		if eventType == EventEdit {
			persistReason = reason
		}
		if err := c.messages.UpdateMessage(ctx, msgID, message, byID, persistReason); err != nil {
			c.log.Warn("message update failed", "msgId", msgID, "err", err)
			return events.Event{}, ErrNoMsg
		}
	}

	refreshed := *data
	refreshed.Message = message
	refreshed.EditBy = byID
	if eventType == EventEdit {
		refreshed.EditReason = reason
	}
	ev := events.New(eventType, refreshed)
	c.history.Replace(msgID, ev)

	c.broadcastEdit(ev, &refreshed)
	return ev, ""
}

// classifyEdit decides update vs edit vs refusal.
func (c *Chat) classifyEdit(byID string, data *MsgData, reason string) (string, string) {
	inGrace := c.now().Sub(time.UnixMilli(data.Time)) <= c.timing.EditGrace
	if byID == data.FromID && inGrace {
		return EventUpdate, ""
	}
	sig := c.users.GetSignal(byID)
	if sig != nil && sig.Roles.IsAdmin && reason != "" {
		return EventEdit, ""
	}
	return "", ErrEditNotAllowed
}

// broadcastEdit re-delivers the refreshed message to its original
// recipients; for a flat room that is every online member.
func (c *Chat) broadcastEdit(ev events.Event, _ *MsgData) {
	c.users.Broadcast(nil, ev, "", false)
}

func (c *Chat) History(ctx context.Context, _ string, beforeID string, limit int) ([]events.Event, error) {
	return c.history.Page(ctx, beforeID, limit)
}

func (c *Chat) Last(_ string, n int) []events.Event {
	return c.history.Tail(n)
}
