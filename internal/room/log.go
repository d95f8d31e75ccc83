package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

const (
	logTrimAt = 100
	logKeep   = 50
)

// MsgData is the payload of every chat log item.
type MsgData struct {
	MsgID      string         `json:"msgId"`
	RoomID     string         `json:"roomId,omitempty"`
	FromID     string         `json:"fromId"`
	Time       int64          `json:"time"` // unix milliseconds
	Message    string         `json:"message"`
	FromWorg   string         `json:"fromWorg,omitempty"`
	Targets    map[string]any `json:"targets,omitempty"`
	EditBy     string         `json:"editBy,omitempty"`
	EditReason string         `json:"editReason,omitempty"`
}

// Log is the room's chat history: a bounded in-memory tail plus durable
// pass-through for paging when the room is persistent. Items are event
// envelopes of type msg / work-msg / update / edit wrapping MsgData.
type Log struct {
	roomID   string
	log      *slog.Logger
	messages MessageStore

	mu         sync.Mutex
	persistent bool
	items      []events.Event
}

func NewLog(roomID string, persistent bool, messages MessageStore, log *slog.Logger) *Log {
	return &Log{
		roomID:     roomID,
		log:        log.With("room", roomID),
		messages:   messages,
		persistent: persistent,
	}
}

func (l *Log) SetPersistent(p bool) {
	l.mu.Lock()
	l.persistent = p
	l.mu.Unlock()
}

// Initialize backfills the in-memory tail from storage for persistent
// rooms.
func (l *Log) Initialize(ctx context.Context) error {
	l.mu.Lock()
	persistent := l.persistent
	l.mu.Unlock()
	if !persistent || l.messages == nil {
		return nil
	}
	rows, err := l.messages.GetRecent(ctx, l.roomID, logKeep)
	if err != nil {
		return err
	}
	items := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		items = append(items, rowToEvent(row))
	}
	l.mu.Lock()
	l.items = append(items, l.items...)
	l.mu.Unlock()
	return nil
}

// Add appends an item and trims the tail once it grows past the high-water
// mark.
func (l *Log) Add(ev events.Event) {
	l.mu.Lock()
	l.items = append(l.items, ev)
	if len(l.items) > logTrimAt {
		l.items = append([]events.Event(nil), l.items[len(l.items)-logKeep:]...)
	}
	l.mu.Unlock()
}

// Replace swaps the stored item for msgID with the refreshed event.
func (l *Log) Replace(msgID string, ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		var d MsgData
		if err := item.DecodeData(&d); err == nil && d.MsgID == msgID {
			l.items[i] = ev
			return
		}
	}
}

// Tail returns the last n items, oldest first.
func (l *Log) Tail(n int) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.items) {
		n = len(l.items)
	}
	out := make([]events.Event, n)
	copy(out, l.items[len(l.items)-n:])
	return out
}

// Find returns the log item carrying msgID, searching the in-memory tail
// first and storage second.
func (l *Log) Find(ctx context.Context, msgID string) (events.Event, *MsgData, bool) {
	l.mu.Lock()
	for _, item := range l.items {
		var d MsgData
		if err := item.DecodeData(&d); err == nil && d.MsgID == msgID {
			l.mu.Unlock()
			return item, &d, true
		}
	}
	persistent := l.persistent
	l.mu.Unlock()

	if !persistent || l.messages == nil {
		return events.Event{}, nil, false
	}
	row, err := l.messages.GetMessage(ctx, msgID)
	if err != nil {
		l.log.Warn("log lookup failed", "msgId", msgID, "err", err)
		return events.Event{}, nil, false
	}
	if row == nil {
		return events.Event{}, nil, false
	}
	ev := rowToEvent(row)
	var d MsgData
	_ = ev.DecodeData(&d)
	return ev, &d, true
}

// Page returns up to limit items strictly older than beforeID from durable
// storage. Ephemeral rooms page the in-memory tail instead.
func (l *Log) Page(ctx context.Context, beforeID string, limit int) ([]events.Event, error) {
	l.mu.Lock()
	persistent := l.persistent
	l.mu.Unlock()

	if persistent && l.messages != nil {
		rows, err := l.messages.GetBefore(ctx, l.roomID, beforeID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]events.Event, 0, len(rows))
		for _, row := range rows {
			out = append(out, rowToEvent(row))
		}
		return out, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, item := range l.items {
		var d MsgData
		if err := item.DecodeData(&d); err == nil && d.MsgID < beforeID {
			out = append(out, item)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func rowToEvent(row *store.MessageRow) events.Event {
	d := MsgData{
		MsgID:      row.ID,
		RoomID:     row.RoomID,
		FromID:     row.FromID,
		Time:       row.CreatedAt.UnixMilli(),
		Message:    row.Message,
		EditBy:     row.EditedBy,
		EditReason: row.EditReason,
	}
	if len(row.Targets) > 0 && string(row.Targets) != "null" {
		var targets map[string]any
		if err := json.Unmarshal(row.Targets, &targets); err == nil {
			d.Targets = targets
		}
	}
	return events.New(row.Type, d)
}

func msgToRow(roomID string, eventType string, d *MsgData) *store.MessageRow {
	row := &store.MessageRow{
		ID:        d.MsgID,
		RoomID:    roomID,
		FromID:    d.FromID,
		Type:      eventType,
		Message:   d.Message,
		CreatedAt: time.UnixMilli(d.Time),
	}
	if len(d.Targets) > 0 {
		if raw, err := json.Marshal(d.Targets); err == nil {
			row.Targets = raw
		}
	}
	return row
}
