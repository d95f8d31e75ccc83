package room

import (
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// mailbox delivers events to a listener that may not be attached yet.
// Events sent while unbound are queued and flushed, in order, when a
// listener binds. This buffering is a correctness requirement: a Signal's
// far side is momentarily undefined during connect/reconnect and nothing
// may be lost across that gap.
type mailbox struct {
	mu    sync.Mutex
	fn    events.Listener
	queue []events.Event
}

func (m *mailbox) bind(fn events.Listener) {
	m.mu.Lock()
	m.fn = fn
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, ev := range pending {
		fn(ev)
	}
}

func (m *mailbox) unbind() {
	m.mu.Lock()
	m.fn = nil
	m.mu.Unlock()
}

func (m *mailbox) send(ev events.Event) {
	m.mu.Lock()
	fn := m.fn
	if fn == nil {
		m.queue = append(m.queue, ev)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn(ev)
}

// Roles are the per-membership flags a Signal carries.
type Roles struct {
	IsOwner  bool
	IsAdmin  bool
	IsAuthed bool
	IsGuest  bool
	IsView   bool
	Priority int
}

// Signal is the live per-(user, room) bridge: room-side events flow to the
// account and account-side events flow to the room, each direction through
// its own buffering mailbox. Closing a Signal severs the bridge without
// destroying either end.
type Signal struct {
	UserID string
	RoomID string
	Roles  Roles

	toAccount mailbox
	toRoom    mailbox

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

// NewSignal creates an unbound bridge.
func NewSignal(userID, roomID string, roles Roles) *Signal {
	return &Signal{UserID: userID, RoomID: roomID, Roles: roles}
}

// ToAccount is called by the room side to push an event toward the client.
func (s *Signal) ToAccount(ev events.Event) {
	if s.isClosed() {
		return
	}
	s.toAccount.send(ev)
}

// ToRoom is called by the account side to push a client event into the room.
func (s *Signal) ToRoom(ev events.Event) {
	if s.isClosed() {
		return
	}
	s.toRoom.send(ev)
}

// BindAccount attaches the account-side listener, flushing anything queued.
func (s *Signal) BindAccount(fn events.Listener) {
	s.toAccount.bind(fn)
}

// BindRoom attaches the room-side listener, flushing anything queued.
func (s *Signal) BindRoom(fn events.Listener) {
	s.toRoom.bind(fn)
}

// UnbindAccount detaches the account side; room events queue again.
func (s *Signal) UnbindAccount() {
	s.toAccount.unbind()
}

// OnClose registers a teardown hook. Runs at most once.
func (s *Signal) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *Signal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close severs the bridge. Idempotent.
func (s *Signal) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.toAccount.unbind()
	s.toRoom.unbind()
	for _, fn := range hooks {
		fn()
	}
}
