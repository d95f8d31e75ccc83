package room

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastTiming shrinks every timer far enough that timer-driven paths run
// inside a test without making assertions racy.
func fastTiming() config.Timing {
	t := config.DefaultTiming()
	t.RoomEmpty = 40 * time.Millisecond
	t.LivePing = 10 * time.Millisecond
	t.LivePong = 10 * time.Millisecond
	t.LivePeer = 25 * time.Millisecond
	t.LiveReAddSettle = 5 * time.Millisecond
	return t
}

func ident(id string) *identity.Identity {
	return &identity.Identity{ID: id, Name: "name-" + id}
}

type fakeIdentities struct {
	mu   sync.Mutex
	byID map[string]*identity.Identity
}

func newFakeIdentities(ids ...string) *fakeIdentities {
	f := &fakeIdentities{byID: make(map[string]*identity.Identity)}
	for _, id := range ids {
		f.byID[id] = ident(id)
	}
	return f
}

func (f *fakeIdentities) add(id *identity.Identity) {
	f.mu.Lock()
	f.byID[id.ID] = id
	f.mu.Unlock()
}

func (f *fakeIdentities) Get(_ context.Context, clientID string) (*identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byID[clientID]; ok {
		return id, nil
	}
	return nil, errors.New("identity not found")
}

func (f *fakeIdentities) GetMap(_ context.Context, clientIDs []string) (map[string]*identity.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*identity.Identity, len(clientIDs))
	for _, cid := range clientIDs {
		if id, ok := f.byID[cid]; ok {
			out[cid] = id
		}
	}
	return out, nil
}

type fakeRoomStore struct {
	mu            sync.Mutex
	rooms         map[string]*store.RoomRow
	authorized    map[string]map[string]bool
	worgs         map[string][]store.WorkgroupRow
	lastRead      map[string]map[string]string
	failCreate    bool
	failAuthorize bool
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		rooms:      make(map[string]*store.RoomRow),
		authorized: make(map[string]map[string]bool),
		worgs:      make(map[string][]store.WorkgroupRow),
		lastRead:   make(map[string]map[string]string),
	}
}

func (f *fakeRoomStore) CreateRoom(_ context.Context, room *store.RoomRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("create refused")
	}
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeRoomStore) SetRoomName(_ context.Context, roomID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[roomID]; ok {
		room.Name = name
	}
	return nil
}

func (f *fakeRoomStore) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, roomID)
	return nil
}

func (f *fakeRoomStore) AuthorizeUsers(_ context.Context, roomID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAuthorize {
		return errors.New("authorize refused")
	}
	if f.authorized[roomID] == nil {
		f.authorized[roomID] = make(map[string]bool)
	}
	for _, uid := range userIDs {
		f.authorized[roomID][uid] = true
	}
	return nil
}

func (f *fakeRoomStore) RevokeAuthorization(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.authorized[roomID], userID)
	return nil
}

func (f *fakeRoomStore) GetAuthorizedUsers(_ context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for uid := range f.authorized[roomID] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeRoomStore) isAuthorized(roomID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[roomID][userID]
}

func (f *fakeRoomStore) AssignWorkgroup(_ context.Context, roomID, fID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worgs[roomID] = append(f.worgs[roomID], store.WorkgroupRow{FID: fID, ClientID: clientID})
	return nil
}

func (f *fakeRoomStore) DismissWorkgroup(_ context.Context, roomID, fID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.worgs[roomID]
	for i, row := range rows {
		if row.FID == fID {
			f.worgs[roomID] = append(rows[:i:i], rows[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRoomStore) GetWorkgroups(_ context.Context, roomID string) ([]store.WorkgroupRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.WorkgroupRow(nil), f.worgs[roomID]...), nil
}

func (f *fakeRoomStore) SetLastRead(_ context.Context, roomID, userID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRead[roomID] == nil {
		f.lastRead[roomID] = make(map[string]string)
	}
	f.lastRead[roomID][userID] = messageID
	return nil
}

func (f *fakeRoomStore) GetLastRead(_ context.Context, roomID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for uid, mid := range f.lastRead[roomID] {
		out[uid] = mid
	}
	return out, nil
}

type fakeMsgStore struct {
	mu         sync.Mutex
	rows       map[string]*store.MessageRow
	order      []string
	failSave   bool
	failUpdate bool
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{rows: make(map[string]*store.MessageRow)}
}

func (f *fakeMsgStore) SaveMessage(_ context.Context, m *store.MessageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("save refused")
	}
	cp := *m
	f.rows[m.ID] = &cp
	f.order = append(f.order, m.ID)
	return nil
}

func (f *fakeMsgStore) UpdateMessage(_ context.Context, msgID, message, editedBy, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return errors.New("update refused")
	}
	row, ok := f.rows[msgID]
	if !ok {
		return sql.ErrNoRows
	}
	row.Message = message
	row.EditedBy = editedBy
	row.EditReason = reason
	return nil
}

func (f *fakeMsgStore) GetMessage(_ context.Context, msgID string) (*store.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[msgID]; ok {
		cp := *row
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeMsgStore) GetRecent(_ context.Context, roomID string, limit int) ([]*store.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.MessageRow
	for _, id := range f.order {
		if f.rows[id].RoomID == roomID {
			cp := *f.rows[id]
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMsgStore) GetBefore(_ context.Context, roomID, beforeID string, limit int) ([]*store.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.MessageRow
	for _, id := range f.order {
		if f.rows[id].RoomID == roomID && id < beforeID {
			cp := *f.rows[id]
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeInviteStore struct {
	mu   sync.Mutex
	rows map[string]*store.InviteRow
}

func newFakeInviteStore() *fakeInviteStore {
	return &fakeInviteStore{rows: make(map[string]*store.InviteRow)}
}

func (f *fakeInviteStore) SaveInvite(_ context.Context, inv *store.InviteRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *inv
	f.rows[inv.Token] = &cp
	return nil
}

func (f *fakeInviteStore) GetRoomInvites(_ context.Context, roomID string) ([]*store.InviteRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.InviteRow
	for _, row := range f.rows {
		if row.RoomID == roomID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeInviteStore) DeleteInvite(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, token)
	return nil
}

type fakeWorgDir struct {
	mu        sync.Mutex
	worgs     map[string]*WorgInfo
	members   map[string][]string
	subs      map[string][]string
	streamers map[string]bool
}

func newFakeWorgDir() *fakeWorgDir {
	return &fakeWorgDir{
		worgs:     make(map[string]*WorgInfo),
		members:   make(map[string][]string),
		subs:      make(map[string][]string),
		streamers: make(map[string]bool),
	}
}

func (f *fakeWorgDir) addWorg(info WorgInfo, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worgs[info.ClientID] = &info
	f.members[info.ClientID] = members
	if info.ParentID != "" {
		f.subs[info.ParentID] = append(f.subs[info.ParentID], info.ClientID)
	}
}

func (f *fakeWorgDir) GetWorg(clientID string) (*WorgInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.worgs[clientID]
	return info, ok
}

func (f *fakeWorgDir) GetWorgByFID(fID string) (*WorgInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, info := range f.worgs {
		if info.FID == fID {
			return info, true
		}
	}
	return nil, false
}

func (f *fakeWorgDir) MembersOf(worgClientID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[worgClientID]...)
}

func (f *fakeWorgDir) SubGroupsOf(worgClientID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs[worgClientID]...)
}

func (f *fakeWorgDir) IsStreamer(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamers[userID]
}

// recorder collects everything the room pushes toward one account.
type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) listen(ev events.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.got...)
}

func (r *recorder) typed(eventType string) []events.Event {
	var out []events.Event
	for _, ev := range r.all() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(eventType string) int {
	return len(r.typed(eventType))
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

// liveInner unwraps a "live" envelope and returns the inner event type.
func liveInner(ev events.Event) string {
	inner, ok := ev.Inner()
	if !ok {
		return ""
	}
	return inner.Type
}

// fixture bundles the fake backends behind a Deps.
type fixture struct {
	identities *fakeIdentities
	rooms      *fakeRoomStore
	messages   *fakeMsgStore
	invites    *fakeInviteStore
	worgs      *fakeWorgDir
	deps       Deps
}

func newFixture(userIDs ...string) *fixture {
	f := &fixture{
		identities: newFakeIdentities(userIDs...),
		rooms:      newFakeRoomStore(),
		messages:   newFakeMsgStore(),
		invites:    newFakeInviteStore(),
		worgs:      newFakeWorgDir(),
	}
	f.deps = Deps{
		Timing:     fastTiming(),
		Log:        testLogger(),
		Identities: f.identities,
		Rooms:      f.rooms,
		Messages:   f.messages,
		Invites:    f.invites,
		Worgs:      f.worgs,
	}
	return f
}

// connect joins a user and binds a recorder to the account side.
func connect(r interface{ Connect(string) *Signal }, userID string) (*Signal, *recorder) {
	sig := r.Connect(userID)
	if sig == nil {
		return nil, nil
	}
	rec := &recorder{}
	sig.BindAccount(rec.listen)
	return sig, rec
}
