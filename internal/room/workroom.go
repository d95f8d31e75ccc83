package room

// WorkRoom binds a room to an external workgroup hierarchy. Its chat is a
// WorkChat (targeted fan-out, shared visibility predicate), its live
// broadcasts route through the same predicate, and Connect admits users by
// standing in strict precedence: direct member, then super-group member,
// then viewer.
type WorkRoom struct {
	*Room
	workChat *WorkChat
}

// NewWork builds a workgroup room. opts.OwnWorg names the room's own
// workgroup.
func NewWork(opts Options, deps Deps) *WorkRoom {
	opts.Kind = KindWork
	r := New(opts, deps)
	w := &WorkRoom{Room: r}

	base := r.chat.(*Chat)
	w.workChat = NewWorkChat(base, opts.OwnWorg, deps.Flags, r.workgroup.SubWorgIDs)
	r.chat = w.workChat

	r.live.SetBroadcastTargets(func(sourceID string) []string {
		fromWorg := ""
		if sourceID != "" && !r.users.InWorg(opts.OwnWorg, sourceID) {
			for _, wid := range r.workgroup.SubWorgIDs() {
				if r.users.InWorg(wid, sourceID) {
					fromWorg = wid
					break
				}
			}
		}
		return w.workChat.VisibleTo(&MsgData{FromID: sourceID, FromWorg: fromWorg})
	})
	return w
}

// WorkChat exposes the concrete chat for visibility queries.
func (w *WorkRoom) WorkChat() *WorkChat { return w.workChat }

// Connect admits by standing, checked in precedence order: direct user
// (existing member, authorized, own-worg or assigned sub-worg), then
// super-group member, then viewer. The order is load-bearing; a user who
// qualifies at several levels gets the strongest one.
func (w *WorkRoom) Connect(userID string) *Signal {
	// 1. Direct user.
	if w.users.Exists(userID) || w.users.IsAuthorized(userID) || w.users.InWorg("", userID) {
		return w.Room.Connect(userID)
	}

	parent := w.parentWorg()
	isSuperMember := parent != "" && w.inDirectory(parent, userID)

	// 2. Super-group member with a real seat in the sub room.
	if isSuperMember && w.deps.Flags.SupersHaveSubRoom {
		w.users.AddToWorg(parent, userID)
		return w.Room.Connect(userID)
	}

	// 3. Viewer: read-only visibility via super membership.
	if isSuperMember && w.deps.Flags.SubsHaveSuperView {
		w.users.AddToWorg(parent, userID)
		w.users.SetViewer(userID, true)
		return w.Room.Connect(userID)
	}

	return nil
}

// parentWorg resolves the clientId of the super-group above the room's own
// worg, empty when the room sits at the top.
func (w *WorkRoom) parentWorg() string {
	own := w.workgroup.OwnID()
	if own == "" || w.deps.Worgs == nil {
		return ""
	}
	info, ok := w.deps.Worgs.GetWorg(own)
	if !ok {
		return ""
	}
	return info.ParentID
}

func (w *WorkRoom) inDirectory(worgID, userID string) bool {
	if w.deps.Worgs == nil {
		return false
	}
	for _, uid := range w.deps.Worgs.MembersOf(worgID) {
		if uid == userID {
			return true
		}
	}
	return false
}
