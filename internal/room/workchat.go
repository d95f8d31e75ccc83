package room

import (
	"context"

	"github.com/oklog/ulid/v2"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// Pseudo-targets a work message may carry; expanded at send time.
const (
	TargetAllGroups  = "all_groups"
	TargetAllMembers = "all_members"
)

// WorkChat adds hierarchical targeting to the chat of a workgroup room.
// A message carries targets keyed by worg id (true for the whole group, a
// list for specific users), and the three deployment flags decide which
// bystanders — the room's own super-level members and its viewers — see it.
// Delivery, history, tail, edit re-broadcast and live notification all go
// through the one VisibleTo predicate so the flag logic cannot drift.
type WorkChat struct {
	*Chat
	ownWorg  string
	flags    config.WorkgroupFlags
	subWorgs func() []string
}

func NewWorkChat(base *Chat, ownWorg string, flags config.WorkgroupFlags, subWorgs func() []string) *WorkChat {
	return &WorkChat{
		Chat:     base,
		ownWorg:  ownWorg,
		flags:    flags,
		subWorgs: subWorgs,
	}
}

func (wc *WorkChat) Send(ctx context.Context, fromID string, data MsgData) (events.Event, string) {
	if !wc.users.Exists(fromID) {
		return events.Event{}, ErrNotInRoom
	}
	data.MsgID = ulid.Make().String()
	data.RoomID = wc.roomID
	data.FromID = fromID
	data.Time = wc.now().UnixMilli()
	if data.Targets != nil {
		data.Targets = wc.expandTargets(data.Targets)
	}
	ev := events.New(EventWorkMsg, data)

	if wc.isPersistent() && wc.messages != nil {
		if err := wc.messages.SaveMessage(ctx, msgToRow(wc.roomID, EventWorkMsg, &data)); err != nil {
			wc.log.Warn("work message save failed", "err", err)
			return events.Event{}, ErrNoMsg
		}
	}
	wc.history.Add(ev)

	recipients := wc.VisibleTo(&data)
	wc.users.Broadcast(recipients, ev, fromID, false)
	wc.users.Send(fromID, ev)
	return ev, ""
}

func (wc *WorkChat) Edit(ctx context.Context, byID, msgID, message, reason string) (events.Event, string) {
	_, data, ok := wc.history.Find(ctx, msgID)
	if !ok {
		return events.Event{}, ErrNoMsg
	}

	eventType, code := wc.classifyEdit(byID, data, reason)
	if code != "" {
		return events.Event{}, code
	}

	if wc.isPersistent() && wc.messages != nil {
		persistReason := ""
		if eventType == EventEdit {
			persistReason = reason
		}
		if err := wc.messages.UpdateMessage(ctx, msgID, message, byID, persistReason); err != nil {
			wc.log.Warn("work message update failed", "msgId", msgID, "err", err)
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
	wc.history.Replace(msgID, ev)

	// Exactly the original recipients see the refreshed event.
	wc.users.Broadcast(wc.VisibleTo(&refreshed), ev, "", false)
	return ev, ""
}

// History pages durable log items, filtered to what byID may see.
func (wc *WorkChat) History(ctx context.Context, byID, beforeID string, limit int) ([]events.Event, error) {
	items, err := wc.history.Page(ctx, beforeID, limit)
	if err != nil {
		return nil, err
	}
	return wc.filterFor(byID, items), nil
}

// Last returns the newest tail items byID may see.
func (wc *WorkChat) Last(byID string, n int) []events.Event {
	return wc.filterFor(byID, wc.history.Tail(n))
}

func (wc *WorkChat) filterFor(byID string, items []events.Event) []events.Event {
	out := make([]events.Event, 0, len(items))
	for _, item := range items {
		var d MsgData
		if err := item.DecodeData(&d); err != nil {
			continue
		}
		if wc.CanSee(byID, &d) {
			out = append(out, item)
		}
	}
	return out
}

// CanSee reports whether one user may see one message.
func (wc *WorkChat) CanSee(userID string, d *MsgData) bool {
	for _, id := range wc.VisibleTo(d) {
		if id == userID {
			return true
		}
	}
	return false
}

// VisibleTo is THE visibility predicate. Every delivery and read path uses
// it: send fan-out, edit re-broadcast, history paging, tail reads and live
// work notifications.
//
// Shape of the decision:
//   - untargeted message from the room's own level: the whole roster minus
//     viewers; viewers included when subsHaveSuperView.
//   - targeted message (own or super level origin): the targeted sub-group
//     users, the sender, the room's own-level members unless
//     supersSubHideSuper, and viewers when subsHaveSuperView.
//   - message originating in a sub-group ("directed up"): that sub-group's
//     members, the room's own-level members when supersHaveSubRoom and not
//     supersSubHideSuper, and viewers when subsHaveSuperView.
func (wc *WorkChat) VisibleTo(d *MsgData) []string {
	set := map[string]bool{}
	if d.FromID != "" {
		set[d.FromID] = true
	}

	origin := wc.classifyOrigin(d.FromWorg)

	switch {
	case d.Targets != nil:
		for worgID, tval := range d.Targets {
			switch v := tval.(type) {
			case bool:
				if v {
					for _, uid := range wc.users.WorgMembers(worgID) {
						set[uid] = true
					}
				}
			case []string:
				for _, uid := range v {
					set[uid] = true
				}
			case []any:
				for _, raw := range v {
					if uid, ok := raw.(string); ok {
						set[uid] = true
					}
				}
			}
		}
		if !wc.flags.SupersSubHideSuper {
			wc.addOwnLevel(set)
		}

	case origin == "sub":
		for _, uid := range wc.users.WorgMembers(d.FromWorg) {
			set[uid] = true
		}
		if wc.flags.SupersHaveSubRoom && !wc.flags.SupersSubHideSuper {
			wc.addOwnLevel(set)
		}

	default: // untargeted, own level
		for _, uid := range wc.users.EveryID() {
			if !wc.users.IsViewer(uid) {
				set[uid] = true
			}
		}
	}

	if wc.flags.SubsHaveSuperView {
		for _, uid := range wc.users.EveryID() {
			if wc.users.IsViewer(uid) {
				set[uid] = true
			}
		}
	} else {
		for uid := range set {
			if wc.users.IsViewer(uid) && uid != d.FromID {
				delete(set, uid)
			}
		}
	}

	out := make([]string, 0, len(set))
	for _, uid := range wc.users.EveryID() {
		if set[uid] {
			out = append(out, uid)
		}
	}
	return out
}

// addOwnLevel includes the room's own-level members: holders of durable
// authorization and members of the room's own worg.
func (wc *WorkChat) addOwnLevel(set map[string]bool) {
	for _, uid := range wc.users.AuthorizedIDs() {
		set[uid] = true
	}
	for _, uid := range wc.users.WorgMembers(wc.ownWorg) {
		set[uid] = true
	}
}

func (wc *WorkChat) classifyOrigin(fromWorg string) string {
	if fromWorg == "" || fromWorg == wc.ownWorg {
		return "own"
	}
	for _, sub := range wc.subWorgs() {
		if sub == fromWorg {
			return "sub"
		}
	}
	return "super"
}

// expandTargets resolves the all_groups / all_members pseudo-targets into
// concrete sub-group targets.
func (wc *WorkChat) expandTargets(targets map[string]any) map[string]any {
	out := make(map[string]any, len(targets))
	for worgID, tval := range targets {
		switch worgID {
		case TargetAllGroups:
			for _, sub := range wc.subWorgs() {
				out[sub] = true
			}
		case TargetAllMembers:
			for _, sub := range wc.subWorgs() {
				members := wc.users.WorgMembers(sub)
				list := make([]any, len(members))
				for i, m := range members {
					list[i] = m
				}
				out[sub] = list
			}
		default:
			out[worgID] = tval
		}
	}
	return out
}
