package room

import (
	"context"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/events"
)

// Client operation envelopes routed by handleClientEvent.
const (
	opChat     = "chat"
	opLive     = "live"
	opActive   = "active"
	opLeave    = "leave"
	opInvite   = "invite"
	opSettings = "settings"
	opLastRead = "last-read"
	opState    = "state"

	chatMsg  = "msg"
	chatEdit = "edit"
	chatLog  = "log"
)

// handleClientEvent is the room side of a Signal: every event the account
// pushes for this user lands here. Closed tag set, exhaustive switch;
// anything else is answered with an error envelope.
func (r *Room) handleClientEvent(userID string, sig *Signal, ev events.Event) {
	switch ev.Type {
	case opChat:
		inner, ok := ev.Inner()
		if !ok {
			sig.ToAccount(errorEvent(ErrNoMsg, nil))
			return
		}
		r.handleChat(userID, sig, inner)

	case opLive:
		inner, ok := ev.Inner()
		if !ok {
			return
		}
		r.handleLive(userID, inner)

	case opActive:
		var active bool
		if err := ev.DecodeData(&active); err == nil {
			r.users.SetActive(userID, active)
		}

	case opLeave:
		r.Disconnect(userID)

	case opInvite:
		r.handleInvite(userID, sig, ev)

	case opSettings:
		r.handleSettings(userID, sig, ev)

	case opLastRead:
		var payload struct {
			MsgID string `json:"msgId"`
		}
		if err := ev.DecodeData(&payload); err != nil || payload.MsgID == "" {
			return
		}
		r.users.SetLastRead(userID, payload.MsgID)
		if r.IsPersistent() && r.deps.Rooms != nil {
			ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
			defer cancel()
			if err := r.deps.Rooms.SetLastRead(ctx, r.id, userID, payload.MsgID); err != nil {
				r.log.Warn("last-read write failed", "user", userID, "err", err)
			}
		}

	case opState:
		sig.ToAccount(events.New(opState, r.stateFor(userID)))

	default:
		r.log.Debug("unknown client op", "user", userID, "type", ev.Type)
	}
}

func (r *Room) handleChat(userID string, sig *Signal, inner events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
	defer cancel()

	switch inner.Type {
	case chatMsg:
		var data MsgData
		if err := inner.DecodeData(&data); err != nil || data.Message == "" {
			sig.ToAccount(errorEvent(ErrNoMsg, nil))
			return
		}
		if _, code := r.chat.Send(ctx, userID, data); code != "" {
			sig.ToAccount(errorEvent(code, nil))
		}

	case chatEdit:
		var payload struct {
			MsgID   string `json:"msgId"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
		}
		if err := inner.DecodeData(&payload); err != nil {
			sig.ToAccount(errorEvent(ErrNoMsg, nil))
			return
		}
		if _, code := r.chat.Edit(ctx, userID, payload.MsgID, payload.Message, payload.Reason); code != "" {
			sig.ToAccount(errorEvent(code, map[string]any{"msgId": payload.MsgID}))
		}

	case chatLog:
		var payload struct {
			BeforeID string `json:"beforeId"`
			Limit    int    `json:"limit"`
		}
		if err := inner.DecodeData(&payload); err != nil {
			return
		}
		if payload.Limit <= 0 || payload.Limit > logKeep {
			payload.Limit = logKeep
		}
		items, err := r.chat.History(ctx, userID, payload.BeforeID, payload.Limit)
		if err != nil {
			r.log.Warn("history page failed", "user", userID, "err", err)
			return
		}
		sig.ToAccount(events.Wrap(opChat, events.New(chatLog, items)))

	default:
		r.log.Debug("unknown chat op", "user", userID, "type", inner.Type)
	}
}

func (r *Room) handleLive(userID string, inner events.Event) {
	switch inner.Type {
	case LiveJoin:
		r.live.AddPeer(userID)
	case LiveLeave:
		r.live.RemovePeer(userID)
	case LivePong:
		r.live.HandlePong(userID)
	case LiveSignal:
		var data map[string]any
		if err := inner.DecodeData(&data); err == nil {
			r.live.HandleSignal(userID, data)
		}
	case LiveMode:
		var mode string
		if err := inner.DecodeData(&mode); err == nil {
			r.live.SetMode(userID, mode)
		}
	default:
		r.log.Debug("unknown live op", "user", userID, "type", inner.Type)
	}
}

func (r *Room) handleInvite(userID string, sig *Signal, ev events.Event) {
	if r.invite == nil {
		sig.ToAccount(errorEvent(ErrNoRoom, nil))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
	defer cancel()

	var payload struct {
		Type  string `json:"type"`
		Token string `json:"token,omitempty"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		return
	}
	switch payload.Type {
	case "public":
		tok := r.invite.GetPublic(ctx, userID)
		sig.ToAccount(events.Wrap(opInvite, events.New("public", tok)))
	case "oneshot":
		tok := r.invite.CreateOneShot(ctx, userID)
		sig.ToAccount(events.Wrap(opInvite, events.New("oneshot", tok)))
	case "revoke":
		r.invite.Revoke(ctx, payload.Token)
	}
}

func (r *Room) handleSettings(userID string, sig *Signal, ev events.Event) {
	if r.settings == nil {
		return
	}
	if !sig.Roles.IsOwner && !sig.Roles.IsAdmin {
		sig.ToAccount(errorEvent(ErrInvalidAuth, nil))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), events.DefaultRequestTimeout)
	defer cancel()

	var payload struct {
		Setting string `json:"setting"`
		Value   string `json:"value"`
	}
	if err := ev.DecodeData(&payload); err != nil {
		return
	}
	if payload.Setting == "name" {
		r.settings.SetName(ctx, userID, payload.Value)
	}
}

// stateFor snapshots the room for a (re)joining client.
func (r *Room) stateFor(userID string) map[string]any {
	state := map[string]any{
		"roomId":   r.id,
		"ownerId":  r.ownerID,
		"kind":     r.kind,
		"members":  r.users.EveryID(),
		"online":   r.users.OnlineIDs(),
		"active":   r.users.ActiveIDs(),
		"lastRead": r.users.LastRead(userID),
		"log":      r.chat.Last(userID, logKeep),
		"peers":    r.live.PeerIDs(),
	}
	if r.settings != nil {
		state["settings"] = r.settings.Snapshot()
	}
	return state
}
