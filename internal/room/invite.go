package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
)

// Token is one invite token: the shareable public token or a one-shot.
type Token struct {
	Value string `json:"token"`
	By    string `json:"by"`
}

// Invite manages the room's invite tokens. The public token is reusable
// until revoked; every other token is consumed on first redemption. Tokens
// are durable only once the room is persistent.
type Invite struct {
	roomID string
	store  InviteStore
	log    *slog.Logger

	mu         sync.Mutex
	persistent bool
	public     *Token
	tokens     map[string]Token
}

func NewInvite(roomID string, persistent bool, st InviteStore, log *slog.Logger) *Invite {
	return &Invite{
		roomID:     roomID,
		store:      st,
		log:        log.With("room", roomID),
		persistent: persistent,
		tokens:     make(map[string]Token),
	}
}

// Initialize loads persisted tokens.
func (i *Invite) Initialize(ctx context.Context) error {
	i.mu.Lock()
	persistent := i.persistent
	i.mu.Unlock()
	if !persistent || i.store == nil {
		return nil
	}
	rows, err := i.store.GetRoomInvites(ctx, i.roomID)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, row := range rows {
		tok := Token{Value: row.Token, By: row.CreatedBy}
		if row.SingleUse {
			i.tokens[row.Token] = tok
		} else {
			i.public = &tok
		}
	}
	return nil
}

// SetPersistent flips durability on and writes through any tokens created
// while the room was ephemeral.
func (i *Invite) SetPersistent(ctx context.Context, p bool) {
	i.mu.Lock()
	i.persistent = p
	public := i.public
	pending := make([]Token, 0, len(i.tokens))
	for _, tok := range i.tokens {
		pending = append(pending, tok)
	}
	i.mu.Unlock()
	if !p || i.store == nil {
		return
	}
	if public != nil {
		i.save(ctx, *public, false)
	}
	for _, tok := range pending {
		i.save(ctx, tok, true)
	}
}

// GetPublic returns the shareable token, minting it on first request.
func (i *Invite) GetPublic(ctx context.Context, byID string) Token {
	i.mu.Lock()
	if i.public != nil {
		tok := *i.public
		i.mu.Unlock()
		return tok
	}
	tok := Token{Value: uuid.NewString(), By: byID}
	i.public = &tok
	persistent := i.persistent
	i.mu.Unlock()

	if persistent {
		i.save(ctx, tok, false)
	}
	return tok
}

// CreateOneShot mints a single-redemption token.
func (i *Invite) CreateOneShot(ctx context.Context, byID string) Token {
	tok := Token{Value: uuid.NewString(), By: byID}
	i.mu.Lock()
	i.tokens[tok.Value] = tok
	persistent := i.persistent
	i.mu.Unlock()

	if persistent {
		i.save(ctx, tok, true)
	}
	return tok
}

// Check validates a token, consuming it if it was single-use.
func (i *Invite) Check(ctx context.Context, token string) bool {
	i.mu.Lock()
	if i.public != nil && i.public.Value == token {
		i.mu.Unlock()
		return true
	}
	_, ok := i.tokens[token]
	if ok {
		delete(i.tokens, token)
	}
	persistent := i.persistent
	i.mu.Unlock()

	if ok && persistent && i.store != nil {
		if err := i.store.DeleteInvite(ctx, token); err != nil {
			i.log.Warn("invite delete failed", "err", err)
		}
	}
	return ok
}

// Revoke drops a token, including the public one.
func (i *Invite) Revoke(ctx context.Context, token string) {
	i.mu.Lock()
	if i.public != nil && i.public.Value == token {
		i.public = nil
	}
	delete(i.tokens, token)
	persistent := i.persistent
	i.mu.Unlock()

	if persistent && i.store != nil {
		if err := i.store.DeleteInvite(ctx, token); err != nil {
			i.log.Warn("invite delete failed", "err", err)
		}
	}
}

func (i *Invite) save(ctx context.Context, tok Token, singleUse bool) {
	err := i.store.SaveInvite(ctx, &store.InviteRow{
		Token:     tok.Value,
		RoomID:    i.roomID,
		CreatedBy: tok.By,
		SingleUse: singleUse,
	})
	if err != nil {
		i.log.Warn("invite save failed", "err", err)
	}
}
