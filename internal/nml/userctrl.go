package nml

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/account"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/client"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/registry"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/session"
)

type bound struct {
	sess    *session.Session
	account *account.Account
	guest   *account.Guest
}

// UserCtrl enforces the one-session-per-account rule: a second login from
// the same account attaches as an extra connection on the existing session
// instead of opening a rival one.
type UserCtrl struct {
	deps account.Deps
	log  *slog.Logger

	mu       sync.Mutex
	accounts map[string]*bound // account id -> live binding
	sessions map[string]*bound // session id -> live binding
}

func NewUserCtrl(deps account.Deps) *UserCtrl {
	return &UserCtrl{
		deps:     deps,
		log:      deps.Log.With("component", "users"),
		accounts: make(map[string]*bound),
		sessions: make(map[string]*bound),
	}
}

// BindAccount attaches conn for this identity, reusing the account's live
// session when one exists.
func (u *UserCtrl) BindAccount(ctx context.Context, self *identity.Identity, conn client.Client) error {
	u.mu.Lock()
	if b, ok := u.accounts[self.ID]; ok {
		u.mu.Unlock()
		return b.sess.Attach(conn)
	}

	b := &bound{}
	b.sess = session.New(self.ID, u.deps.Timing, u.deps.Log, u.sessionClosed)
	b.account = account.New(self, b.sess, u.deps)
	u.accounts[self.ID] = b
	u.sessions[b.sess.ID()] = b
	u.mu.Unlock()

	if err := b.sess.Attach(conn); err != nil {
		u.drop(b)
		b.sess.Close()
		return fmt.Errorf("bind %s: %w", self.ID, err)
	}
	if err := b.account.Start(ctx); err != nil {
		b.account.Close()
		return fmt.Errorf("start %s: %w", self.ID, err)
	}
	u.log.Info("account online", "account", self.ID, "session", b.sess.ID())
	return nil
}

// BindGuest opens a single-room session for an invite bearer.
func (u *UserCtrl) BindGuest(self *identity.Identity, conn client.Client, lr registry.LiveRoom) error {
	b := &bound{}
	b.sess = session.New(self.ID, u.deps.Timing, u.deps.Log, u.sessionClosed)
	b.guest = account.NewGuest(self, b.sess, lr, u.deps.Log)

	u.mu.Lock()
	u.sessions[b.sess.ID()] = b
	u.mu.Unlock()

	if err := b.sess.Attach(conn); err != nil {
		u.drop(b)
		b.sess.Close()
		return fmt.Errorf("bind guest %s: %w", self.ID, err)
	}
	if err := b.guest.Start(); err != nil {
		b.sess.Close()
		return err
	}
	u.log.Info("guest online", "guest", self.ID, "room", lr.ID())
	return nil
}

// BySession resolves a live session by id, for transport reconnects.
func (u *UserCtrl) BySession(sessionID string) *session.Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if b, ok := u.sessions[sessionID]; ok {
		return b.sess
	}
	return nil
}

// ByAccount reports the live account, if any.
func (u *UserCtrl) ByAccount(accountID string) *account.Account {
	u.mu.Lock()
	defer u.mu.Unlock()
	if b, ok := u.accounts[accountID]; ok {
		return b.account
	}
	return nil
}

// SessionCount reports live sessions, guests included.
func (u *UserCtrl) SessionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// sessionClosed is the session onClose hook: unmap, then fold up whatever
// the session was carrying.
func (u *UserCtrl) sessionClosed(s *session.Session) {
	u.mu.Lock()
	b, ok := u.sessions[s.ID()]
	if ok {
		delete(u.sessions, s.ID())
		if b.account != nil {
			delete(u.accounts, b.account.ID())
		}
	}
	u.mu.Unlock()
	if !ok {
		return
	}
	if b.account != nil {
		b.account.Close()
	}
	if b.guest != nil {
		b.guest.Close()
	}
}

func (u *UserCtrl) drop(b *bound) {
	u.mu.Lock()
	delete(u.sessions, b.sess.ID())
	if b.account != nil {
		delete(u.accounts, b.account.ID())
	}
	u.mu.Unlock()
}

// Close ends every live session.
func (u *UserCtrl) Close() {
	u.mu.Lock()
	all := make([]*bound, 0, len(u.sessions))
	for _, b := range u.sessions {
		all = append(all, b)
	}
	u.mu.Unlock()

	for _, b := range all {
		b.sess.Close()
	}
}
