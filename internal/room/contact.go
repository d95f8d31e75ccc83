package room

// ContactRoom is the 1:1 direct-chat room backing a contact relation.
// Membership is fixed to the two related users; there are no settings and
// no workgroup linkage.
type ContactRoom struct {
	*Room
	userA string
	userB string
}

// NewContact builds the room for one relation. Both users hold standing
// from the start, so the persistent-room admission gate admits exactly
// them and nobody else.
func NewContact(opts Options, deps Deps, userA, userB string) *ContactRoom {
	opts.Kind = KindContact
	r := New(opts, deps)
	r.users.Authorize(userA)
	r.users.Authorize(userB)
	return &ContactRoom{Room: r, userA: userA, userB: userB}
}

// Connect admits only the two related users.
func (c *ContactRoom) Connect(userID string) *Signal {
	if userID != c.userA && userID != c.userB {
		return nil
	}
	return c.Room.Connect(userID)
}

// OtherUser returns the peer of userID in this relation, or empty for a
// stranger.
func (c *ContactRoom) OtherUser(userID string) string {
	switch userID {
	case c.userA:
		return c.userB
	case c.userB:
		return c.userA
	}
	return ""
}
