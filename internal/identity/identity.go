package identity

import "time"

// Identity is the cached view of a user as the directory service knows it.
// This core only toggles the online flag; everything else is owned by the
// directory.
type Identity struct {
	ID       string    `json:"clientId"`
	FUserID  string    `json:"fUserId,omitempty"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
	IsOnline bool      `json:"isOnline"`
	IsAdmin  bool      `json:"isAdmin,omitempty"`
	IsGuest  bool      `json:"isGuest,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}
