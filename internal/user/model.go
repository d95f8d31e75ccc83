package user

import "github.com/golang-jwt/jwt/v5"

// Account is the credential record behind a client id. The password field
// holds the bcrypt hash and never serializes.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

// Claims is the token payload. Guest tokens carry IsGuest and the single
// room the invite admits them to; account tokens leave both zero.
type Claims struct {
	AccountID string `json:"accountId"`
	Username  string `json:"username"`
	IsGuest   bool   `json:"isGuest,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	jwt.RegisteredClaims
}
