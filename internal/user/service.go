package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
)

const (
	tokenIssuer   = "presence"
	tokenLifetime = 24 * time.Hour
	guestLifetime = 1 * time.Hour
)

// ErrGuestToken is returned by ValidateAccessToken when a guest token is
// presented where an account token is required.
var ErrGuestToken = errors.New("guest token not valid here")

type Service struct {
	repo      *Repository
	jwtSecret string
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Account, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:       uuid.NewString(),
		Username: req.Username,
		Password: string(hashedPwd),
	}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return &Account{ID: a.ID, Username: a.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	a, err := s.repo.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(req.Password)); err != nil {
		return nil, err
	}

	ss, err := s.mint(Claims{AccountID: a.ID, Username: a.Username}, tokenLifetime)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		AccessToken: ss,
		ID:          a.ID,
		Username:    a.Username,
	}, nil
}

// MintGuestToken issues a short-lived token that admits its bearer to a
// single room under a throwaway identity. Invite redemption calls this.
func (s *Service) MintGuestToken(name, roomID string) (string, error) {
	return s.mint(Claims{
		AccountID: "guest-" + uuid.NewString(),
		Username:  name,
		IsGuest:   true,
		RoomID:    roomID,
	}, guestLifetime)
}

func (s *Service) mint(claims Claims, lifetime time.Duration) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateToken parses and verifies any token minted by this service,
// guest or account.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// ValidateAccessToken is the REST-facing check: guest tokens are refused
// since they only grant room entry over the socket.
func (s *Service) ValidateAccessToken(tokenString string) (string, string, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", "", err
	}
	if claims.IsGuest {
		return "", "", ErrGuestToken
	}
	return claims.AccountID, claims.Username, nil
}

func (s *Service) SearchAccounts(ctx context.Context, query string) ([]Account, error) {
	return s.repo.SearchAccounts(ctx, query)
}

// FetchIdentity lets the service back the identity cache: the accounts
// table is the directory of record.
func (s *Service) FetchIdentity(ctx context.Context, clientID string) (*identity.Identity, error) {
	a, err := s.repo.GetByID(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity.Identity{ID: a.ID, Name: a.Username}, nil
}

func (s *Service) FetchIdentities(ctx context.Context, clientIDs []string) ([]*identity.Identity, error) {
	accounts, err := s.repo.GetByIDs(ctx, clientIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*identity.Identity, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, &identity.Identity{ID: a.ID, Name: a.Username})
	}
	return out, nil
}
