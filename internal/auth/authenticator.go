package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"angira/api/internal/store"
)

type UserLookup interface {
	GetUserByID(context.Context, int64) (store.User, error)
}

// Authenticator resolves a bearer credential to the user it was issued for.
// It runs once per connection; the identity is not re-checked afterwards.
type Authenticator struct {
	secret []byte
	users  UserLookup
}

func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, credential string) (store.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return store.User{}, ErrNoToken
	}
	claims, err := ParseToken(a.secret, credential)
	if err != nil {
		return store.User{}, err
	}
	user, err := a.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrUserNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// IsAuthError reports whether err rejects the credential itself, as opposed
// to a failure looking the user up.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNoToken) || errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) || errors.Is(err, ErrUserNotFound)
}

// Message renders err the way connection rejections are reported to clients.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return "Authentication error: No token provided"
	case errors.Is(err, ErrUserNotFound):
		return "Authentication error: User not found"
	default:
		return "Authentication error: Invalid token"
	}
}
