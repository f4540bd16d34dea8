// Package auth decides who may join a relay room.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "ideasync/pkg/errors"
)

// Identity is the user behind a connection.
type Identity struct {
	UserID string
	Name   string
}

// Anonymous is the identity of unauthenticated connections.
var Anonymous = Identity{UserID: "anonymous"}

// Authorizer admits or rejects a room join. Errors are AppErrors of type
// UNAUTHORIZED (bad credential) or FORBIDDEN (room not granted).
type Authorizer interface {
	Authorize(ctx context.Context, token, room string) (Identity, error)
}

// AllowAll admits every join.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string) (Identity, error) {
	return Anonymous, nil
}

// JWTAuthorizer admits holders of a valid token whose rooms claim grants
// the room.
type JWTAuthorizer struct {
	validator *JWTValidator
}

// NewJWTAuthorizer creates an HS256 authorizer.
func NewJWTAuthorizer(secret, issuer string) (*JWTAuthorizer, error) {
	v, err := NewJWTValidator(JWTConfig{SigningMethod: "HS256", SecretKey: secret, Issuer: issuer})
	if err != nil {
		return nil, err
	}
	return &JWTAuthorizer{validator: v}, nil
}

func (a *JWTAuthorizer) Authorize(_ context.Context, token, room string) (Identity, error) {
	claims, err := a.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, ErrMissingToken) {
			return Identity{}, apperrors.NewUnauthorized("authentication required", err)
		}
		return Identity{}, apperrors.NewUnauthorized("invalid token", err)
	}
	if !claims.AllowsRoom(room) {
		return Identity{}, apperrors.NewForbidden("token does not grant room " + room)
	}
	return Identity{UserID: claims.Subject, Name: claims.Name}, nil
}

// TokenFromRequest extracts the credential from the token query parameter,
// the Authorization header or the auth_token cookie, in that order. Browsers
// cannot set headers on websocket upgrades, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}
