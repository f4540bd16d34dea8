package auth

import (
	"context"
	"strings"

	"github.com/supabase-community/supabase-go"

	apperrors "ideasync/pkg/errors"
)

// SupabaseAuthorizer admits any user holding a valid Supabase session.
// Room level access is left to the row policies of the idea table.
type SupabaseAuthorizer struct {
	client *supabase.Client
}

// NewSupabaseAuthorizer creates an authorizer backed by Supabase Auth.
func NewSupabaseAuthorizer(client *supabase.Client) *SupabaseAuthorizer {
	return &SupabaseAuthorizer{client: client}
}

func (a *SupabaseAuthorizer) Authorize(_ context.Context, token, _ string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.NewUnauthorized("authentication required", ErrMissingToken)
	}

	user, err := a.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return Identity{}, apperrors.NewUnauthorized("invalid session", err)
	}
	return Identity{UserID: user.ID.String(), Name: user.Email}, nil
}
