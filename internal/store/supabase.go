package store

import (
	"context"
	"time"

	"github.com/supabase-community/supabase-go"

	apperrors "ideasync/pkg/errors"
)

// SupabaseStore reads and writes ideas through the Supabase REST API.
// The client does not take a context; callers bound calls with the breaker
// and timeout decorators.
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

// NewSupabaseStore creates a store over table.
func NewSupabaseStore(client *supabase.Client, table string) *SupabaseStore {
	return &SupabaseStore{client: client, table: table}
}

type contentRow struct {
	ID      string  `json:"id"`
	Content *string `json:"content"`
}

func (s *SupabaseStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var rows []contentRow
	_, err := s.client.From(s.table).
		Select("id,content", "", false).
		Eq("id", ideaID).
		ExecuteTo(&rows)
	if err != nil {
		return "", apperrors.NewInternal("failed to load idea content", err)
	}
	if len(rows) == 0 {
		return "", notFound(ideaID)
	}
	if rows[0].Content == nil {
		return "", nil
	}
	return *rows[0].Content, nil
}

func (s *SupabaseStore) SaveContent(ctx context.Context, ideaID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var rows []contentRow
	_, err := s.client.From(s.table).
		Update(map[string]interface{}{
			"content":    content,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		}, "representation", "").
		Eq("id", ideaID).
		ExecuteTo(&rows)
	if err != nil {
		return apperrors.NewInternal("failed to save idea content", err)
	}
	if len(rows) == 0 {
		return notFound(ideaID)
	}
	return nil
}
