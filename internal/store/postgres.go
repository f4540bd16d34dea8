package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "ideasync/pkg/errors"
)

// PostgresStore reads and writes ideas.content through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	load string
	save string
}

// NewPostgresStore creates a store over the table holding ideas.
func NewPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	ident := pgx.Identifier{table}.Sanitize()
	return &PostgresStore{
		pool: pool,
		load: fmt.Sprintf("SELECT content FROM %s WHERE id = $1", ident),
		save: fmt.Sprintf("UPDATE %s SET content = $2, updated_at = NOW() WHERE id = $1", ident),
	}
}

// Connect opens a pool and checks that the database answers.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewUnavailable("database unreachable", err)
	}
	return pool, nil
}

func (s *PostgresStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	var content *string
	err := s.pool.QueryRow(ctx, s.load, ideaID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(ideaID)
	}
	if err != nil {
		return "", apperrors.NewInternal("failed to load idea content", err)
	}
	if content == nil {
		return "", nil
	}
	return *content, nil
}

func (s *PostgresStore) SaveContent(ctx context.Context, ideaID, content string) error {
	tag, err := s.pool.Exec(ctx, s.save, ideaID, content)
	if err != nil {
		return apperrors.NewInternal("failed to save idea content", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(ideaID)
	}
	return nil
}
