package store

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"ideasync/internal/config"
)

// New builds the undecorated store named by cfg.Provider. The returned
// cleanup releases its connections.
func New(ctx context.Context, cfg config.Store, logger *zap.Logger) (IdeaStore, func(), error) {
	switch cfg.Provider {
	case "postgres":
		pool, err := Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.MigrateOnStart {
			if err := Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}
		logger.Info("Using postgres idea store", zap.String("table", cfg.Table))
		return NewPostgresStore(pool, cfg.Table), pool.Close, nil

	case "supabase":
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create supabase client: %w", err)
		}
		logger.Info("Using supabase idea store", zap.String("table", cfg.Table))
		return NewSupabaseStore(client, cfg.Table), func() {}, nil

	case "memory", "":
		logger.Info("Using in-memory idea store")
		return NewMemoryStore(true), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store provider %q", cfg.Provider)
	}
}
