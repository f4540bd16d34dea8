// Package di wires the relay and the headless peer from configuration.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ideasync/internal/collab"
	"ideasync/internal/config"
	"ideasync/internal/infrastructure/observability"
	"ideasync/internal/infrastructure/tracing"
	"ideasync/internal/relay"
	"ideasync/internal/store"
	"ideasync/pkg/auth"
)

// Relay holds everything a running relay needs.
type Relay struct {
	Config  *config.Config
	Server  *relay.Server
	Hub     *relay.Hub
	Metrics *observability.Collector
	Logger  *zap.Logger
}

// Peer holds everything a headless collaborator needs.
type Peer struct {
	Config  *config.Config
	Manager *collab.Manager
	Store   store.IdeaStore
	Logger  *zap.Logger
}

func provideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

func provideTracerProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*tracing.TracerProvider, func(), error) {
	tp, err := tracing.InitTracing(ctx, cfg.Tracing.ServiceName, string(cfg.Environment), cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	return tp, cleanup, nil
}

func provideTracer(tp *tracing.TracerProvider) trace.Tracer {
	return tp.Tracer()
}

// provideRedisClient returns nil when fan-out is disabled.
func provideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Fanout.Enabled {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Fanout.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid fanout.redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	return client, func() { client.Close() }, nil
}

func provideFanout(client *redis.Client, cfg *config.Config, logger *zap.Logger) relay.Fanout {
	if client == nil {
		return nil
	}
	return relay.NewRedisFanout(client, cfg.Fanout.ChannelPrefix, logger)
}

func provideHub(cfg *config.Config, fanout relay.Fanout, metrics *observability.Collector, tracer trace.Tracer, logger *zap.Logger) *relay.Hub {
	opts := []relay.HubOption{
		relay.WithMaxMessageBytes(cfg.Relay.MaxMessageBytes),
		relay.WithTracer(tracer),
		relay.WithStatsInterval(cfg.Relay.StatsInterval),
	}
	if fanout != nil {
		opts = append(opts, relay.WithFanout(fanout))
	}
	return relay.NewHub(metrics, logger, opts...)
}

func provideServerConfig(cfg *config.Config) relay.ServerConfig {
	sc := relay.DefaultServerConfig()
	sc.Limits = relay.Limits{
		WriteWait:  cfg.Relay.WriteWait,
		PongWait:   cfg.Relay.PongWait,
		PingPeriod: cfg.Relay.PingPeriod,
		ReadLimit:  4 * cfg.Relay.MaxMessageBytes,
		SendBuffer: cfg.Relay.SendBuffer,
	}
	if len(cfg.Relay.AllowedOrigins) > 0 {
		sc.AllowedOrigins = cfg.Relay.AllowedOrigins
	}
	if cfg.Relay.ReadHeaderTimeout > 0 {
		sc.ReadHeaderTimeout = cfg.Relay.ReadHeaderTimeout
	}
	if cfg.Relay.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.Relay.ShutdownTimeout
	}
	sc.MetricsPath = ""
	if cfg.Metrics.Enabled {
		sc.MetricsPath = cfg.Metrics.Path
	}
	return sc
}

func provideAuthorizer(cfg *config.Config) (auth.Authorizer, error) {
	switch cfg.Security.AuthProvider {
	case "jwt":
		return auth.NewJWTAuthorizer(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	case "supabase":
		client, err := supabase.NewClient(cfg.Store.SupabaseURL, cfg.Store.SupabaseKey, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create supabase client: %w", err)
		}
		return auth.NewSupabaseAuthorizer(client), nil
	default:
		return auth.AllowAll{}, nil
	}
}

func provideRelay(cfg *config.Config, server *relay.Server, hub *relay.Hub, metrics *observability.Collector, logger *zap.Logger) *Relay {
	return &Relay{Config: cfg, Server: server, Hub: hub, Metrics: metrics, Logger: logger}
}

func provideIdeaStore(ctx context.Context, cfg *config.Config, metrics *observability.Collector, tracer trace.Tracer, logger *zap.Logger) (store.IdeaStore, func(), error) {
	base, cleanup, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	return store.Decorate(base, cfg.Store.Timeout, metrics, tracer, logger), cleanup, nil
}

func provideSessionOptions(cfg *config.Config) collab.Options {
	return collab.OptionsFromConfig(cfg)
}

func provideManager(dialer collab.Dialer, opts collab.Options, logger *zap.Logger) (*collab.Manager, func()) {
	m := collab.NewManager(dialer, opts, logger)
	return m, func() { m.CloseAll() }
}

func providePeer(cfg *config.Config, manager *collab.Manager, ideas store.IdeaStore, logger *zap.Logger) *Peer {
	return &Peer{Config: cfg, Manager: manager, Store: ideas, Logger: logger}
}
