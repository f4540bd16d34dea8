//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"ideasync/internal/collab"
	"ideasync/internal/config"
	"ideasync/internal/relay"
)

// ObservabilitySet provides metrics and tracing.
var ObservabilitySet = wire.NewSet(
	provideCollector,
	provideTracerProvider,
	provideTracer,
)

// RelaySet provides the relay server and its collaborators.
var RelaySet = wire.NewSet(
	ObservabilitySet,
	provideRedisClient,
	provideFanout,
	provideHub,
	provideAuthorizer,
	provideServerConfig,
	relay.NewServer,
	provideRelay,
)

// PeerSet provides the session manager and the idea store.
var PeerSet = wire.NewSet(
	ObservabilitySet,
	provideIdeaStore,
	provideSessionOptions,
	provideManager,
	providePeer,
)

// InitializeRelay builds the relay from configuration.
func InitializeRelay(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Relay, func(), error) {
	wire.Build(RelaySet)
	return nil, nil, nil
}

// InitializePeer builds a headless collaborator dialing through dialer.
func InitializePeer(ctx context.Context, cfg *config.Config, logger *zap.Logger, dialer collab.Dialer) (*Peer, func(), error) {
	wire.Build(PeerSet)
	return nil, nil, nil
}
