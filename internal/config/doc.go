// Package config loads the ideasync configuration.
//
// # Configuration Hierarchy
//
// Configuration is loaded from multiple sources in priority order (highest wins):
//  1. Default values in code (lowest priority)
//  2. base.yaml - Common configuration for all environments
//  3. {environment}.yaml - Environment-specific overrides
//  4. local.yaml - Local developer overrides (development only)
//  5. Environment variables (highest priority)
//
// Every file may also be written as JSON with the same keys.
//
// # Environment Variables
//
//	ENVIRONMENT                development | staging | production
//	CONFIG_DIR                 directory holding the files above
//	RELAY_HOST, RELAY_PORT     relay listen address
//	RELAY_MAX_MESSAGE_BYTES    largest frame the relay forwards
//	RELAY_URL                  relay a peer connects to
//	FANOUT_ENABLED, REDIS_URL  cross-instance fan-out
//	STORE_PROVIDER             memory | postgres | supabase
//	DATABASE_URL               postgres connection string
//	SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY
//	AUTH_PROVIDER              none | jwt | supabase
//	JWT_SECRET                 HMAC secret for the jwt provider
//	LOG_LEVEL                  debug | info | warn | error
//	OTEL_ENDPOINT              OTLP gRPC collector, tracing is off when empty
//
// The relay watches the configuration directory and applies log level
// changes without a restart.
package config
