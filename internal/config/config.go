package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete runtime configuration of the relay and of peers.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`
	Relay       Relay       `yaml:"relay" json:"relay"`
	Session     Session     `yaml:"session" json:"session"`
	Presence    Presence    `yaml:"presence" json:"presence"`
	Fanout      Fanout      `yaml:"fanout" json:"fanout"`
	Store       Store       `yaml:"store" json:"store"`
	Security    Security    `yaml:"security" json:"security"`
	Metrics     Metrics     `yaml:"metrics" json:"metrics"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
	Logging     Logging     `yaml:"logging" json:"logging"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Relay configures the websocket relay server.
type Relay struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes" json:"max_message_bytes" validate:"min=1"`
	SendBuffer        int           `yaml:"send_buffer" json:"send_buffer" validate:"min=1"`
	WriteWait         time.Duration `yaml:"write_wait" json:"write_wait" validate:"gt=0"`
	PongWait          time.Duration `yaml:"pong_wait" json:"pong_wait" validate:"gt=0"`
	PingPeriod        time.Duration `yaml:"ping_period" json:"ping_period" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	StatsInterval     time.Duration `yaml:"stats_interval" json:"stats_interval"`
	AllowedOrigins    []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// Addr is the listen address.
func (r Relay) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Session configures the client side collaboration session.
type Session struct {
	RelayURL         string        `yaml:"relay_url" json:"relay_url" validate:"required,url"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gt=0"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" json:"reconnect_initial" validate:"gt=0"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" json:"reconnect_max" validate:"gt=0"`
	InitialSyncWait  time.Duration `yaml:"initial_sync_wait" json:"initial_sync_wait"`
	SendBuffer       int           `yaml:"send_buffer" json:"send_buffer" validate:"min=1"`
}

// Presence configures awareness heartbeats.
type Presence struct {
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat" validate:"gt=0"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	Debounce  time.Duration `yaml:"debounce" json:"debounce" validate:"gt=0"`
}

// Fanout configures the Redis channel shared by relay instances.
type Fanout struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	RedisURL      string `yaml:"redis_url" json:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
}

// Store configures where idea content is saved.
type Store struct {
	Provider       string        `yaml:"provider" json:"provider" validate:"oneof=memory postgres supabase"`
	DatabaseURL    string        `yaml:"database_url" json:"database_url"`
	SupabaseURL    string        `yaml:"supabase_url" json:"supabase_url"`
	SupabaseKey    string        `yaml:"supabase_key" json:"supabase_key"`
	Table          string        `yaml:"table" json:"table" validate:"required"`
	MigrateOnStart bool          `yaml:"migrate_on_start" json:"migrate_on_start"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// Security configures room join authorization.
type Security struct {
	AuthProvider string `yaml:"auth_provider" json:"auth_provider" validate:"oneof=none jwt supabase"`
	JWTSecret    string `yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer    string `yaml:"jwt_issuer" json:"jwt_issuer"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`
	Path      string `yaml:"path" json:"path" validate:"required,startswith=/"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name" validate:"required"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
}

var validate = validator.New()

// Validate checks field constraints and the rules spanning several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var problems []string
	if c.Relay.PingPeriod >= c.Relay.PongWait {
		problems = append(problems, "relay.ping_period must be shorter than relay.pong_wait")
	}
	if c.Presence.Heartbeat >= c.Presence.Timeout {
		problems = append(problems, "presence.heartbeat must be shorter than presence.timeout")
	}
	if c.Session.ReconnectInitial > c.Session.ReconnectMax {
		problems = append(problems, "session.reconnect_initial must not exceed session.reconnect_max")
	}
	if c.Fanout.Enabled && c.Fanout.RedisURL == "" {
		problems = append(problems, "fanout.redis_url is required when fan-out is enabled")
	}
	switch c.Store.Provider {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres store")
		}
	case "supabase":
		if c.Store.SupabaseURL == "" || c.Store.SupabaseKey == "" {
			problems = append(problems, "store.supabase_url and store.supabase_key are required for the supabase store")
		}
	}
	switch c.Security.AuthProvider {
	case "jwt":
		if len(c.Security.JWTSecret) < 32 {
			problems = append(problems, "security.jwt_secret must be at least 32 characters")
		}
	case "supabase":
		if c.Store.SupabaseURL == "" || c.Store.SupabaseKey == "" {
			problems = append(problems, "supabase auth needs store.supabase_url and store.supabase_key")
		}
	}
	if c.Environment == Production && c.Security.AuthProvider == "none" {
		problems = append(problems, "production relays must authorize room joins")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// CurrentEnvironment reads ENVIRONMENT, defaulting to development.
func CurrentEnvironment() Environment {
	switch Environment(strings.ToLower(os.Getenv("ENVIRONMENT"))) {
	case Production:
		return Production
	case Staging:
		return Staging
	default:
		return Development
	}
}
