package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles loading configuration from multiple sources.
type Loader struct {
	// basePath is the root directory for configuration files
	basePath string

	// environment is the current deployment environment
	environment Environment

	// fileLoaders are tried in order for every configuration layer
	fileLoaders []FileLoader

	// lookupEnv reads environment variables; replaced in tests
	lookupEnv func(string) (string, bool)
}

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// NewLoader creates a new configuration loader with sensible defaults.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}

	loader := &Loader{
		basePath:    basePath,
		environment: env,
		lookupEnv:   os.LookupEnv,
	}

	loader.RegisterLoader(&YAMLLoader{})
	loader.RegisterLoader(&JSONLoader{})

	return loader
}

// RegisterLoader registers a new file loader for a specific format.
func (l *Loader) RegisterLoader(loader FileLoader) {
	l.fileLoaders = append(l.fileLoaders, loader)
}

// Load loads configuration using a hierarchy of sources.
// The loading order (from lowest to highest priority):
//  1. Default values (in code)
//  2. Base configuration file (base.yaml)
//  3. Environment-specific file (e.g., production.yaml)
//  4. Local overrides file (local.yaml, development only)
//  5. Environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := l.defaultConfig()
	sources := []string{"defaults"}

	if err := l.loadFile("base", cfg, &sources); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg, &sources); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg, &sources); err != nil && !os.IsNotExist(err) {
			// Local file errors are warnings in development
			fmt.Fprintf(os.Stderr, "Warning: failed to load local config: %v\n", err)
		}
	}

	if err := l.loadEnvironmentVariables(cfg); err != nil {
		return nil, err
	}
	sources = append(sources, "environment")

	cfg.Environment = l.environment
	cfg.LoadedFrom = sources

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile loads configuration from a file with automatic format detection.
func (l *Loader) loadFile(name string, cfg *Config, sources *[]string) error {
	for _, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, fmt.Sprintf("%s.%s", name, loader.Extension()))

		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		err = loader.Load(file, cfg)
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		*sources = append(*sources, path)
		return nil
	}

	return os.ErrNotExist
}

// loadEnvironmentVariables overlays environment variables on the configuration.
func (l *Loader) loadEnvironmentVariables(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			*dst = val
		}
	}
	integer := func(key string, dst *int) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if val, ok := l.lookupEnv(key); ok && val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("RELAY_HOST", &cfg.Relay.Host)
	integer("RELAY_PORT", &cfg.Relay.Port)
	if val, ok := l.lookupEnv("RELAY_MAX_MESSAGE_BYTES"); ok && val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("RELAY_MAX_MESSAGE_BYTES: %v", err))
		} else {
			cfg.Relay.MaxMessageBytes = n
		}
	}
	str("RELAY_URL", &cfg.Session.RelayURL)

	boolean("FANOUT_ENABLED", &cfg.Fanout.Enabled)
	str("REDIS_URL", &cfg.Fanout.RedisURL)

	str("STORE_PROVIDER", &cfg.Store.Provider)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("SUPABASE_URL", &cfg.Store.SupabaseURL)
	str("SUPABASE_SERVICE_ROLE_KEY", &cfg.Store.SupabaseKey)

	str("AUTH_PROVIDER", &cfg.Security.AuthProvider)
	str("JWT_SECRET", &cfg.Security.JWTSecret)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("OTEL_ENDPOINT", &cfg.Tracing.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment variables: %s", strings.Join(errs, "; "))
	}
	return nil
}

// defaultConfig returns a configuration with sensible defaults.
// This ensures the application can run even without configuration files.
func (l *Loader) defaultConfig() *Config {
	logFormat := "json"
	if l.environment == Development {
		logFormat = "console"
	}

	return &Config{
		Environment: l.environment,
		Relay: Relay{
			Host:              "0.0.0.0",
			Port:              1234,
			MaxMessageBytes:   1 << 20,
			SendBuffer:        256,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			PingPeriod:        54 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			StatsInterval:     30 * time.Second,
			AllowedOrigins:    []string{"*"},
		},
		Session: Session{
			RelayURL:         "ws://localhost:1234",
			ConnectTimeout:   5 * time.Second,
			ReconnectInitial: 250 * time.Millisecond,
			ReconnectMax:     10 * time.Second,
			InitialSyncWait:  500 * time.Millisecond,
			SendBuffer:       256,
		},
		Presence: Presence{
			Heartbeat: time.Second,
			Timeout:   4 * time.Second,
			Debounce:  50 * time.Millisecond,
		},
		Fanout: Fanout{
			ChannelPrefix: "ideasync:room:",
		},
		Store: Store{
			Provider: "memory",
			Table:    "ideas",
			Timeout:  5 * time.Second,
		},
		Security: Security{
			AuthProvider: "none",
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "ideasync",
			Path:      "/metrics",
		},
		Tracing: Tracing{
			ServiceName: "ideasync-relay",
			SampleRate:  0.1,
		},
		Logging: Logging{
			Level:  "info",
			Format: logFormat,
		},
	}
}

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	err := yaml.NewDecoder(reader).Decode(target)
	if err == io.EOF {
		return nil
	}
	return err
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

// Load reads the configuration for the environment named by ENVIRONMENT from
// dir, or from CONFIG_DIR when dir is empty.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv("CONFIG_DIR")
	}
	return NewLoader(dir, CurrentEnvironment()).Load()
}
