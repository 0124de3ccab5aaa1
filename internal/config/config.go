// Package config provides configuration management for flyxd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8554
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultHTTPTimeout      = 30 * time.Second
	defaultRetryAttempts    = 2
	defaultRetryDelay       = 1 * time.Second
	defaultRetryMaxDelay    = 10 * time.Second
	defaultCircuitThreshold = 5
	defaultCircuitTimeout   = 30 * time.Second
	defaultLookupTimeout    = 5 * time.Second
	defaultFailoverCooldown = 300 * time.Millisecond
	defaultManifestTimeout  = 20 * time.Second
	defaultManifestRetries  = 2
	defaultFragmentTimeout  = 20 * time.Second
	defaultFragmentRetries  = 6
	defaultFragmentDelay    = 1 * time.Second
	defaultGapTolerance     = 4 * time.Second
	defaultLiveSyncTrail    = 3
	defaultUnmuteDelay      = 500 * time.Millisecond
	defaultForwardBuffer    = 90 * time.Second
	defaultMaxBuffer        = 3 * time.Minute
	defaultMaxBufferBytes   = 60 * 1024 * 1024
	defaultPoWIterationCap  = 100000
	defaultPoWThreshold     = 0x1000
	defaultTokenTTL         = 300 * time.Second
	defaultAnalyticsTimeout = 3 * time.Second
	defaultMaxSessions      = 16
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Client    ClientConfig    `mapstructure:"client"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	KeyAuth   KeyAuthConfig   `mapstructure:"keyauth"`
	Playback  PlaybackConfig  `mapstructure:"playback"`
	Failover  FailoverConfig  `mapstructure:"failover"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
}

// ServerConfig holds HTTP control API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxSessions     int           `mapstructure:"max_sessions"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ClientConfig holds upstream HTTP client configuration shared by all
// outbound request classes.
type ClientConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// ResolverConfig holds CDN lookup configuration.
type ResolverConfig struct {
	// LookupBaseURL overrides the per-provider server lookup endpoint.
	// Empty means each provider uses its built-in endpoint.
	LookupBaseURL string        `mapstructure:"lookup_base_url"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// KeyAuthConfig holds the proof-of-work key handshake configuration.
type KeyAuthConfig struct {
	// Secret is the shared HMAC secret for the challenge and token signature.
	Secret string `mapstructure:"secret" masq:"secret"`
	// BaseURL is the key server base URL. Empty disables key fetching.
	BaseURL string `mapstructure:"base_url"`
	// IterationCap bounds the nonce search.
	IterationCap int `mapstructure:"iteration_cap"`
	// Threshold is the 16-bit hash-prefix acceptance bound.
	Threshold uint16 `mapstructure:"threshold"`
	// TokenTTL is the signed claim validity window.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// PlaybackConfig holds manifest acquisition and player tuning.
// The defaults favour stability over latency, with large forward buffers
// and a live-edge position that trails the newest segments.
type PlaybackConfig struct {
	ManifestTimeout    time.Duration `mapstructure:"manifest_timeout"`
	ManifestRetries    int           `mapstructure:"manifest_retries"`
	FragmentTimeout    time.Duration `mapstructure:"fragment_timeout"`
	FragmentRetries    int           `mapstructure:"fragment_retries"`
	FragmentRetryDelay time.Duration `mapstructure:"fragment_retry_delay"`
	GapTolerance       time.Duration `mapstructure:"gap_tolerance"`
	LiveSyncTrail      int           `mapstructure:"live_sync_trail"`
	UnmuteDelay        time.Duration `mapstructure:"unmute_delay"`
	ForwardBuffer      Duration      `mapstructure:"forward_buffer"`
	MaxBuffer          Duration      `mapstructure:"max_buffer"`
	MaxBufferBytes     ByteSize      `mapstructure:"max_buffer_bytes"`
}

// FailoverConfig holds backend failover tuning.
type FailoverConfig struct {
	// Cooldown is the fixed delay between backend attempts.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// AnalyticsConfig holds the fire-and-forget view session collector settings.
type AnalyticsConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with FLYXD_ with underscores for nesting, e.g. FLYXD_SERVER_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flyxd")
		v.AddConfigPath("$HOME/.flyxd")
	}

	v.SetEnvPrefix("FLYXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	return Unmarshal(v)
}

// Unmarshal decodes an already-populated viper instance into a validated Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_sessions", defaultMaxSessions)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Upstream client defaults
	v.SetDefault("client.timeout", defaultHTTPTimeout)
	v.SetDefault("client.retry_attempts", defaultRetryAttempts)
	v.SetDefault("client.retry_delay", defaultRetryDelay)
	v.SetDefault("client.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("client.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("client.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("client.user_agent", "")

	// Resolver defaults
	v.SetDefault("resolver.lookup_base_url", "")
	v.SetDefault("resolver.lookup_timeout", defaultLookupTimeout)

	// Key auth defaults
	v.SetDefault("keyauth.secret", "")
	v.SetDefault("keyauth.base_url", "")
	v.SetDefault("keyauth.iteration_cap", defaultPoWIterationCap)
	v.SetDefault("keyauth.threshold", defaultPoWThreshold)
	v.SetDefault("keyauth.token_ttl", defaultTokenTTL)

	// Playback defaults
	v.SetDefault("playback.manifest_timeout", defaultManifestTimeout)
	v.SetDefault("playback.manifest_retries", defaultManifestRetries)
	v.SetDefault("playback.fragment_timeout", defaultFragmentTimeout)
	v.SetDefault("playback.fragment_retries", defaultFragmentRetries)
	v.SetDefault("playback.fragment_retry_delay", defaultFragmentDelay)
	v.SetDefault("playback.gap_tolerance", defaultGapTolerance)
	v.SetDefault("playback.live_sync_trail", defaultLiveSyncTrail)
	v.SetDefault("playback.unmute_delay", defaultUnmuteDelay)
	v.SetDefault("playback.forward_buffer", int64(defaultForwardBuffer))
	v.SetDefault("playback.max_buffer", int64(defaultMaxBuffer))
	v.SetDefault("playback.max_buffer_bytes", defaultMaxBufferBytes)

	// Failover defaults
	v.SetDefault("failover.cooldown", defaultFailoverCooldown)

	// Analytics defaults
	v.SetDefault("analytics.enabled", false)
	v.SetDefault("analytics.base_url", "")
	v.SetDefault("analytics.timeout", defaultAnalyticsTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("server.max_sessions must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.KeyAuth.IterationCap < 1 {
		return fmt.Errorf("keyauth.iteration_cap must be at least 1")
	}
	if c.KeyAuth.Threshold == 0 {
		return fmt.Errorf("keyauth.threshold must be non-zero")
	}
	if c.KeyAuth.TokenTTL <= 0 {
		return fmt.Errorf("keyauth.token_ttl must be positive")
	}

	if c.Playback.FragmentRetries < 0 || c.Playback.ManifestRetries < 0 {
		return fmt.Errorf("playback retry counts must be non-negative")
	}
	if c.Playback.LiveSyncTrail < 0 {
		return fmt.Errorf("playback.live_sync_trail must be non-negative")
	}

	if c.Failover.Cooldown < 0 {
		return fmt.Errorf("failover.cooldown must be non-negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
