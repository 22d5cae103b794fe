// Package config provides Viper-based configuration loading for the
// realtime battle server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the admission and realtime listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the admission and realtime listener.
	Port int `mapstructure:"port"`
	// MetricsPort is the TCP port for the Prometheus scrape endpoint.
	MetricsPort int `mapstructure:"metrics_port"`
	// CurrentClientBuild is the build identifier the server was released with.
	CurrentClientBuild string `mapstructure:"current_client_build"`
	// SupportedClientBuilds is the set of client builds admitted to connect.
	SupportedClientBuilds []string `mapstructure:"supported_client_builds"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds shared-cache connection settings.
type RedisConfig struct {
	// Addr is the "host:port" of the Redis server.
	Addr string `mapstructure:"addr"`
	// Password is the optional AUTH password.
	Password string `mapstructure:"password"`
	// DB is the logical database index.
	DB int `mapstructure:"db"`
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// AdmissionConfig holds connection-admission settings.
type AdmissionConfig struct {
	// TimeoutMs is the wall-clock deadline for one admission attempt.
	TimeoutMs int `mapstructure:"timeout_ms"`
	// MaxQueueLength bounds the per-instance waiting queue (100-5000).
	MaxQueueLength int `mapstructure:"max_queue_length"`
	// RateLimit is the per-subject admission attempt budget (3-20).
	RateLimit int `mapstructure:"rate_limit"`
	// RateWindowSeconds is the admission rate window (30-300).
	RateWindowSeconds int `mapstructure:"rate_window_seconds"`
	// RateLockSeconds is how long a limited subject stays locked out.
	RateLockSeconds int `mapstructure:"rate_lock_seconds"`
}

// Timeout returns the admission deadline as a duration.
func (a AdmissionConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// ReconnectConfig holds disconnect grace settings.
type ReconnectConfig struct {
	// GraceMs is the reconnection grace window in milliseconds (30000-600000).
	GraceMs int `mapstructure:"grace_ms"`
}

// Grace returns the grace window as a duration.
func (r ReconnectConfig) Grace() time.Duration {
	return time.Duration(r.GraceMs) * time.Millisecond
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// InactivityTimeoutMs terminates active sessions without heartbeats.
	InactivityTimeoutMs int `mapstructure:"inactivity_timeout_ms"`
	// HeartbeatIntervalMs is advertised to clients in connection config.
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	// ReconnectDelayMs is advertised to clients in connection config.
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms"`
	// MaxReconnectAttempts is advertised to clients in connection config.
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
}

// InactivityTimeout returns the inactivity cutoff as a duration.
func (s SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutMs) * time.Millisecond
}

// JanitorConfig holds periodic sweep settings.
type JanitorConfig struct {
	// IntervalSeconds is the sweep cadence.
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// GracePeriodBufferSeconds is added past graceExpiresAt before expiry.
	GracePeriodBufferSeconds int `mapstructure:"grace_period_buffer_seconds"`
	// BatchSize bounds work per sweep phase.
	BatchSize int `mapstructure:"batch_size"`
	// OrphanKeyTTLSeconds is assigned to cache keys found without a TTL.
	OrphanKeyTTLSeconds int `mapstructure:"orphan_key_ttl_seconds"`
}

// ChannelConfig declares one rate-limit channel.
type ChannelConfig struct {
	// Limit is the number of events allowed inside the window.
	Limit int `mapstructure:"limit"`
	// WindowMs is the sliding window size in milliseconds.
	WindowMs int `mapstructure:"window_ms"`
}

// Window returns the channel window as a duration.
func (c ChannelConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// GameConfig holds battle-instance parameters and operational modes.
type GameConfig struct {
	// BoardMaxDimension caps rule set board width/height (<= 256).
	BoardMaxDimension int `mapstructure:"board_max_dimension"`
	// MaxPlayers caps rule set max players (<= 64).
	MaxPlayers int `mapstructure:"max_players"`
	// ActionBatchSize bounds one room queue drain for cross-room fairness.
	ActionBatchSize int `mapstructure:"action_batch_size"`
	// RulesetDir optionally points at a directory of seed rule set bundles.
	RulesetDir string `mapstructure:"ruleset_dir"`
	// DrainModeEnabled refuses new connections while letting queues drain.
	DrainModeEnabled bool `mapstructure:"drain_mode_enabled"`
	// MaintenanceModeEnabled refuses all connections.
	MaintenanceModeEnabled bool `mapstructure:"maintenance_mode_enabled"`
}

// HealthConfig holds dependency liveness probe settings.
type HealthConfig struct {
	// IntervalSeconds is the probe cadence.
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// TimeoutSeconds bounds one probe.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig holds bearer-token verification settings for session bootstrap.
type AuthConfig struct {
	// JWTSecret is the HMAC secret for bearer token verification.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Redis       RedisConfig              `mapstructure:"redis"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	Admission   AdmissionConfig          `mapstructure:"admission"`
	Reconnect   ReconnectConfig          `mapstructure:"reconnect"`
	Session     SessionConfig            `mapstructure:"session"`
	Janitor     JanitorConfig            `mapstructure:"janitor"`
	RateLimiter map[string]ChannelConfig `mapstructure:"rate_limiter"`
	Game        GameConfig               `mapstructure:"game"`
	Health      HealthConfig             `mapstructure:"health"`
	Auth        AuthConfig               `mapstructure:"auth"`
}

// RequiredChannels are the rate-limit channels the core depends on.
var RequiredChannels = []string{"chat_in_instance", "tile_action", "private_message"}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateRedis(c.Redis) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validateAdmission(c.Admission) },
		func() error { return validateReconnect(c.Reconnect) },
		func() error { return validateSession(c.Session) },
		func() error { return validateJanitor(c.Janitor) },
		func() error { return validateChannels(c.RateLimiter) },
		func() error { return validateGame(c.Game) },
		func() error { return validateHealth(c.Health) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.MetricsPort < 1 || s.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.metrics_port must be 1-65535, got %d", s.MetricsPort))
	}
	if s.CurrentClientBuild == "" {
		errs = append(errs, "server.current_client_build must not be empty")
	}
	if len(s.SupportedClientBuilds) == 0 {
		errs = append(errs, "server.supported_client_builds must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if r.DialTimeout < 0 {
		errs = append(errs, "redis.dial_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateAdmission(a AdmissionConfig) error {
	var errs []string
	if a.TimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("admission.timeout_ms must be >= 1, got %d", a.TimeoutMs))
	}
	if a.MaxQueueLength < 100 || a.MaxQueueLength > 5000 {
		errs = append(errs, fmt.Sprintf("admission.max_queue_length must be 100-5000, got %d", a.MaxQueueLength))
	}
	if a.RateLimit < 3 || a.RateLimit > 20 {
		errs = append(errs, fmt.Sprintf("admission.rate_limit must be 3-20, got %d", a.RateLimit))
	}
	if a.RateWindowSeconds < 30 || a.RateWindowSeconds > 300 {
		errs = append(errs, fmt.Sprintf("admission.rate_window_seconds must be 30-300, got %d", a.RateWindowSeconds))
	}
	if a.RateLockSeconds < 1 {
		errs = append(errs, fmt.Sprintf("admission.rate_lock_seconds must be >= 1, got %d", a.RateLockSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateReconnect(r ReconnectConfig) error {
	if r.GraceMs < 30000 || r.GraceMs > 600000 {
		return fmt.Errorf("reconnect.grace_ms must be 30000-600000, got %d", r.GraceMs)
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.InactivityTimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("session.inactivity_timeout_ms must be >= 1, got %d", s.InactivityTimeoutMs))
	}
	if s.HeartbeatIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("session.heartbeat_interval_ms must be >= 1, got %d", s.HeartbeatIntervalMs))
	}
	if s.ReconnectDelayMs < 0 {
		errs = append(errs, "session.reconnect_delay_ms must not be negative")
	}
	if s.MaxReconnectAttempts < 1 {
		errs = append(errs, fmt.Sprintf("session.max_reconnect_attempts must be >= 1, got %d", s.MaxReconnectAttempts))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateJanitor(j JanitorConfig) error {
	var errs []string
	if j.IntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("janitor.interval_seconds must be >= 1, got %d", j.IntervalSeconds))
	}
	if j.GracePeriodBufferSeconds < 0 {
		errs = append(errs, "janitor.grace_period_buffer_seconds must not be negative")
	}
	if j.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("janitor.batch_size must be >= 1, got %d", j.BatchSize))
	}
	if j.OrphanKeyTTLSeconds < 1 {
		errs = append(errs, fmt.Sprintf("janitor.orphan_key_ttl_seconds must be >= 1, got %d", j.OrphanKeyTTLSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChannels(channels map[string]ChannelConfig) error {
	var errs []string
	for _, name := range RequiredChannels {
		if _, ok := channels[name]; !ok {
			errs = append(errs, fmt.Sprintf("rate_limiter.%s must be declared", name))
		}
	}
	for name, ch := range channels {
		if ch.Limit < 1 {
			errs = append(errs, fmt.Sprintf("rate_limiter.%s.limit must be >= 1, got %d", name, ch.Limit))
		}
		if ch.WindowMs < 1 {
			errs = append(errs, fmt.Sprintf("rate_limiter.%s.window_ms must be >= 1, got %d", name, ch.WindowMs))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.BoardMaxDimension < 1 || g.BoardMaxDimension > 256 {
		errs = append(errs, fmt.Sprintf("game.board_max_dimension must be 1-256, got %d", g.BoardMaxDimension))
	}
	if g.MaxPlayers < 2 || g.MaxPlayers > 64 {
		errs = append(errs, fmt.Sprintf("game.max_players must be 2-64, got %d", g.MaxPlayers))
	}
	if g.ActionBatchSize < 1 {
		errs = append(errs, fmt.Sprintf("game.action_batch_size must be >= 1, got %d", g.ActionBatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	var errs []string
	if h.IntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("health.interval_seconds must be >= 1, got %d", h.IntervalSeconds))
	}
	if h.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Sprintf("health.timeout_seconds must be >= 1, got %d", h.TimeoutSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with TILEMUD_ prefix
	v.SetEnvPrefix("TILEMUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with all defaults applied.
// Useful for tests that need a valid Config without a file on disk.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: unmarshalling defaults: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.current_client_build", "1.0.0")
	v.SetDefault("server.supported_client_builds", []string{"1.0.0"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "tilemud")
	v.SetDefault("database.password", "tilemud")
	v.SetDefault("database.name", "tilemud")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admission.timeout_ms", 10000)
	v.SetDefault("admission.max_queue_length", 1000)
	v.SetDefault("admission.rate_limit", 5)
	v.SetDefault("admission.rate_window_seconds", 60)
	v.SetDefault("admission.rate_lock_seconds", 60)

	v.SetDefault("reconnect.grace_ms", 60000)

	v.SetDefault("session.inactivity_timeout_ms", 600000)
	v.SetDefault("session.heartbeat_interval_ms", 15000)
	v.SetDefault("session.reconnect_delay_ms", 2000)
	v.SetDefault("session.max_reconnect_attempts", 5)

	v.SetDefault("janitor.interval_seconds", 60)
	v.SetDefault("janitor.grace_period_buffer_seconds", 5)
	v.SetDefault("janitor.batch_size", 50)
	v.SetDefault("janitor.orphan_key_ttl_seconds", 3600)

	v.SetDefault("rate_limiter.chat_in_instance.limit", 5)
	v.SetDefault("rate_limiter.chat_in_instance.window_ms", 10000)
	v.SetDefault("rate_limiter.tile_action.limit", 20)
	v.SetDefault("rate_limiter.tile_action.window_ms", 10000)
	v.SetDefault("rate_limiter.private_message.limit", 10)
	v.SetDefault("rate_limiter.private_message.window_ms", 60000)

	v.SetDefault("game.board_max_dimension", 256)
	v.SetDefault("game.max_players", 64)
	v.SetDefault("game.action_batch_size", 32)
	v.SetDefault("game.ruleset_dir", "")
	v.SetDefault("game.drain_mode_enabled", false)
	v.SetDefault("game.maintenance_mode_enabled", false)

	v.SetDefault("health.interval_seconds", 10)
	v.SetDefault("health.timeout_seconds", 3)

	v.SetDefault("auth.jwt_secret", "")
}
