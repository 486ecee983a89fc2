package models

// Config holds the application configuration
type Config struct {
	Server        ServerConfig   `json:"server"`
	Database      DatabaseConfig `json:"database"`
	Settings      SettingsConfig `json:"settings"`
	Forward       ForwardConfig  `json:"forward"`
	Queue         QueueConfig    `json:"queue"`
	Retry         RetryConfig    `json:"retry"`
	Breaker       BreakerConfig  `json:"circuitBreaker"`
	Tracing       TracingConfig  `json:"tracing"`
	LogLevel      string         `json:"log_level"`
	RetentionDays int            `json:"retentionDays"`
}

// ServerConfig holds the local control API settings
type ServerConfig struct {
	Address              string `json:"address"`
	CleanupIntervalHours int    `json:"cleanupIntervalHours"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SettingsConfig selects where credentials and the last forward status live.
// Backend is "sqlite" (default) or "redis".
type SettingsConfig struct {
	Backend       string `json:"backend"`
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	KeyPrefix     string `json:"key_prefix"`
}

// ForwardConfig holds outbound HTTP settings and the initial credentials
// seeded into the settings store when it is empty.
type ForwardConfig struct {
	ServerBaseURL     string `json:"server_base_url"`
	BearerToken       string `json:"bearer_token"`
	LegacySecret      string `json:"legacy_secret"`
	UseHMACOnly       bool   `json:"use_hmac_only"`
	ConnectTimeoutSec int    `json:"connectTimeoutSec"`
	ReadTimeoutSec    int    `json:"readTimeoutSec"`
}

// QueueConfig holds durable task queue settings
type QueueConfig struct {
	Workers           int    `json:"workers"`
	PollIntervalMs    int    `json:"pollIntervalMs"`
	BackoffBaseSec    int    `json:"backoffBaseSec"`
	MaxBackoffSec     int    `json:"maxBackoffSec"`
	MaxAttempts       int    `json:"maxAttempts"`
	NetworkProbeAddr  string `json:"networkProbeAddr"`
	NetworkCheckSec   int    `json:"networkCheckSec"`
	NetworkTimeoutSec int    `json:"networkTimeoutSec"`
}

// RetryConfig holds retry related configurations used at startup
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// BreakerConfig configures the optional circuit breaker around outbound sends
type BreakerConfig struct {
	Enabled     bool `json:"enabled"`
	MaxFailures int  `json:"maxFailures"`
	TimeoutSec  int  `json:"timeoutSec"`
}

// TracingConfig mirrors tracing.TracingConfig in the config file
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
