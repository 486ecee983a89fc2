package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"smsrelay/internal/constants"
	"smsrelay/internal/models"
	"smsrelay/internal/security"
	"smsrelay/internal/validation"
)

var (
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
	ErrInvalidServerURL    = models.ConfigError{Message: "forward.server_base_url must be an absolute http(s) URL"}
	ErrUnknownSettingsType = models.ConfigError{Message: "settings.backend must be \"sqlite\" or \"redis\""}
	ErrMissingRedisAddress = models.ConfigError{Message: "settings.redis_address is required for the redis backend"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}

	c.Forward.ServerBaseURL = models.NormalizeBaseURL(c.Forward.ServerBaseURL)
	if c.Forward.ServerBaseURL == "" {
		c.Forward.ServerBaseURL = constants.DefaultServerBaseURL
	}
	u, err := url.Parse(c.Forward.ServerBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidServerURL
	}

	switch strings.ToLower(c.Settings.Backend) {
	case "", "sqlite":
		c.Settings.Backend = "sqlite"
	case "redis":
		c.Settings.Backend = "redis"
		if c.Settings.RedisAddress == "" {
			return ErrMissingRedisAddress
		}
	default:
		return ErrUnknownSettingsType
	}
	if c.Settings.KeyPrefix == "" {
		c.Settings.KeyPrefix = "smsrelay"
	}

	if c.Forward.ConnectTimeoutSec <= 0 {
		c.Forward.ConnectTimeoutSec = constants.DefaultConnectTimeoutSec
	}
	if c.Forward.ReadTimeoutSec <= 0 {
		c.Forward.ReadTimeoutSec = constants.DefaultReadTimeoutSec
	}

	if c.Queue.Workers <= 0 {
		c.Queue.Workers = constants.DefaultWorkerCount
	}
	if c.Queue.PollIntervalMs <= 0 {
		c.Queue.PollIntervalMs = constants.DefaultPollIntervalMs
	}
	if c.Queue.BackoffBaseSec <= 0 {
		c.Queue.BackoffBaseSec = constants.DefaultBackoffBaseSec
	}
	if c.Queue.MaxBackoffSec <= 0 {
		c.Queue.MaxBackoffSec = constants.DefaultMaxBackoffSec
	}
	if c.Queue.MaxBackoffSec < c.Queue.BackoffBaseSec {
		return models.ConfigError{Message: "queue.maxBackoffSec must not be smaller than queue.backoffBaseSec"}
	}
	if c.Queue.MaxAttempts < 0 {
		return models.ConfigError{Message: "queue.maxAttempts must be >= 0 (0 means unbounded)"}
	}
	if c.Queue.NetworkCheckSec <= 0 {
		c.Queue.NetworkCheckSec = constants.DefaultNetworkCheckSec
	}
	if c.Queue.NetworkTimeoutSec <= 0 {
		c.Queue.NetworkTimeoutSec = constants.DefaultNetworkDialTimeout
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultInitialBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultStartupMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Breaker.MaxFailures <= 0 {
		c.Breaker.MaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Breaker.TimeoutSec <= 0 {
		c.Breaker.TimeoutSec = constants.DefaultBreakerTimeoutSec
	}

	if c.Server.Address == "" {
		c.Server.Address = constants.DefaultServerAddress
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.DefaultCleanupIntervalHour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}

	if err := validateRanges(c); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "smsrelay"
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 0.1
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("SMSRELAY_SERVER_BASE_URL"); url != "" {
		c.Forward.ServerBaseURL = url
	}

	// SECURITY: secrets should be provided through the environment rather than the config file
	if secret := os.Getenv("SMSRELAY_SECRET"); secret != "" {
		c.Forward.LegacySecret = secret
	}
	if token := os.Getenv("SMSRELAY_BEARER_TOKEN"); token != "" {
		c.Forward.BearerToken = token
	}
	if v := os.Getenv("SMSRELAY_USE_HMAC_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Forward.UseHMACOnly = b
		}
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("SMSRELAY_LISTEN_ADDR"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Settings.RedisAddress = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Settings.RedisPassword = pw
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
}

func validateRanges(c *models.Config) error {
	checks := []struct {
		value    int
		field    string
		min, max int
	}{
		{c.Forward.ConnectTimeoutSec, "forward.connectTimeoutSec", 1, 3600},
		{c.Forward.ReadTimeoutSec, "forward.readTimeoutSec", 1, 3600},
		{c.Queue.Workers, "queue.workers", 1, 64},
		{c.RetentionDays, "retentionDays", 1, 3650},
	}
	for _, check := range checks {
		if err := validation.ValidateNumericRange(check.value, check.field, check.min, check.max); err != nil {
			return err
		}
	}
	return nil
}
