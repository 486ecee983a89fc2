package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"smsrelay/internal/constants"
	"smsrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the config file and re-applies it when its content changes.
// A write is only picked up once the file looked the same on two consecutive polls.
type ConfigWatcher struct {
	configPath   string
	logger       *logrus.Logger
	pollInterval time.Duration
	mu           sync.RWMutex
	config       *models.Config
	digest       []byte
	callbacks    []func(*models.Config)
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:   configPath,
		logger:       logger,
		pollInterval: time.Duration(constants.DefaultConfigPollSec) * time.Second,
		callbacks:    make([]func(*models.Config), 0),
	}
}

// Start loads the configuration and blocks polling for changes until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	digest, err := fileDigest(cw.configPath)
	if err != nil {
		return err
	}
	last, err := stampOf(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.digest = digest
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	var pending *fileStamp
	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			stamp, err := stampOf(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}

			switch {
			case stamp == last:
				pending = nil
			case pending == nil || *pending != stamp:
				// still being written
				pending = &stamp
			default:
				last = stamp
				pending = nil
				cw.reloadConfig()
			}
		}
	}
}

// SetPollInterval overrides how often the file is checked for changes.
func (cw *ConfigWatcher) SetPollInterval(d time.Duration) {
	if d > 0 {
		cw.pollInterval = d
	}
}

// GetConfig returns the most recently applied configuration.
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload.
// Callbacks run in registration order on the watcher goroutine.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	digest, err := fileDigest(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.RLock()
	unchanged := cw.digest != nil && bytes.Equal(cw.digest, digest)
	cw.mu.RUnlock()
	if unchanged {
		cw.logger.Debug("Configuration file touched without content changes")
		return
	}

	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	cw.digest = digest
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")
	cw.logConfigChanges(oldConfig, newConfig)

	for _, callback := range callbacks {
		cw.runCallback(callback, newConfig)
	}
}

func (cw *ConfigWatcher) runCallback(cb func(*models.Config), config *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(config)
}

type configChange struct {
	label   string
	old     interface{}
	new     interface{}
	restart bool
}

func diffConfig(old, new *models.Config) []configChange {
	candidates := []configChange{
		{label: "Log level", old: old.LogLevel, new: new.LogLevel},
		{label: "Retention days", old: old.RetentionDays, new: new.RetentionDays, restart: true},
		{label: "Cleanup interval", old: old.Server.CleanupIntervalHours, new: new.Server.CleanupIntervalHours, restart: true},
		{label: "Queue settings", old: queueSummary(old.Queue), new: queueSummary(new.Queue), restart: true},
		{label: "Settings backend", old: old.Settings.Backend, new: new.Settings.Backend, restart: true},
		{label: "Server address", old: old.Server.Address, new: new.Server.Address, restart: true},
	}

	var changes []configChange
	for _, c := range candidates {
		if c.old != c.new {
			changes = append(changes, c)
		}
	}
	return changes
}

func queueSummary(q models.QueueConfig) string {
	return fmt.Sprintf("workers=%d maxAttempts=%d backoff=%ds..%ds", q.Workers, q.MaxAttempts, q.BackoffBaseSec, q.MaxBackoffSec)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	for _, c := range diffConfig(old, new) {
		entry := cw.logger.WithFields(logrus.Fields{"old": c.old, "new": c.new})
		if c.restart {
			entry.Info(c.label + " changed; restart to apply")
			continue
		}
		entry.Info(c.label + " changed")
	}

	// credentials are owned by the settings store once seeded
	if old.Forward.ServerBaseURL != new.Forward.ServerBaseURL {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Forward.ServerBaseURL,
			"new": new.Forward.ServerBaseURL,
		}).Warn("Forward server URL changed in config file; stored credentials are not modified")
	}
}

func stampOf(path string) (fileStamp, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: stat.ModTime(), size: stat.Size()}, nil
}

func fileDigest(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - validated by LoadConfig
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
