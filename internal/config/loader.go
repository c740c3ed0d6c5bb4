package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "hivegrid.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "HIVEGRID_PORT")
	setString(&cfg.Server.CORSOrigin, "HIVEGRID_CORS_ORIGIN")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "HIVEGRID_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HIVEGRID_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HIVEGRID_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "HIVEGRID_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "HIVEGRID_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "HIVEGRID_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.DedupeTTL, "HIVEGRID_CACHE_DEDUPE_TTL")
	setInt(&cfg.Delegation.MaxQueueSize, "HIVEGRID_QUEUE_SIZE")
	setDuration(&cfg.Delegation.DefaultTimeout, "HIVEGRID_TASK_TIMEOUT")
	setDuration(&cfg.Delegation.MonitorInterval, "HIVEGRID_MONITOR_INTERVAL")
	setInt(&cfg.Delegation.AssignBatch, "HIVEGRID_ASSIGN_BATCH")
	setDuration(&cfg.Delegation.OfflineAfter, "HIVEGRID_OFFLINE_AFTER")
	setInt(&cfg.Delegation.MaxDecomposeDepth, "HIVEGRID_DECOMPOSE_DEPTH")
	setInt(&cfg.Comm.MailboxSize, "HIVEGRID_MAILBOX_SIZE")
	setDuration(&cfg.Comm.HeartbeatInterval, "HIVEGRID_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Comm.RequestTimeout, "HIVEGRID_REQUEST_TIMEOUT")
	setInt64(&cfg.Comm.DeliveryParallel, "HIVEGRID_DELIVERY_PARALLEL")
	setDuration(&cfg.Conflict.ResolutionTimeout, "HIVEGRID_RESOLUTION_TIMEOUT")
	setDuration(&cfg.Conflict.SweepInterval, "HIVEGRID_CONFLICT_SWEEP_INTERVAL")
	setDuration(&cfg.Conflict.LeaseDuration, "HIVEGRID_LEASE_DURATION")
	setString(&cfg.Security.MasterSecret, "HIVEGRID_MASTER_SECRET")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Delegation.MaxQueueSize < 1 {
		return errors.New("delegation.max_queue_size must be >= 1")
	}
	if cfg.Delegation.AssignBatch < 1 {
		return errors.New("delegation.assign_batch must be >= 1")
	}
	if cfg.Comm.MailboxSize < 1 {
		return errors.New("comm.mailbox_size must be >= 1")
	}
	if cfg.Comm.DeliveryParallel < 1 {
		return errors.New("comm.delivery_parallel must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
