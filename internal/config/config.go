// Package config provides hierarchical configuration loading for hivegrid.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the hivegrid core service.
type Config struct {
	Server     Server     `yaml:"server"`
	NATS       NATS       `yaml:"nats"`
	Logging    Logging    `yaml:"logging"`
	Breaker    Breaker    `yaml:"breaker"`
	Cache      Cache      `yaml:"cache"`
	Delegation Delegation `yaml:"delegation"`
	Comm       Comm       `yaml:"comm"`
	Conflict   Conflict   `yaml:"conflict"`
	Security   Security   `yaml:"security"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// NATS holds NATS JetStream transport configuration.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds the circuit breaker guarding transport delivery.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the in-process message dedupe cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// Delegation holds task queue and monitor loop configuration.
type Delegation struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`  // per-task when no deadline set
	MonitorInterval   time.Duration `yaml:"monitor_interval"` // assignment/timeout scan cadence
	AssignBatch       int           `yaml:"assign_batch"`     // max dispatches per scan
	OfflineAfter      time.Duration `yaml:"offline_after"`    // agent marked offline past this silence
	MaxDecomposeDepth int           `yaml:"max_decompose_depth"`
}

// Comm holds communication protocol configuration.
type Comm struct {
	MailboxSize       int           `yaml:"mailbox_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"` // default request/response wait
	DeliveryParallel  int64         `yaml:"delivery_parallel"`
}

// Conflict holds conflict detection and resolution configuration.
type Conflict struct {
	ResolutionTimeout time.Duration `yaml:"resolution_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"` // resource reservation granted to winners
}

// Security holds message signing configuration. The master secret is
// never read from YAML; it comes from the environment only.
type Security struct {
	MasterSecret string `yaml:"-"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Logging: Logging{
			Level:   "info",
			Service: "hivegrid-core",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 64,
			DedupeTTL: 10 * time.Minute,
		},
		Delegation: Delegation{
			MaxQueueSize:      1000,
			DefaultTimeout:    30 * time.Minute,
			MonitorInterval:   time.Second,
			AssignBatch:       10,
			OfflineAfter:      5 * time.Minute,
			MaxDecomposeDepth: 3,
		},
		Comm: Comm{
			MailboxSize:       10000,
			HeartbeatInterval: 30 * time.Second,
			RequestTimeout:    30 * time.Second,
			DeliveryParallel:  8,
		},
		Conflict: Conflict{
			ResolutionTimeout: 5 * time.Minute,
			SweepInterval:     10 * time.Second,
			LeaseDuration:     time.Hour,
		},
	}
}
