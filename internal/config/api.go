package config

import (
	"fmt"
	"time"
)

// APIConfig is the parsed api_config.yaml. The file is optional; zero values
// are replaced by defaults in applyDefaults.
type APIConfig struct {
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ConnectionConfig bounds gateway calls.
type ConnectionConfig struct {
	Timeout           string `yaml:"timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// RetryConfig controls REST retry behavior.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
}

// CacheConfig holds the router cache TTLs.
type CacheConfig struct {
	DedupTTL       string `yaml:"dedup_ttl"`
	ProtectiveTTL  string `yaml:"protective_ttl"`
	CorrelationTTL string `yaml:"correlation_ttl"`
}

func (a *APIConfig) applyDefaults() {
	if a.Connection.Timeout == "" {
		a.Connection.Timeout = "5s"
	}
	if a.Connection.HeartbeatInterval == "" {
		a.Connection.HeartbeatInterval = "30s"
	}
	if a.Retry.MaxAttempts == 0 {
		a.Retry.MaxAttempts = 3
	}
	if a.Retry.Backoff == "" {
		a.Retry.Backoff = "500ms"
	}
	if a.Cache.DedupTTL == "" {
		a.Cache.DedupTTL = "5s"
	}
	if a.Cache.ProtectiveTTL == "" {
		a.Cache.ProtectiveTTL = "5s"
	}
	if a.Cache.CorrelationTTL == "" {
		a.Cache.CorrelationTTL = "5s"
	}
}

func (a *APIConfig) validate() error {
	for name, v := range map[string]string{
		"connection.timeout":            a.Connection.Timeout,
		"connection.heartbeat_interval": a.Connection.HeartbeatInterval,
		"retry.backoff":                 a.Retry.Backoff,
		"cache.dedup_ttl":               a.Cache.DedupTTL,
		"cache.protective_ttl":          a.Cache.ProtectiveTTL,
		"cache.correlation_ttl":         a.Cache.CorrelationTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("api_config %s: %w", name, err)
		}
	}
	if a.Retry.MaxAttempts < 1 {
		return fmt.Errorf("api_config retry.max_attempts must be >= 1")
	}
	return nil
}

// TimeoutDuration returns the parsed gateway call timeout.
func (a *APIConfig) TimeoutDuration() time.Duration { return mustDuration(a.Connection.Timeout, 5*time.Second) }

// HeartbeatDuration returns the parsed heartbeat interval.
func (a *APIConfig) HeartbeatDuration() time.Duration {
	return mustDuration(a.Connection.HeartbeatInterval, 30*time.Second)
}

// BackoffDuration returns the parsed retry backoff.
func (a *APIConfig) BackoffDuration() time.Duration { return mustDuration(a.Retry.Backoff, 500*time.Millisecond) }

// DedupTTLDuration returns the parsed dedup cache TTL.
func (a *APIConfig) DedupTTLDuration() time.Duration { return mustDuration(a.Cache.DedupTTL, 5*time.Second) }

// ProtectiveTTLDuration returns the parsed protective-order cache TTL.
func (a *APIConfig) ProtectiveTTLDuration() time.Duration {
	return mustDuration(a.Cache.ProtectiveTTL, 5*time.Second)
}

// CorrelationTTLDuration returns the parsed order-correlator TTL.
func (a *APIConfig) CorrelationTTLDuration() time.Duration {
	return mustDuration(a.Cache.CorrelationTTL, 5*time.Second)
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
