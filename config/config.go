// Package config holds the environment-driven runtime options and the
// YAML-backed static collector/provider chain definitions.
//
// Options are loaded with explicit os.Getenv/strconv calls, not reflection.
package config

import (
	"os"
	"strconv"
	"time"
)

// ResilienceConfig holds the retry + circuit-breaker settings.
type ResilienceConfig struct {
	MaxRetries              int
	RetryBaseDelayMS        int
	CircuitBreakerThreshold int
	CircuitBreakerResetMS   int
}

// BatchConfig holds the orchestrator's batching settings.
type BatchConfig struct {
	BatchSize         int
	InterBatchDelayMS int
}

// LoggingConfig holds the VERBOSE_LOGS switch.
type LoggingConfig struct {
	VerboseLogs bool
}

// ProviderCredentials holds one provider's secrets and dataset ids. There
// are no defaults; an absent credential surfaces as ErrConfigurationMissing
// at adapter construction.
type ProviderCredentials struct {
	APIKey    string
	BaseURL   string
	DatasetID string
	Extra     map[string]string
}

// Config is the full environment-provided configuration surface.
type Config struct {
	Resilience ResilienceConfig
	Batch      BatchConfig
	Logging    LoggingConfig
	Providers  map[string]ProviderCredentials
}

// Default returns the built-in defaults, unmodified by environment.
func Default() Config {
	return Config{
		Resilience: ResilienceConfig{
			MaxRetries:              3,
			RetryBaseDelayMS:        1000,
			CircuitBreakerThreshold: 5,
			CircuitBreakerResetMS:   60000,
		},
		Batch: BatchConfig{
			BatchSize:         3,
			InterBatchDelayMS: 1000,
		},
		Logging:   LoggingConfig{VerboseLogs: false},
		Providers: map[string]ProviderCredentials{},
	}
}

// LoadFromEnv overlays the recognized environment variables on top of
// Default(). Unset variables leave the existing value untouched.
func LoadFromEnv() Config {
	c := Default()

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.RetryBaseDelayMS = n
		}
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.CircuitBreakerThreshold = n
		}
	}
	if v := os.Getenv("CIRCUIT_BREAKER_RESET_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.CircuitBreakerResetMS = n
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.BatchSize = n
		}
	}
	if v := os.Getenv("INTER_BATCH_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.InterBatchDelayMS = n
		}
	}
	if v := os.Getenv("VERBOSE_LOGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.VerboseLogs = b
		}
	}

	return c
}

// RetryBaseDelay returns Resilience.RetryBaseDelayMS as a time.Duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Resilience.RetryBaseDelayMS) * time.Millisecond
}

// CircuitBreakerResetTimeout returns Resilience.CircuitBreakerResetMS as a
// time.Duration.
func (c Config) CircuitBreakerResetTimeout() time.Duration {
	return time.Duration(c.Resilience.CircuitBreakerResetMS) * time.Millisecond
}

// InterBatchDelay returns Batch.InterBatchDelayMS as a time.Duration.
func (c Config) InterBatchDelay() time.Duration {
	return time.Duration(c.Batch.InterBatchDelayMS) * time.Millisecond
}

// ProviderCredential looks up credentials registered for a named provider.
func (c Config) ProviderCredential(name string) ProviderCredentials {
	if cred, ok := c.Providers[name]; ok {
		return cred
	}
	return ProviderCredentials{}
}
