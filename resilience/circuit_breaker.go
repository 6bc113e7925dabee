// Package resilience implements the retry and circuit-breaker layer that
// wraps the priority executor at the granularity of a request's collector
// set (see executor.Executor).
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a single breaker instance.
type CircuitBreakerConfig struct {
	Name         string
	Threshold    int           // failures before the circuit opens
	ResetTimeout time.Duration // time after last failure before a half-open probe is allowed
	Logger       obslog.Logger
}

// DefaultCircuitBreakerConfig matches the CIRCUIT_BREAKER_THRESHOLD=5 and
// CIRCUIT_BREAKER_RESET_TIMEOUT_MS=60000 configuration defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		Threshold:    5,
		ResetTimeout: 60 * time.Second,
	}
}

// CircuitBreaker is a simple closed/open/half-open breaker keyed externally
// by the caller (the Registry keys instances by the canonical collector-set
// string).
//
// Only one probe is admitted while half-open; a concurrent second caller
// observing half-open is rejected until the probe resolves.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	lastFailureAt time.Time
	halfOpenBusy  bool
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = obslog.NoOp()
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// CanExecute reports whether a call should be admitted right now, advancing
// open->half-open when the reset timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureAt) >= cb.config.ResetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenBusy = false
			cb.config.Logger.Info("circuit breaker half-open probe admitted", map[string]interface{}{
				"name": cb.config.Name,
			})
			return cb.tryClaimHalfOpenLocked()
		}
		return false
	case StateHalfOpen:
		return cb.tryClaimHalfOpenLocked()
	default:
		return false
	}
}

func (cb *CircuitBreaker) tryClaimHalfOpenLocked() bool {
	if cb.halfOpenBusy {
		return false
	}
	cb.halfOpenBusy = true
	return true
}

// RecordSuccess resets the breaker to closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.config.Logger.Info("circuit breaker closed after success", map[string]interface{}{
			"name": cb.config.Name,
		})
	}
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenBusy = false
}

// RecordFailure increments the failure count and opens the breaker once the
// threshold is reached (or immediately re-opens from half-open).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureAt = time.Now()
	cb.halfOpenBusy = false

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.config.Logger.Warn("circuit breaker re-opened after failed probe", map[string]interface{}{
			"name": cb.config.Name,
		})
		return
	}

	cb.failureCount++
	if cb.failureCount >= cb.config.Threshold {
		cb.state = StateOpen
		telemetry.Counter("circuitbreaker.opened", "key", cb.config.Name)
		cb.config.Logger.Warn("circuit breaker opened", map[string]interface{}{
			"name":          cb.config.Name,
			"failure_count": cb.failureCount,
			"threshold":     cb.config.Threshold,
		})
	}
}

// State returns the current state as a string ("closed", "open", "half-open").
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Reset forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenBusy = false
}

// Execute runs fn under circuit-breaker protection, translating a blocked
// call into aeoerr.ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		return fmt.Errorf("circuit %q is open: %w", cb.config.Name, aeoerr.ErrCircuitOpen)
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// ExecuteContext is Execute with an early context-cancellation check, used
// by the retry layer so a cancelled caller never contends for a half-open slot.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return cb.Execute(fn)
}

// Registry is a concurrency-safe map of named circuit breakers, one per
// canonical collector-set key. Each breaker has its own lock; the registry
// lock only guards map access.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   obslog.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger obslog.Logger) *Registry {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Registry{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// Get returns the breaker for key, creating it with default config on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	return r.GetWithConfig(key, DefaultCircuitBreakerConfig(key))
}

// GetWithConfig returns the breaker for key, creating it with the supplied
// config (Threshold/ResetTimeout) on first use only.
func (r *Registry) GetWithConfig(key string, cfg CircuitBreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		if cfg.Logger == nil {
			cfg.Logger = r.logger
		}
		cfg.Name = key
		cb = NewCircuitBreaker(cfg)
		r.breakers[key] = cb
	}
	return cb
}
