// Package health runs periodic liveness probes against registered
// providers. The results are informational: nothing in the request path
// consults them, they exist so operators can see a backend flapping before
// the failure budget does.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

// Probe checks one provider's liveness. A nil return means healthy.
type Probe func(ctx context.Context) error

// ProviderHealth is the last-known probe outcome for one provider.
type ProviderHealth struct {
	Healthy             bool
	LastChecked         time.Time
	LastError           string
	ConsecutiveFailures int
}

// Checker owns one probe goroutine per registered provider.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	logger   obslog.Logger

	mu     sync.RWMutex
	probes map[string]Probe
	status map[string]ProviderHealth

	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewChecker constructs a Checker probing every interval (default 60s).
func NewChecker(interval time.Duration, logger obslog.Logger) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Checker{
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger.WithComponent("health"),
		probes:   make(map[string]Probe),
		status:   make(map[string]ProviderHealth),
	}
}

// Register adds a named probe. Must be called before Start.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// Start launches the probe loops. Idempotent; a second call is a no-op.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	for name, probe := range c.probes {
		c.wg.Add(1)
		go c.run(ctx, name, probe)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Checker) run(ctx context.Context, name string, probe Probe) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.check(ctx, name, probe)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx, name, probe)
		}
	}
}

func (c *Checker) check(ctx context.Context, name string, probe Probe) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := probe(pctx)
	cancel()

	c.mu.Lock()
	prev := c.status[name]
	next := ProviderHealth{Healthy: err == nil, LastChecked: time.Now()}
	if err != nil {
		next.LastError = err.Error()
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	c.status[name] = next
	c.mu.Unlock()

	if err != nil {
		telemetry.Counter("health.probe_failed", "provider", name)
		c.logger.Warn("health probe failed", map[string]interface{}{
			"provider": name, "consecutive_failures": next.ConsecutiveFailures, "error": err.Error(),
		})
	} else if !prev.Healthy && !prev.LastChecked.IsZero() {
		c.logger.Info("provider recovered", map[string]interface{}{"provider": name})
	}
}

// Status returns a copy of the last-known health per provider.
func (c *Checker) Status() map[string]ProviderHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProviderHealth, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}
