package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_ProbesImmediatelyOnStart(t *testing.T) {
	c := NewChecker(time.Hour, nil)
	var probed atomic.Int32
	c.Register("up", func(context.Context) error {
		probed.Add(1)
		return nil
	})

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return probed.Load() >= 1 }, time.Second, 5*time.Millisecond)

	status := c.Status()
	require.Contains(t, status, "up")
	assert.True(t, status["up"].Healthy)
	assert.Zero(t, status["up"].ConsecutiveFailures)
}

func TestChecker_TracksConsecutiveFailures(t *testing.T) {
	c := NewChecker(10*time.Millisecond, nil)
	var probed atomic.Int32
	c.Register("down", func(context.Context) error {
		probed.Add(1)
		return errors.New("connection refused")
	})

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return probed.Load() >= 3 }, time.Second, 5*time.Millisecond)

	status := c.Status()["down"]
	assert.False(t, status.Healthy)
	assert.GreaterOrEqual(t, status.ConsecutiveFailures, 3)
	assert.Equal(t, "connection refused", status.LastError)
}

func TestChecker_RecoveryResetsFailureCount(t *testing.T) {
	c := NewChecker(10*time.Millisecond, nil)
	var healthy atomic.Bool
	var probed atomic.Int32
	c.Register("flappy", func(context.Context) error {
		probed.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("warming up")
	})

	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool { return probed.Load() >= 2 }, time.Second, 5*time.Millisecond)
	healthy.Store(true)
	require.Eventually(t, func() bool {
		return c.Status()["flappy"].Healthy
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, c.Status()["flappy"].ConsecutiveFailures)
}

func TestChecker_StopTerminatesProbes(t *testing.T) {
	c := NewChecker(5*time.Millisecond, nil)
	var probed atomic.Int32
	c.Register("p", func(context.Context) error {
		probed.Add(1)
		return nil
	})

	c.Start(context.Background())
	require.Eventually(t, func() bool { return probed.Load() >= 1 }, time.Second, time.Millisecond)
	c.Stop()

	settled := probed.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, probed.Load(), "no probes fire after Stop")
}
