package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/store"
)

func newRedisProvider(t *testing.T) *store.RedisProvider {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisProviderFromClient(client, "aeo-test")
}

func TestRedisProvider_SetGetRoundTrip(t *testing.T) {
	p := newRedisProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k1", "v1", time.Hour))
	v, err := p.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	missing, err := p.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, "", missing)
}

func TestRedisProvider_ExistsAndDel(t *testing.T) {
	p := newRedisProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k1", "v1", 0))
	ok, err := p.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Del(ctx, "k1"))
	ok, err = p.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisProvider_ScanStripsNamespace(t *testing.T) {
	p := newRedisProvider(t)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "aeo:execution:1", "a", 0))
	require.NoError(t, p.Set(ctx, "aeo:execution:2", "b", 0))
	require.NoError(t, p.Set(ctx, "aeo:result:1", "c", 0))

	keys, err := p.Scan(ctx, "aeo:execution:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aeo:execution:1", "aeo:execution:2"}, keys)
}

func TestManager_OnRedis_PairedLifecycle(t *testing.T) {
	m := store.NewManager(newRedisProvider(t), nil)
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "chatgpt"})
	require.NoError(t, err)

	result.RawAnswer = "hello"
	require.NoError(t, m.UpsertResult(ctx, result))

	_, err = m.Transition(ctx, exec.ID, model.ExecutionRunning, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)
	got, err := m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
}
