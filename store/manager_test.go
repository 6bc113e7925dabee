package store_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/store"
)

func newTestManager() *store.Manager {
	return store.NewManager(store.NewMemoryProvider(), nil)
}

func TestManager_Create_WritesPairedRecords(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{
		QueryID: "q1", BrandID: "b1", CollectorType: "chatgpt",
	})
	require.NoError(t, err)
	require.NotNil(t, exec)
	require.NotNil(t, result)

	assert.Equal(t, model.ExecutionPending, exec.Status)
	assert.Equal(t, model.ResultProcessing, result.Status)
	assert.Equal(t, exec.ID, result.ExecutionID)
}

func TestManager_Transition_DowngradesCompletedWithoutAnswer(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, _, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "chatgpt"})
	require.NoError(t, err)

	_, err = m.Transition(ctx, exec.ID, model.ExecutionRunning, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)

	got, err := m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, got.Status, "completed requires a non-empty raw_answer")
}

func TestManager_Transition_CompletesWhenAnswerPresent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "claude"})
	require.NoError(t, err)

	result.RawAnswer = "hello"
	result.Status = model.ResultCompleted
	require.NoError(t, m.UpsertResult(ctx, result))

	_, err = m.Transition(ctx, exec.ID, model.ExecutionRunning, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)

	got, err := m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
}

func TestManager_Transition_TerminalIsIdempotent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "claude"})
	require.NoError(t, err)
	result.RawAnswer = "hello"
	require.NoError(t, m.UpsertResult(ctx, result))

	_, err = m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)

	// A failure transition after terminal completion must be a no-op.
	got, err := m.Transition(ctx, exec.ID, model.ExecutionFailed, store.TransitionContext{Source: "poller"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
}

func TestManager_GetBySnapshot(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, _, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "chatgpt"})
	require.NoError(t, err)

	require.NoError(t, m.IndexSnapshot(ctx, "snap-1", exec.ID))

	gotExec, gotResult, err := m.GetBySnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.NotNil(t, gotExec)
	require.NotNil(t, gotResult)
	assert.Equal(t, exec.ID, gotExec.ID)
}

func TestManager_Reconcile_DowngradesCompletedMissingAnswer(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "chatgpt"})
	require.NoError(t, err)
	result.RawAnswer = "hello"
	require.NoError(t, m.UpsertResult(ctx, result))
	_, err = m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)

	// Simulate the raw_answer disappearing (shouldn't normally happen, but
	// the reconciler must still repair the invariant).
	result.RawAnswer = ""
	require.NoError(t, m.UpsertResult(ctx, result))

	require.NoError(t, m.Reconcile(ctx, exec.ID, false))

	got, err := m.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRunning, got.Status)
}

// sizeCappedProvider rejects writes above a configurable threshold with the
// same typed error the real providers produce for oversized values, letting
// the test trip the raw-payload rejection without a multi-megabyte fixture.
type sizeCappedProvider struct {
	*store.MemoryProvider
	maxBytes int
}

func (p *sizeCappedProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if len(value) > p.maxBytes {
		return aeoerr.New(aeoerr.ErrPayloadTooLarge,
			fmt.Sprintf("value for %s is %d bytes (max %d)", key, len(value), p.maxBytes), 0, nil)
	}
	return p.MemoryProvider.Set(ctx, key, value, ttl)
}

func TestManager_SetRawResponseJSON_TolerantOfSeparateFailure(t *testing.T) {
	m := store.NewManager(&sizeCappedProvider{MemoryProvider: store.NewMemoryProvider(), maxBytes: 2048}, nil)
	ctx := context.Background()

	exec, result, err := m.Create(ctx, store.ExecutionInit{QueryID: "q1", CollectorType: "claude"})
	require.NoError(t, err)
	result.RawAnswer = "hello"
	result.Citations = []string{"https://a"}
	result.Status = model.ResultCompleted
	require.NoError(t, m.UpsertResult(ctx, result))
	_, err = m.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
	require.NoError(t, err)

	// The raw payload pushes the serialized result over the cap; the write
	// must fail typed and must not disturb the fields committed above.
	oversized := []byte(`{"big":"` + strings.Repeat("x", 4096) + `"}`)
	err = m.SetRawResponseJSON(ctx, exec.ID, oversized)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrPayloadTooLarge))

	got, err := m.GetResult(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.RawAnswer)
	assert.Equal(t, []string{"https://a"}, got.Citations)
	assert.Equal(t, model.ResultCompleted, got.Status)
	assert.Empty(t, got.RawResponseJSON)

	gotExec, err := m.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, gotExec.Status)
}

func TestMemoryProvider_RejectsOversizedValue(t *testing.T) {
	p := store.NewMemoryProvider()
	ctx := context.Background()

	err := p.Set(ctx, "aeo:result:big", strings.Repeat("x", 16<<20+1), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, aeoerr.ErrPayloadTooLarge))

	v, err := p.Get(ctx, "aeo:result:big")
	require.NoError(t, err)
	assert.Equal(t, "", v, "a rejected write must not be stored")
}
