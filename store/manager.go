package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// Key layout. execution_id is the single conflict key for the (Execution,
// CollectorResult) pair; the snapshot index lets the poller locate a pair
// by brightdata_snapshot_id without a full scan.
const (
	executionKeyPrefix  = "aeo:execution:"
	resultKeyPrefix     = "aeo:result:"
	snapshotIndexPrefix = "aeo:snapshot-index:"
	defaultRecordTTL    = 30 * 24 * time.Hour
)

// ExecutionInit is the input to Manager.Create.
type ExecutionInit struct {
	QueryID       string
	BrandID       string
	CustomerID    string
	CollectorType string
	Brand         string
	Question      string
	Competitors   []string
	Topic         string
}

// Manager creates and transitions the paired Execution/CollectorResult
// records, serializing status changes and keeping the pair consistent.
type Manager struct {
	provider StorageProvider
	logger   obslog.Logger
}

// NewManager constructs a Manager backed by provider.
func NewManager(provider StorageProvider, logger obslog.Logger) *Manager {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Manager{provider: provider, logger: logger.WithComponent("store")}
}

func executionKey(id string) string             { return executionKeyPrefix + id }
func resultKey(executionID string) string       { return resultKeyPrefix + executionID }
func snapshotIndexKey(snapshotID string) string { return snapshotIndexPrefix + snapshotID }

// Create inserts an Execution (status pending) and its paired
// CollectorResult (status processing) under the same server-issued id. The
// two writes are atomic in spirit only: if the second fails, the Execution
// is left recoverable and a later reconciliation sweep repairs the pair.
func (m *Manager) Create(ctx context.Context, init ExecutionInit) (*model.Execution, *model.CollectorResult, error) {
	id := uuid.NewString()
	now := time.Now()

	exec := &model.Execution{
		ID:            id,
		QueryID:       init.QueryID,
		BrandID:       init.BrandID,
		CustomerID:    init.CustomerID,
		CollectorType: init.CollectorType,
		Status:        model.ExecutionPending,
		Metadata:      map[string]interface{}{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.putExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("store: create execution: %w", err)
	}

	result := &model.CollectorResult{
		ID:            uuid.NewString(),
		QueryID:       init.QueryID,
		ExecutionID:   id,
		CollectorType: init.CollectorType,
		Brand:         init.Brand,
		Question:      init.Question,
		Competitors:   init.Competitors,
		Topic:         init.Topic,
		Status:        model.ResultProcessing,
		Metadata:      map[string]interface{}{},
	}
	if err := m.putResult(ctx, result); err != nil {
		// The Execution row still exists; a later reconciliation sweep can
		// repair the missing CollectorResult.
		m.logger.Warn("failed to create paired collector result; execution recoverable by reconciliation", map[string]interface{}{
			"execution_id": id,
			"error":        err.Error(),
		})
		return exec, nil, err
	}

	return exec, result, nil
}

// GetExecution loads an Execution by id.
func (m *Manager) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	raw, err := m.provider.Get(ctx, executionKey(id))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var exec model.Execution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetResult loads a CollectorResult keyed by executionID.
func (m *Manager) GetResult(ctx context.Context, executionID string) (*model.CollectorResult, error) {
	raw, err := m.provider.Get(ctx, resultKey(executionID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var res model.CollectorResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBySnapshot locates the Execution/CollectorResult pair owning a
// brightdata_snapshot_id via the secondary index. The result may be nil
// while the execution exists; the poller upserts it at finalization.
func (m *Manager) GetBySnapshot(ctx context.Context, snapshotID string) (*model.Execution, *model.CollectorResult, error) {
	executionID, err := m.provider.Get(ctx, snapshotIndexKey(snapshotID))
	if err != nil {
		return nil, nil, err
	}
	if executionID == "" {
		return nil, nil, nil
	}
	exec, err := m.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	res, err := m.GetResult(ctx, executionID)
	if err != nil {
		return exec, nil, err
	}
	return exec, res, nil
}

// IndexSnapshot records the execution_id owning snapshotID so a future
// GetBySnapshot (quick-poll and background-poll finalization racing each
// other, or a post-crash reconciler) can find it. The executor calls it when
// the adapter's Call returns an async snapshot id, before background polling
// starts; the adapter's own inline quick poll has already run by then, so a
// crash during that quick poll leaves no index entry.
func (m *Manager) IndexSnapshot(ctx context.Context, snapshotID, executionID string) error {
	return m.provider.Set(ctx, snapshotIndexKey(snapshotID), executionID, defaultRecordTTL)
}

// TransitionContext carries the provenance of a status change for the
// appended transition record.
type TransitionContext struct {
	Source string // e.g. "executor", "poller", "reconciler"
	Reason string
}

// Transition moves an Execution to a new status: it validates the target,
// requires a non-empty raw_answer before entering completed (downgrading to
// running otherwise), appends a transition record, and is idempotent
// against re-entering a terminal status.
func (m *Manager) Transition(ctx context.Context, executionID string, to model.ExecutionStatus, tctx TransitionContext, patch map[string]interface{}) (*model.Execution, error) {
	exec, err := m.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("store: transition: execution %q not found", executionID)
	}

	switch to {
	case model.ExecutionPending, model.ExecutionRunning, model.ExecutionCompleted, model.ExecutionFailed:
	default:
		return nil, fmt.Errorf("store: transition: invalid target status %q", to)
	}

	// A terminal status is never re-entered.
	if exec.Status.IsTerminal() {
		m.logger.Debug("skipping transition into already-terminal execution", map[string]interface{}{
			"execution_id": executionID,
			"status":       exec.Status,
			"requested":    to,
		})
		return exec, nil
	}

	target := to
	if to == model.ExecutionCompleted {
		result, err := m.GetResult(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if result == nil || result.RawAnswer == "" {
			m.logger.Warn("downgrading completed transition to running: raw_answer is empty", map[string]interface{}{
				"execution_id": executionID,
			})
			target = model.ExecutionRunning
		}
	}

	from := exec.Status
	exec.Status = target
	exec.UpdatedAt = time.Now()
	applyPatch(exec, patch)

	transition := model.StatusTransition{
		From:   string(from),
		To:     string(target),
		At:     exec.UpdatedAt,
		Source: tctx.Source,
		Reason: tctx.Reason,
	}
	appendTransition(exec.Metadata, transition)

	if err := m.putExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// UpsertResult writes (insert-or-update) the CollectorResult keyed by
// execution_id, so concurrent finalizers can never produce two results for
// one Execution.
func (m *Manager) UpsertResult(ctx context.Context, result *model.CollectorResult) error {
	return m.putResult(ctx, result)
}

// TransitionResult moves a CollectorResult to a new status, recording a
// transition the same way Transition does for Executions.
func (m *Manager) TransitionResult(ctx context.Context, executionID string, to model.CollectorResultStatus, tctx TransitionContext) (*model.CollectorResult, error) {
	result, err := m.GetResult(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("store: transition result: no result for execution %q", executionID)
	}
	if result.Status == model.ResultCompleted || result.Status == model.ResultFailed {
		return result, nil // terminal; idempotent no-op
	}
	from := result.Status
	result.Status = to
	appendTransition(result.Metadata, model.StatusTransition{
		From: string(from), To: string(to), At: time.Now(), Source: tctx.Source, Reason: tctx.Reason,
	})
	if err := m.putResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SetRawResponseJSON persists the large raw payload in a second, tolerant
// update: a failure here (e.g. a payload-too-large rejection) must never
// invalidate the essential fields already written by
// UpsertResult/TransitionResult.
func (m *Manager) SetRawResponseJSON(ctx context.Context, executionID string, raw []byte) error {
	result, err := m.GetResult(ctx, executionID)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("store: set raw response: no result for execution %q", executionID)
	}
	result.RawResponseJSON = raw
	return m.putResult(ctx, result)
}

// Reconcile is the end-of-run sweep: it repairs any Execution whose
// in-memory outcome disagrees with the durable CollectorResult state, so a
// completed Execution always has a non-empty raw_answer behind it.
func (m *Manager) Reconcile(ctx context.Context, executionID string, executionFailed bool) error {
	exec, err := m.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		return err
	}
	result, err := m.GetResult(ctx, executionID)
	if err != nil {
		return err
	}

	hasAnswer := result != nil && result.RawAnswer != ""

	switch {
	case exec.Status == model.ExecutionRunning && hasAnswer:
		_, err = m.Transition(ctx, executionID, model.ExecutionCompleted, TransitionContext{Source: "reconciler", Reason: "raw_answer present"}, nil)
	case exec.Status == model.ExecutionRunning && executionFailed:
		_, err = m.Transition(ctx, executionID, model.ExecutionFailed, TransitionContext{Source: "reconciler", Reason: "execution result failed"}, nil)
	case exec.Status == model.ExecutionCompleted && !hasAnswer:
		m.logger.Warn("reconciler downgrading completed execution with missing raw_answer", map[string]interface{}{
			"execution_id": executionID,
		})
		exec.Status = model.ExecutionRunning
		appendTransition(exec.Metadata, model.StatusTransition{
			From: string(model.ExecutionCompleted), To: string(model.ExecutionRunning),
			At: time.Now(), Source: "reconciler", Reason: "raw_answer missing",
		})
		err = m.putExecution(ctx, exec)
	}
	return err
}

func (m *Manager) putExecution(ctx context.Context, exec *model.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return m.provider.Set(ctx, executionKey(exec.ID), string(data), defaultRecordTTL)
}

func (m *Manager) putResult(ctx context.Context, result *model.CollectorResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return m.provider.Set(ctx, resultKey(result.ExecutionID), string(data), defaultRecordTTL)
}

func applyPatch(exec *model.Execution, patch map[string]interface{}) {
	if patch == nil {
		return
	}
	if v, ok := patch["brightdata_snapshot_id"].(string); ok {
		exec.BrightdataSnapshotID = v
	}
	if v, ok := patch["error_message"].(string); ok {
		exec.ErrorMessage = v
	}
	if v, ok := patch["error_metadata"].(map[string]interface{}); ok {
		exec.ErrorMetadata = v
	}
	if v, ok := patch["retry_count"].(int); ok {
		exec.RetryCount = v
	}
	if v, ok := patch["append_attempt"].(model.Attempt); ok {
		exec.RetryHistory = append(exec.RetryHistory, v)
	}
}

// appendTransition tolerates both the in-memory shape
// ([]model.StatusTransition) and the shape records come back in after a
// JSON round trip through the store ([]interface{}).
func appendTransition(metadata map[string]interface{}, t model.StatusTransition) {
	if metadata == nil {
		return
	}
	var history []interface{}
	switch v := metadata["status_transitions"].(type) {
	case []interface{}:
		history = v
	case []model.StatusTransition:
		history = make([]interface{}, 0, len(v))
		for _, existing := range v {
			history = append(history, existing)
		}
	}
	metadata["status_transitions"] = append(history, t)
	metadata["last_status_transition"] = t
}
