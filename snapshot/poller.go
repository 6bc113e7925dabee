// Package snapshot implements the quick-poll / background-poll / finalize
// lifecycle for asynchronous scraper backends: a provider adapter submits a
// job and gets back a snapshot id; the poller is responsible for retrieving
// the eventual result and committing it through the durable state manager.
package snapshot

import (
	"context"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/provider"
	"github.com/evidently-aeo/aeo-collector/resilience"
	"github.com/evidently-aeo/aeo-collector/store"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

// Fetcher is implemented by adapters whose submit step returns a snapshot id
// that must later be retrieved by polling a per-snapshot endpoint. Distinct
// from the single quick poll an adapter runs inside its own Call:
// Fetcher.Poll is called repeatedly, by the background poller, for the
// lifetime of the snapshot.
type Fetcher interface {
	Poll(ctx context.Context, snapshotID string) (out provider.Output, ready bool, err error)
}

// Scorer is the fire-and-forget scoring hand-off, invoked after
// finalization when raw_answer is non-empty and the request didn't suppress
// scoring.
type Scorer interface {
	ScoreBrandAsync(ctx context.Context, brandID, customerID string)
}

const (
	// QuickPollTimeout bounds the single post-submit poll attempt.
	QuickPollTimeout = 5 * time.Second

	backgroundPollInterval = 10 * time.Second
	backgroundMaxAttempts  = 60 // 10 minutes wall-clock at a 10s cadence
)

// Poller runs the quick-poll/background-poll/finalize protocol. One Poller
// instance is shared process-wide; it carries no per-snapshot state beyond
// what's passed into each call.
type Poller struct {
	manager *store.Manager
	scorer  Scorer
	cb      *resilience.CircuitBreaker
	logger  obslog.Logger
}

// New constructs a Poller. cb is the poller's own circuit breaker, separate
// from the per-collector-set breakers the orchestrator keeps; its half-open
// state admits a single probing poll.
func New(manager *store.Manager, scorer Scorer, cb *resilience.CircuitBreaker, logger obslog.Logger) *Poller {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Poller{manager: manager, scorer: scorer, cb: cb, logger: logger.WithComponent("poller")}
}

// QuickPoll performs one bounded-duration poll, typically right after an
// async job was submitted, inline with the executor's call.
func (p *Poller) QuickPoll(ctx context.Context, fetcher Fetcher, snapshotID string) (provider.Output, bool) {
	qctx, cancel := context.WithTimeout(ctx, QuickPollTimeout)
	defer cancel()

	out, ready, err := fetcher.Poll(qctx, snapshotID)
	if err != nil || !ready {
		return provider.Output{}, false
	}
	if out.Answer == "" {
		// A "ready" body with an empty normalized answer means the scraper
		// hasn't produced content yet; keep polling in background.
		return provider.Output{}, false
	}
	return out, true
}

// RunBackground starts the long-poll loop for a snapshot already recorded
// against executionID, finalizing durable state when the result arrives or
// transitioning to failed on timeout. It's meant to be launched in its own
// goroutine by the priority executor right after an async-submit result.
func (p *Poller) RunBackground(ctx context.Context, executionID, snapshotID, providerName string, fetcher Fetcher, suppressScoring bool) {
	ticker := time.NewTicker(backgroundPollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= backgroundMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.logger.Warn("background poll cancelled", map[string]interface{}{"execution_id": executionID, "snapshot_id": snapshotID})
			return
		case <-ticker.C:
		}

		out, ready, err := p.pollOnce(ctx, fetcher, snapshotID)
		if err != nil {
			p.logger.Debug("background poll attempt errored; continuing", map[string]interface{}{
				"execution_id": executionID, "snapshot_id": snapshotID, "attempt": attempt, "error": err.Error(),
			})
			continue
		}
		if !ready {
			continue
		}
		if out.Answer == "" {
			// Ready body but no normalized content yet: committing it would
			// complete the result with an empty raw_answer. Same rule as the
			// quick poll — keep the cadence until content arrives.
			p.logger.Debug("snapshot ready with empty answer; continuing to poll", map[string]interface{}{
				"execution_id": executionID, "snapshot_id": snapshotID, "attempt": attempt,
			})
			continue
		}

		if err := p.Finalize(ctx, executionID, snapshotID, out, suppressScoring); err != nil {
			p.logger.Error("finalization failed", map[string]interface{}{
				"execution_id": executionID, "snapshot_id": snapshotID, "error": err.Error(),
			})
		}
		return
	}

	telemetry.Counter("snapshot.timeout")
	p.logger.Warn("background poll exhausted; transitioning to failed", map[string]interface{}{
		"execution_id": executionID, "snapshot_id": snapshotID, "attempts": backgroundMaxAttempts,
	})
	_, _ = p.manager.Transition(ctx, executionID, model.ExecutionFailed, store.TransitionContext{
		Source: "poller", Reason: "timeout",
	}, map[string]interface{}{"error_message": "snapshot poll timed out"})
	_, _ = p.manager.TransitionResult(ctx, executionID, model.ResultFailed, store.TransitionContext{
		Source: "poller", Reason: "timeout",
	})
}

func (p *Poller) pollOnce(ctx context.Context, fetcher Fetcher, snapshotID string) (provider.Output, bool, error) {
	if p.cb != nil && !p.cb.CanExecute() {
		return provider.Output{}, false, aeoerr.New(aeoerr.ErrCircuitOpen, "poller circuit open", 0, nil)
	}
	out, ready, err := fetcher.Poll(ctx, snapshotID)
	if p.cb != nil {
		if err != nil {
			p.cb.RecordFailure()
		} else {
			p.cb.RecordSuccess()
		}
	}
	return out, ready, err
}

// Finalize commits a resolved snapshot, idempotently: locate the
// CollectorResult (by snapshot id, falling back to the owning Execution),
// write the normalized fields, transition to completed, persist the raw
// payload tolerantly, and hand off to the scorer.
func (p *Poller) Finalize(ctx context.Context, executionID, snapshotID string, out provider.Output, suppressScoring bool) error {
	if out.Answer == "" {
		// A completed result must carry a non-empty raw_answer; callers
		// treat an empty one as not-ready and keep polling.
		return aeoerr.New(aeoerr.ErrEmptyResponse, "finalize: snapshot resolved with no usable content", 0, nil)
	}
	exec, result, err := p.manager.GetBySnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if exec == nil {
		exec, err = p.manager.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
	}
	if result == nil {
		result, err = p.manager.GetResult(ctx, executionID)
		if err != nil {
			return err
		}
	}
	if result == nil {
		return aeoerr.New(aeoerr.ErrUnknown, "finalize: no collector result to upsert for execution "+executionID, 0, nil)
	}
	if result.Status == model.ResultCompleted {
		// A concurrent finalizer (quick poll racing background poll) already
		// committed this snapshot; scoring must not fire twice.
		return nil
	}

	collectionStart := exec.CreatedAt
	if t := firstTransitionTime(exec); !t.IsZero() {
		collectionStart = t
	}

	result.RawAnswer = out.Answer
	result.Citations = out.Citations
	result.URLs = out.URLs
	result.Status = model.ResultCompleted
	result.CollectionTimeMS = time.Since(collectionStart).Milliseconds()
	result.Metadata = mergeMetadata(result.Metadata, out.Metadata)

	if err := p.manager.UpsertResult(ctx, result); err != nil {
		return err
	}
	if _, err := p.manager.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{
		Source: "poller", Reason: "snapshot finalized",
	}, nil); err != nil {
		return err
	}

	// Second, tolerant update: a raw_response_json rejection must never
	// disturb the essential fields already committed above.
	if raw, ok := out.Metadata["raw_response_json"].([]byte); ok && len(raw) > 0 {
		if err := p.manager.SetRawResponseJSON(ctx, exec.ID, raw); err != nil {
			p.logger.Warn("raw_response_json write failed; essential fields preserved", map[string]interface{}{
				"execution_id": exec.ID, "error": err.Error(),
			})
		}
	}

	telemetry.Counter("snapshot.finalized", "collector", exec.CollectorType)
	telemetry.Histogram("snapshot.collection_time_ms", float64(result.CollectionTimeMS), "collector", exec.CollectorType)

	if result.RawAnswer != "" && !suppressScoring && p.scorer != nil {
		p.scorer.ScoreBrandAsync(ctx, exec.BrandID, exec.CustomerID)
	}

	return nil
}

// firstTransitionTime reads the earliest recorded transition timestamp,
// tolerating both the in-memory transition type and the generic shape a
// JSON round trip through the store produces.
func firstTransitionTime(exec *model.Execution) time.Time {
	switch history := exec.Metadata["status_transitions"].(type) {
	case []model.StatusTransition:
		if len(history) > 0 {
			return history[0].At
		}
	case []interface{}:
		if len(history) == 0 {
			return time.Time{}
		}
		if first, ok := history[0].(map[string]interface{}); ok {
			if raw, ok := first["At"].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					return t
				}
			}
		}
	}
	return time.Time{}
}

// mergeMetadata folds adapter metadata into the stored metadata blob. The
// large raw payload never rides along: it has its own column and its own
// tolerant write.
func mergeMetadata(existing, incoming map[string]interface{}) map[string]interface{} {
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range incoming {
		if k == "raw_response_json" {
			continue
		}
		existing[k] = v
	}
	return existing
}
