// Package executor walks one collector's provider fallback chain for one
// request: enabled providers are tried in priority order under per-provider
// timeouts, and each provider's failure decides fallback vs stop.
package executor

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/provider"
	"github.com/evidently-aeo/aeo-collector/snapshot"
	"github.com/evidently-aeo/aeo-collector/store"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

// scraperPollTimeout replaces the per-provider timeout for scraper-poller
// providers, whose calls must cover the whole background polling window.
const scraperPollTimeout = 11 * time.Minute

// CredentialSource resolves per-provider credentials at call time, keeping
// the executor decoupled from any one configuration implementation.
type CredentialSource func(providerName string) config.ProviderCredentials

// timeoutHinter lets an adapter whose Call blocks for its own polling
// window (the batch SERP adapter) declare the deadline it needs.
type timeoutHinter interface {
	EffectiveTimeout() time.Duration
}

// Executor walks one collector's provider fallback chain for one request.
type Executor struct {
	manager   *store.Manager
	providers *provider.Registry
	poller    *snapshot.Poller
	logger    obslog.Logger
	tracer    trace.Tracer
	creds     CredentialSource
}

// New constructs an Executor.
func New(manager *store.Manager, providers *provider.Registry, poller *snapshot.Poller, creds CredentialSource, logger obslog.Logger) *Executor {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Executor{
		manager:   manager,
		providers: providers,
		poller:    poller,
		creds:     creds,
		logger:    logger.WithComponent("executor"),
		tracer:    otel.Tracer("aeo-collector/executor"),
	}
}

// Enrichment carries the brand/query metadata the orchestrator looked up
// for this request. Every field may be empty: metadata reads are allowed to
// fail without blocking execution.
type Enrichment struct {
	Brand       string
	Question    string
	Competitors []string
	Topic       string
}

// Execute walks the fallback chain for one (request, collector) pair.
func (e *Executor) Execute(ctx context.Context, req model.Request, cfg model.CollectorConfig, enrich Enrichment) (*model.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(attribute.String("collector.type", cfg.Name)))
	defer span.End()

	providers := enabledSortedProviders(cfg)
	if len(providers) == 0 {
		err := aeoerr.New(aeoerr.ErrConfigurationMissing, "no enabled providers for collector "+cfg.Name, 0, nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	question := enrich.Question
	if question == "" {
		question = req.QueryText
	}
	exec, _, err := e.manager.Create(ctx, store.ExecutionInit{
		QueryID: req.QueryID, BrandID: req.BrandID, CustomerID: req.CustomerID,
		CollectorType: cfg.Name,
		Brand:         enrich.Brand,
		Question:      question,
		Competitors:   enrich.Competitors,
		Topic:         enrich.Topic,
	})
	if err != nil {
		return nil, err
	}

	result := &model.ExecutionResult{Execution: *exec}

	for attemptIdx, p := range providers {
		if _, err := e.manager.Transition(ctx, exec.ID, model.ExecutionRunning, store.TransitionContext{Source: "executor"}, nil); err != nil {
			e.logger.Warn("failed to transition execution to running", map[string]interface{}{"execution_id": exec.ID, "error": err.Error()})
		}

		result.FallbackChain = append(result.FallbackChain, p.Name)
		telemetry.Counter("collector.attempt", "collector", cfg.Name, "provider", p.Name)

		adapter, adapterErr := e.providers.Get(p.Name, e.credentials(p.Name))
		if adapterErr != nil {
			adapterErr = aeoerr.New(aeoerr.ErrConfigurationMissing, "provider adapter unavailable: "+adapterErr.Error(), attemptIdx+1, adapterErr)
			if !e.recordFailureAndShouldStop(ctx, exec.ID, adapterErr, attemptIdx+1, p) {
				continue
			}
			return e.fail(ctx, exec, result, adapterErr)
		}

		timeout := providerTimeout(p)
		if _, isScraper := adapter.(snapshot.Fetcher); isScraper {
			timeout = scraperPollTimeout
		}
		if h, ok := adapter.(timeoutHinter); ok {
			timeout = h.EffectiveTimeout()
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, callErr := adapter.Call(callCtx, provider.Input{
			Prompt: req.QueryText, Brand: req.BrandID, Locale: req.Locale,
			Country: req.Country, CollectorType: cfg.Name,
		})
		cancel()

		if callErr != nil {
			if !e.recordFailureAndShouldStop(ctx, exec.ID, callErr, attemptIdx+1, p) {
				continue
			}
			return e.fail(ctx, exec, result, callErr)
		}

		if out.Async && out.SnapshotID != "" {
			// Persist the snapshot id before waiting any further, so a crash
			// mid-poll can still be reconciled from the durable record.
			if err := e.manager.IndexSnapshot(ctx, out.SnapshotID, exec.ID); err != nil {
				e.logger.Warn("failed to index snapshot id", map[string]interface{}{"execution_id": exec.ID, "error": err.Error()})
			}
			if _, err := e.manager.Transition(ctx, exec.ID, model.ExecutionRunning, store.TransitionContext{Source: "executor"}, map[string]interface{}{
				"brightdata_snapshot_id": out.SnapshotID,
			}); err != nil {
				e.logger.Warn("failed to persist snapshot id on execution", map[string]interface{}{"execution_id": exec.ID, "error": err.Error()})
			}

			result.Async = true
			result.SnapshotID = out.SnapshotID
			result.FallbackUsed = attemptIdx > 0
			span.SetAttributes(attribute.Bool("collector.async", true))

			if fetcher, ok := adapter.(snapshot.Fetcher); ok && e.poller != nil {
				// The background poller is process-owned: detached from the
				// request context's cancellation so a client timeout doesn't
				// abandon an in-flight scraper job.
				execID, snapID := exec.ID, out.SnapshotID
				go e.poller.RunBackground(context.Background(), execID, snapID, p.Name, fetcher, req.SuppressScoring)
			}
			return result, nil
		}

		if out.Answer == "" {
			emptyErr := aeoerr.New(aeoerr.ErrEmptyResponse, "backend returned no usable content", attemptIdx+1, nil)
			if !e.recordFailureAndShouldStop(ctx, exec.ID, emptyErr, attemptIdx+1, p) {
				continue
			}
			return e.fail(ctx, exec, result, emptyErr)
		}

		res, err := e.manager.GetResult(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &model.CollectorResult{
				ID: exec.ID, QueryID: req.QueryID, ExecutionID: exec.ID, CollectorType: cfg.Name,
				Brand: enrich.Brand, Question: question, Competitors: enrich.Competitors, Topic: enrich.Topic,
			}
		}
		rawPayload, _ := out.Metadata["raw_response_json"].([]byte)
		res.RawAnswer = out.Answer
		res.Citations = out.Citations
		res.URLs = out.URLs
		res.Status = model.ResultCompleted
		res.CollectionTimeMS = time.Since(exec.CreatedAt).Milliseconds()
		res.Metadata = mergeResultMetadata(res.Metadata, out.Metadata, out.ModelUsed)
		if err := e.manager.UpsertResult(ctx, res); err != nil {
			return nil, err
		}

		finalExec, err := e.manager.Transition(ctx, exec.ID, model.ExecutionCompleted, store.TransitionContext{Source: "executor"}, nil)
		if err != nil {
			return nil, err
		}

		// Second, tolerant write: a payload-too-large rejection here must not
		// disturb the essential fields already committed.
		if len(rawPayload) > 0 {
			if err := e.manager.SetRawResponseJSON(ctx, exec.ID, rawPayload); err != nil {
				e.logger.Warn("raw_response_json write failed; essential fields preserved", map[string]interface{}{
					"execution_id": exec.ID, "error": err.Error(),
				})
			}
		}

		result.Execution = *finalExec
		result.Result = *res
		result.FallbackUsed = attemptIdx > 0
		if result.FallbackUsed {
			telemetry.Counter("collector.fallback", "collector", cfg.Name, "provider", p.Name)
		}
		span.SetAttributes(attribute.Bool("collector.fallback_used", result.FallbackUsed))
		return result, nil
	}

	err = aeoerr.New(aeoerr.ErrUnknown, "all providers exhausted for collector "+cfg.Name, len(providers), nil)
	return e.fail(ctx, exec, result, err)
}

// recordFailureAndShouldStop appends a retry_history entry and decides
// whether the fallback chain continues: it stops when the failing
// provider's fallback_on_failure is false.
func (e *Executor) recordFailureAndShouldStop(ctx context.Context, executionID string, err error, attemptNum int, p model.ProviderSpec) bool {
	e.logger.WarnWithContext(ctx, "provider attempt failed", map[string]interface{}{
		"execution_id": executionID, "provider": p.Name, "attempt": attemptNum, "error": err.Error(),
	})
	_, tErr := e.manager.Transition(ctx, executionID, model.ExecutionRunning, store.TransitionContext{
		Source: "executor", Reason: "provider " + p.Name + " failed",
	}, map[string]interface{}{
		"error_message": err.Error(),
		"append_attempt": model.Attempt{
			AttemptNumber: attemptNum, Timestamp: time.Now(), ErrorType: errorKind(err), Retryable: aeoerr.IsRetryable(err),
		},
	})
	if tErr != nil {
		e.logger.Warn("failed to append attempt to retry history", map[string]interface{}{"execution_id": executionID, "error": tErr.Error()})
	}
	return !p.FallbackOnFailure
}

func (e *Executor) fail(ctx context.Context, exec *model.Execution, result *model.ExecutionResult, err error) (*model.ExecutionResult, error) {
	finalExec, tErr := e.manager.Transition(ctx, exec.ID, model.ExecutionFailed, store.TransitionContext{Source: "executor", Reason: err.Error()}, map[string]interface{}{
		"error_message": err.Error(),
	})
	if tErr == nil {
		result.Execution = *finalExec
	}
	// Retryable failures leave the result in failed_retry so a retry of the
	// whole collector set can still supersede it; everything else is final.
	resultStatus := model.ResultFailed
	if aeoerr.IsRetryable(err) {
		resultStatus = model.ResultFailedRetry
	}
	_, _ = e.manager.TransitionResult(ctx, exec.ID, resultStatus, store.TransitionContext{Source: "executor", Reason: err.Error()})
	result.Err = err
	return result, err
}

func (e *Executor) credentials(name string) config.ProviderCredentials {
	if e.creds == nil {
		return config.ProviderCredentials{}
	}
	return e.creds(name)
}

// enabledSortedProviders sorts by Priority ascending; ties keep their
// original (insertion) order via sort.SliceStable.
func enabledSortedProviders(cfg model.CollectorConfig) []model.ProviderSpec {
	var out []model.ProviderSpec
	for _, p := range cfg.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func providerTimeout(p model.ProviderSpec) time.Duration {
	if p.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// errorKind renders a short taxonomy label for retry_history.error_type.
func errorKind(err error) string {
	return aeoerr.Kind(err).Error()
}

// mergeResultMetadata folds adapter metadata into the stored result's
// metadata, dropping the large raw payload (it lives in its own column,
// written separately) and recording the model that answered.
func mergeResultMetadata(existing, incoming map[string]interface{}, modelUsed string) map[string]interface{} {
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range incoming {
		if k == "raw_response_json" {
			continue
		}
		existing[k] = v
	}
	if modelUsed != "" {
		existing["model_used"] = modelUsed
	}
	return existing
}
