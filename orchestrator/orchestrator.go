// Package orchestrator fans a batch of requests out across their enabled
// collectors, wrapping each request's collector set in the retry and
// circuit-breaker layer and aggregating every collector's outcome for the
// caller.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/executor"
	"github.com/evidently-aeo/aeo-collector/external"
	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/resilience"
	"github.com/evidently-aeo/aeo-collector/store"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

// Orchestrator processes request batches. Within a batch, requests run
// concurrently; within a request, enabled collectors run concurrently and
// independently ("all-settled" semantics: one collector's failure never
// cancels its siblings).
type Orchestrator struct {
	exec       *executor.Executor
	manager    *store.Manager
	breakers   *resilience.Registry
	brands     external.BrandReader
	scorer     external.Scorer
	collectors map[string]model.CollectorConfig
	cfg        config.Config
	logger     obslog.Logger
	tracer     trace.Tracer
}

// New constructs an Orchestrator. brands and scorer may be nil; lookups
// degrade to empty fields and scoring hand-offs are skipped.
func New(exec *executor.Executor, manager *store.Manager, breakers *resilience.Registry,
	brands external.BrandReader, scorer external.Scorer,
	collectors map[string]model.CollectorConfig, cfg config.Config, logger obslog.Logger) *Orchestrator {
	if logger == nil {
		logger = obslog.NoOp()
	}
	if brands == nil {
		brands = external.NoopBrandReader{}
	}
	return &Orchestrator{
		exec:       exec,
		manager:    manager,
		breakers:   breakers,
		brands:     brands,
		scorer:     scorer,
		collectors: collectors,
		cfg:        cfg,
		logger:     logger.WithComponent("orchestrator"),
		tracer:     otel.Tracer("aeo-collector/orchestrator"),
	}
}

// Run executes all requests in batches of cfg.Batch.BatchSize, sleeping
// cfg.Batch.InterBatchDelayMS between batches, and returns every
// ExecutionResult. Cancellation aborts pending batches, and because each
// provider call's deadline is derived from ctx, it also aborts in-flight
// provider calls. Background snapshot polls are detached from ctx and keep
// running.
func (o *Orchestrator) Run(ctx context.Context, requests []model.Request) []model.ExecutionResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.Int("request.count", len(requests))))
	defer span.End()

	batchSize := o.cfg.Batch.BatchSize
	if batchSize <= 0 {
		batchSize = 3
	}

	var all []model.ExecutionResult
	for start := 0; start < len(requests); start += batchSize {
		if ctx.Err() != nil {
			o.logger.Warn("orchestrator cancelled; dropping pending batches", map[string]interface{}{
				"remaining": len(requests) - start,
			})
			break
		}

		end := start + batchSize
		if end > len(requests) {
			end = len(requests)
		}
		all = append(all, o.runBatch(ctx, requests[start:end])...)

		if end < len(requests) {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.InterBatchDelay()):
			}
		}
	}
	return all
}

func (o *Orchestrator) runBatch(ctx context.Context, batch []model.Request) []model.ExecutionResult {
	results := make([][]model.ExecutionResult, len(batch))
	var wg sync.WaitGroup
	for i, req := range batch {
		wg.Add(1)
		go func(i int, req model.Request) {
			defer wg.Done()
			results[i] = o.runRequest(ctx, req)
		}(i, req)
	}
	wg.Wait()

	var flat []model.ExecutionResult
	for _, rs := range results {
		flat = append(flat, rs...)
	}
	return flat
}

// runRequest executes one request's collector set under the retry and
// circuit-breaker wrapper. Retries re-run only the collectors that have not
// yet succeeded; results from earlier attempts are kept.
func (o *Orchestrator) runRequest(ctx context.Context, req model.Request) []model.ExecutionResult {
	enabled := o.enabledCollectors(req)
	if len(enabled) == 0 {
		o.logger.Warn("request has no enabled collectors", map[string]interface{}{"query_id": req.QueryID})
		return nil
	}

	key := CollectorSetKey(req.Collectors)
	cb := o.breakers.GetWithConfig(key, resilience.CircuitBreakerConfig{
		Threshold:    o.cfg.Resilience.CircuitBreakerThreshold,
		ResetTimeout: o.cfg.CircuitBreakerResetTimeout(),
		Logger:       o.logger,
	})
	retryCfg := resilience.RetryConfig{
		MaxAttempts: o.cfg.Resilience.MaxRetries,
		BaseDelay:   o.cfg.RetryBaseDelay(),
	}

	enrich := o.enrich(ctx, req)

	latest := make(map[string]model.ExecutionResult, len(enabled))
	err := resilience.RetryWithCircuitBreaker(ctx, retryCfg, cb, func(attempt int) error {
		pending := pendingCollectors(enabled, latest)
		if len(pending) == 0 {
			return nil
		}
		outcomes := o.fanOut(ctx, req, pending, enrich, attempt)
		for name, res := range outcomes {
			latest[name] = res
		}
		return firstFailure(outcomes)
	})

	if err != nil {
		telemetry.Counter("request.failed", "collector_set", key)
		o.logger.WarnWithContext(ctx, "request exhausted retries", map[string]interface{}{
			"query_id": req.QueryID, "collector_set": key, "error": err.Error(),
		})
		// A circuit-breaker rejection happens before any collector runs;
		// surface it as one failed result per collector so the caller sees
		// the full set settle.
		if aeoerr.IsCircuitOpen(err) && len(latest) == 0 {
			return circuitOpenResults(enabled, err)
		}
	}

	out := make([]model.ExecutionResult, 0, len(latest))
	for _, cfg := range enabled {
		res, ok := latest[cfg.Name]
		if !ok {
			continue
		}
		o.reconcile(ctx, res)
		o.maybeScore(ctx, req, res)
		out = append(out, res)
	}
	return out
}

// fanOut runs the given collectors concurrently for one request attempt.
func (o *Orchestrator) fanOut(ctx context.Context, req model.Request, collectors []model.CollectorConfig, enrich executor.Enrichment, attempt int) map[string]model.ExecutionResult {
	var mu sync.Mutex
	outcomes := make(map[string]model.ExecutionResult, len(collectors))

	var wg sync.WaitGroup
	for _, cfg := range collectors {
		wg.Add(1)
		go func(cfg model.CollectorConfig) {
			defer wg.Done()
			res, err := o.exec.Execute(ctx, req, cfg, enrich)
			if res == nil {
				res = &model.ExecutionResult{Err: err}
				res.Execution.CollectorType = cfg.Name
			}
			if err != nil && res.Err == nil {
				res.Err = err
			}
			mu.Lock()
			outcomes[cfg.Name] = *res
			mu.Unlock()
			if err != nil {
				o.logger.DebugWithContext(ctx, "collector settled with error", map[string]interface{}{
					"query_id": req.QueryID, "collector": cfg.Name, "attempt": attempt, "error": err.Error(),
				})
			}
		}(cfg)
	}
	wg.Wait()
	return outcomes
}

// enrich performs the brand/query metadata reads. Every failure degrades to
// empty fields; a broken metadata collaborator must never block collection.
func (o *Orchestrator) enrich(ctx context.Context, req model.Request) executor.Enrichment {
	var e executor.Enrichment
	if name, err := o.brands.GetBrandName(ctx, req.BrandID); err == nil {
		e.Brand = name
	}
	if comps, err := o.brands.GetCompetitors(ctx, req.BrandID); err == nil {
		e.Competitors = comps
	}
	if q, err := o.brands.GetQuery(ctx, req.QueryID); err == nil {
		e.Question = q.QueryText
		e.Topic = q.Topic
	}
	if e.Question == "" {
		e.Question = req.QueryText
	}
	return e
}

// reconcile runs the end-of-run sweep for one settled collector, repairing
// any disagreement between the in-memory outcome and the durable pair.
func (o *Orchestrator) reconcile(ctx context.Context, res model.ExecutionResult) {
	if res.Execution.ID == "" {
		return
	}
	if err := o.manager.Reconcile(ctx, res.Execution.ID, res.Err != nil); err != nil {
		o.logger.Warn("reconciliation sweep failed", map[string]interface{}{
			"execution_id": res.Execution.ID, "error": err.Error(),
		})
	}
}

// maybeScore fires the downstream scorer for a synchronously completed
// result. Async results are scored by the poller at finalization, so this
// skips them; the hand-off never blocks and never affects the request path.
func (o *Orchestrator) maybeScore(ctx context.Context, req model.Request, res model.ExecutionResult) {
	if o.scorer == nil || req.SuppressScoring || res.Async {
		return
	}
	if res.Err != nil || res.Result.RawAnswer == "" {
		return
	}
	o.scorer.ScoreBrandAsync(ctx, req.BrandID, req.CustomerID)
}

func (o *Orchestrator) enabledCollectors(req model.Request) []model.CollectorConfig {
	var out []model.CollectorConfig
	for _, name := range req.Collectors {
		cfg, ok := o.collectors[name]
		if !ok || !cfg.Enabled {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// CollectorSetKey canonicalizes a request's collector set into the circuit
// breaker key: sorted names joined with commas.
func CollectorSetKey(collectors []string) string {
	sorted := append([]string(nil), collectors...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func pendingCollectors(enabled []model.CollectorConfig, latest map[string]model.ExecutionResult) []model.CollectorConfig {
	var out []model.CollectorConfig
	for _, cfg := range enabled {
		if res, ok := latest[cfg.Name]; ok && res.Err == nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// firstFailure picks the error the retry layer acts on: a non-retryable
// failure wins (it must stop the loop immediately), otherwise the first
// retryable failure encountered.
func firstFailure(outcomes map[string]model.ExecutionResult) error {
	var retryable error
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := outcomes[name]
		if res.Err == nil {
			continue
		}
		if !aeoerr.IsRetryable(res.Err) {
			return res.Err
		}
		if retryable == nil {
			retryable = res.Err
		}
	}
	return retryable
}

func circuitOpenResults(enabled []model.CollectorConfig, err error) []model.ExecutionResult {
	out := make([]model.ExecutionResult, 0, len(enabled))
	for _, cfg := range enabled {
		res := model.ExecutionResult{Err: fmt.Errorf("collector %s: %w", cfg.Name, err)}
		res.Execution.CollectorType = cfg.Name
		res.Execution.Status = model.ExecutionFailed
		out = append(out, res)
	}
	return out
}
