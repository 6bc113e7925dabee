// Command aeocollect runs a batch of collection requests from a JSON file
// through the orchestrator and prints each collector's outcome. It is a
// thin consumer of the library packages; services embedding the collector
// wire the same pieces themselves.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/executor"
	"github.com/evidently-aeo/aeo-collector/external"
	"github.com/evidently-aeo/aeo-collector/health"
	"github.com/evidently-aeo/aeo-collector/model"
	"github.com/evidently-aeo/aeo-collector/obslog"
	"github.com/evidently-aeo/aeo-collector/orchestrator"
	"github.com/evidently-aeo/aeo-collector/provider"
	"github.com/evidently-aeo/aeo-collector/resilience"
	"github.com/evidently-aeo/aeo-collector/snapshot"
	"github.com/evidently-aeo/aeo-collector/store"
	"github.com/evidently-aeo/aeo-collector/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aeocollect:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		manifestPath = flag.String("collectors", "config/collectors.example.yaml", "path to the collector manifest")
		requestsPath = flag.String("requests", "", "path to a JSON file holding an array of requests")
		redisURL     = flag.String("redis", os.Getenv("REDIS_URL"), "redis URL for durable state (in-memory store when empty)")
		healthProbes = flag.Bool("health", false, "run periodic provider liveness probes while collecting")
	)
	flag.Parse()

	if *requestsPath == "" {
		return fmt.Errorf("-requests is required")
	}

	logger := obslog.New("aeo-collector")
	cfg := config.LoadFromEnv()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.Init("aeo-collector", strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://"))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	collectors, err := config.LoadCollectors(*manifestPath)
	if err != nil {
		return err
	}
	requests, err := loadRequests(*requestsPath)
	if err != nil {
		return err
	}

	var storage store.StorageProvider
	if *redisURL != "" {
		rp, err := store.NewRedisProvider(*redisURL, "aeo")
		if err != nil {
			return err
		}
		storage = rp
	} else {
		storage = store.NewMemoryProvider()
	}

	manager := store.NewManager(storage, logger)
	breakers := resilience.NewRegistry(logger)
	registry := provider.NewRegistry(logger)
	provider.RegisterDefaults(registry)

	pollerCB := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "snapshot-poller",
		Threshold:    cfg.Resilience.CircuitBreakerThreshold,
		ResetTimeout: cfg.CircuitBreakerResetTimeout(),
		Logger:       logger,
	})
	poller := snapshot.New(manager, external.NoopScorer{}, pollerCB, logger)

	exec := executor.New(manager, registry, poller, providerCredentials(cfg), logger)
	orch := orchestrator.New(exec, manager, breakers, external.NoopBrandReader{}, external.NoopScorer{}, collectors, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *healthProbes {
		checker := health.NewChecker(time.Minute, logger)
		for _, name := range registry.Names() {
			checker.Register(name, func(context.Context) error { return nil })
		}
		checker.Start(ctx)
		defer checker.Stop()
	}

	results := orch.Run(ctx, requests)
	return printResults(results)
}

// providerCredentials resolves per-provider secrets from PROVIDER-prefixed
// environment variables: <NAME>_API_KEY, <NAME>_BASE_URL, <NAME>_DATASET_ID
// with the provider name uppercased.
func providerCredentials(cfg config.Config) executor.CredentialSource {
	return func(name string) config.ProviderCredentials {
		if creds := cfg.ProviderCredential(name); creds.APIKey != "" {
			return creds
		}
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		return config.ProviderCredentials{
			APIKey:    os.Getenv(prefix + "_API_KEY"),
			BaseURL:   os.Getenv(prefix + "_BASE_URL"),
			DatasetID: os.Getenv(prefix + "_DATASET_ID"),
			Extra: map[string]string{
				"target_url": os.Getenv(prefix + "_TARGET_URL"),
				"model":      os.Getenv(prefix + "_MODEL"),
				"model_id":   os.Getenv(prefix + "_MODEL_ID"),
				"region":     os.Getenv(prefix + "_REGION"),
				"secret":     os.Getenv(prefix + "_SECRET"),
				"mock_mode":  os.Getenv(prefix + "_MOCK_MODE"),
			},
		}
	}
}

type requestFile struct {
	QueryID         string   `json:"query_id"`
	BrandID         string   `json:"brand_id"`
	CustomerID      string   `json:"customer_id"`
	QueryText       string   `json:"query_text"`
	Intent          string   `json:"intent"`
	Locale          string   `json:"locale"`
	Country         string   `json:"country"`
	Collectors      []string `json:"collectors"`
	SuppressScoring bool     `json:"suppress_scoring"`
}

func loadRequests(path string) ([]model.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []requestFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := make([]model.Request, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.Request{
			QueryID:         e.QueryID,
			BrandID:         e.BrandID,
			CustomerID:      e.CustomerID,
			QueryText:       e.QueryText,
			Intent:          e.Intent,
			Locale:          e.Locale,
			Country:         e.Country,
			Collectors:      e.Collectors,
			SuppressScoring: e.SuppressScoring,
		})
	}
	return out, nil
}

func printResults(results []model.ExecutionResult) error {
	type line struct {
		Collector     string   `json:"collector"`
		Status        string   `json:"status"`
		Async         bool     `json:"async,omitempty"`
		SnapshotID    string   `json:"snapshot_id,omitempty"`
		FallbackUsed  bool     `json:"fallback_used"`
		FallbackChain []string `json:"fallback_chain,omitempty"`
		Answer        string   `json:"answer,omitempty"`
		Error         string   `json:"error,omitempty"`
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range results {
		l := line{
			Collector:     r.Execution.CollectorType,
			Status:        string(r.Execution.Status),
			Async:         r.Async,
			SnapshotID:    r.SnapshotID,
			FallbackUsed:  r.FallbackUsed,
			FallbackChain: r.FallbackChain,
			Answer:        r.Result.RawAnswer,
		}
		if r.Err != nil {
			l.Error = r.Err.Error()
		}
		if err := enc.Encode(l); err != nil {
			return err
		}
	}
	return nil
}
