// Package provider implements one adapter per concrete backend (a scraper
// dataset, a direct LLM API, a search-SERP endpoint, ...), each translating
// a normalized Input into a backend-specific HTTP call and normalizing the
// response back into Output.
//
// Adapters never update durable state. They are pure request/response
// translators; the priority executor owns all state transitions.
package provider

import "context"

// Input is the uniform adapter contract input.
type Input struct {
	Prompt        string
	Brand         string
	Locale        string
	Country       string
	CollectorType string
}

// Output is the uniform adapter contract output. On an async submit,
// Answer/Citations/URLs are empty, SnapshotID is set, and
// Metadata["async"] = true.
type Output struct {
	Answer     string
	Response   string
	Citations  []string
	URLs       []string
	ModelUsed  string
	SnapshotID string
	Async      bool
	Metadata   map[string]interface{}
}

// Adapter is the contract every provider backend implements.
type Adapter interface {
	// Name identifies the provider (matches ProviderSpec.Name).
	Name() string

	// Call performs one backend invocation and never falls back to
	// synthetic data for a production request. Missing credentials are
	// caught earlier: the adapter constructors fail with
	// aeoerr.ErrConfigurationMissing, so no adapter exists to call.
	Call(ctx context.Context, in Input) (Output, error)
}
