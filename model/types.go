// Package model defines the collector's core entities: the immutable
// Request, the static CollectorConfig/ProviderSpec chain definitions, and
// the durable Execution/CollectorResult pair that the state manager keeps
// consistent.
package model

import "time"

// Request is one natural-language query to run across a set of collectors.
// Immutable once accepted.
type Request struct {
	QueryID         string
	BrandID         string
	CustomerID      string
	QueryText       string
	Intent          string
	Locale          string
	Country         string
	Collectors      []string // ordered set of collector-ids
	SuppressScoring bool
}

// ProviderSpec is one entry in a collector's ordered fallback chain.
type ProviderSpec struct {
	Name              string
	Priority          int
	Enabled           bool
	TimeoutMS         int
	Retries           int
	FallbackOnFailure bool
}

// CollectorConfig is the static, per-collector-id configuration (typically
// loaded from YAML — see config.LoadCollectors).
type CollectorConfig struct {
	Name         string
	Enabled      bool
	TimeoutMS    int
	Retries      int
	PriorityRank int
	Providers    []ProviderSpec // ordered sequence; fallback chain
}

// ExecutionStatus is the Execution lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether s is a terminal status (completed/failed).
// Terminal statuses are never re-entered.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Attempt records one provider call outcome in Execution.retry_history.
type Attempt struct {
	AttemptNumber int
	Timestamp     time.Time
	ErrorType     string
	Retryable     bool
}

// StatusTransition is the compact record appended to
// metadata.status_transitions / metadata.last_status_transition.
type StatusTransition struct {
	From   string
	To     string
	At     time.Time
	Source string
	Reason string
}

// Execution is the durable record of one (request, collector) run.
type Execution struct {
	ID                   string
	QueryID              string
	BrandID              string
	CustomerID           string
	CollectorType        string
	Status               ExecutionStatus
	BrightdataSnapshotID string
	ErrorMessage         string
	ErrorMetadata        map[string]interface{}
	RetryCount           int
	RetryHistory         []Attempt
	Metadata             map[string]interface{}
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CollectorResultStatus is the CollectorResult lifecycle state.
type CollectorResultStatus string

const (
	ResultProcessing  CollectorResultStatus = "processing"
	ResultCompleted   CollectorResultStatus = "completed"
	ResultFailed      CollectorResultStatus = "failed"       // terminal
	ResultFailedRetry CollectorResultStatus = "failed_retry" // non-terminal, retryable
)

// CollectorResult holds the normalized answer payload for one Execution;
// execution_id is the conflict key, so at most one exists per Execution.
type CollectorResult struct {
	ID                   string
	QueryID              string
	ExecutionID          string
	CollectorType        string
	RawAnswer            string
	Citations            []string
	URLs                 []string
	Brand                string
	Question             string
	Competitors          []string
	Topic                string
	CollectionTimeMS     int64
	Status               CollectorResultStatus
	BrightdataSnapshotID string
	RawResponseJSON      []byte // large; lives in its own column, never inside Metadata
	Metadata             map[string]interface{}
	ErrorMessage         string
}

// CircuitBreakerState is the in-memory-only breaker snapshot, keyed by the
// canonical collector-set string.
type CircuitBreakerState struct {
	FailureCount  int
	LastFailureAt time.Time
	State         string // "closed" | "open" | "half-open"
}

// ExecutionResult is what the priority executor and orchestrator return to
// the caller for one (request, collector) unit — not a durable record.
type ExecutionResult struct {
	Execution     Execution
	Result        CollectorResult
	FallbackUsed  bool
	FallbackChain []string
	Async         bool
	SnapshotID    string
	Err           error
}
