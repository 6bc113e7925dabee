// Package external defines the typed collaborator interfaces that sit
// outside the collector's scope: brand/query metadata lookups and the
// downstream scorer hand-off. The collector depends only on these
// interfaces; concrete implementations (HTTP clients, DB readers) are
// supplied by the caller.
package external

import "context"

// QueryMetadata is the result of BrandReader.GetQuery.
type QueryMetadata struct {
	QueryText string
	Topic     string
	Metadata  map[string]interface{}
}

// BrandReader looks up brand/query metadata. All reads may fail; callers
// must treat every method's error as non-fatal and degrade the
// corresponding result fields to empty.
type BrandReader interface {
	GetBrandName(ctx context.Context, brandID string) (string, error)
	GetCompetitors(ctx context.Context, brandID string) ([]string, error)
	GetQuery(ctx context.Context, queryID string) (QueryMetadata, error)
}

// Scorer is the fire-and-forget downstream scoring hand-off.
// Implementations must not block the caller; a slow or failing scorer must
// never affect the request path.
type Scorer interface {
	ScoreBrandAsync(ctx context.Context, brandID, customerID string)
}

// NoopBrandReader degrades every field to empty, for deployments with no
// metadata collaborator wired.
type NoopBrandReader struct{}

func (NoopBrandReader) GetBrandName(context.Context, string) (string, error) { return "", nil }
func (NoopBrandReader) GetCompetitors(context.Context, string) ([]string, error) {
	return nil, nil
}
func (NoopBrandReader) GetQuery(context.Context, string) (QueryMetadata, error) {
	return QueryMetadata{}, nil
}

// NoopScorer discards every scoring request, used in tests and whenever
// suppress_scoring effectively applies process-wide.
type NoopScorer struct{}

func (NoopScorer) ScoreBrandAsync(context.Context, string, string) {}
