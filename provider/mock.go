package provider

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// MockAdapter returns deterministic canned answers for integration testing
// and local development. It refuses to construct unless explicitly enabled
// via Extra["mock_mode"]="true", so a misconfigured production deployment
// gets ErrConfigurationMissing instead of synthetic data.
type MockAdapter struct {
	name string
}

// NewMockAdapter constructs the gated mock.
func NewMockAdapter(name string, creds config.ProviderCredentials, _ obslog.Logger) (Adapter, error) {
	if creds.Extra["mock_mode"] != "true" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "mock adapter requested without mock_mode=true for "+name, 0, nil)
	}
	return &MockAdapter{name: name}, nil
}

func (a *MockAdapter) Name() string { return a.name }

func (a *MockAdapter) Call(_ context.Context, in Input) (Output, error) {
	h := fnv.New32a()
	h.Write([]byte(in.Prompt))
	answer := fmt.Sprintf("[mock:%s] deterministic answer %08x for: %s", a.name, h.Sum32(), in.Prompt)
	return Output{
		Answer:    answer,
		Response:  answer,
		Citations: []string{"https://example.com/mock"},
		URLs:      []string{"https://example.com/mock"},
		ModelUsed: "mock-model",
		Metadata:  map[string]interface{}{"provider": a.name, "mock": true},
	}, nil
}
