package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evidently-aeo/aeo-collector/model"
)

// collectorsDocument is the on-disk shape of a CollectorConfig manifest.
type collectorsDocument struct {
	Collectors []collectorEntry `yaml:"collectors"`
}

type collectorEntry struct {
	Name         string          `yaml:"name"`
	Enabled      bool            `yaml:"enabled"`
	TimeoutMS    int             `yaml:"timeout_ms"`
	Retries      int             `yaml:"retries"`
	PriorityRank int             `yaml:"priority_rank"`
	Providers    []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	Name              string `yaml:"name"`
	Priority          int    `yaml:"priority"`
	Enabled           bool   `yaml:"enabled"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	Retries           int    `yaml:"retries"`
	FallbackOnFailure bool   `yaml:"fallback_on_failure"`
}

// LoadCollectors reads a YAML manifest of collector/provider chain
// definitions and returns them keyed by collector name. Providers within
// each collector keep the order declared in the file; the executor breaks
// Priority ties by that insertion order.
func LoadCollectors(path string) (map[string]model.CollectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading collector manifest %q: %w", path, err)
	}
	return ParseCollectors(data)
}

// ParseCollectors parses an in-memory YAML document; split out from
// LoadCollectors so tests and embedded-config callers don't need a file on
// disk.
func ParseCollectors(data []byte) (map[string]model.CollectorConfig, error) {
	var doc collectorsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing collector manifest: %w", err)
	}

	out := make(map[string]model.CollectorConfig, len(doc.Collectors))
	for _, entry := range doc.Collectors {
		providers := make([]model.ProviderSpec, 0, len(entry.Providers))
		for _, p := range entry.Providers {
			providers = append(providers, model.ProviderSpec{
				Name:              p.Name,
				Priority:          p.Priority,
				Enabled:           p.Enabled,
				TimeoutMS:         p.TimeoutMS,
				Retries:           p.Retries,
				FallbackOnFailure: p.FallbackOnFailure,
			})
		}
		out[entry.Name] = model.CollectorConfig{
			Name:         entry.Name,
			Enabled:      entry.Enabled,
			TimeoutMS:    entry.TimeoutMS,
			Retries:      entry.Retries,
			PriorityRank: entry.PriorityRank,
			Providers:    providers,
		}
	}
	return out, nil
}
