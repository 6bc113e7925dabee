package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// registry caches metric instruments by name so hot paths don't re-create
// them per emission.
type registry struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

var active atomic.Pointer[registry]

func activate(meter metric.Meter) {
	active.Store(&registry{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	})
}

func deactivate() {
	active.Store(nil)
}

// Counter increments a counter metric by 1. Labels are key-value pairs:
//
//	telemetry.Counter("collector.attempt", "collector", "chatgpt", "provider", "chatgpt_scraper_async")
func Counter(name string, labels ...string) {
	r := active.Load()
	if r == nil {
		return
	}
	c, err := r.counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution, e.g. collection latency.
func Histogram(name string, value float64, labels ...string) {
	r := active.Load()
	if r == nil {
		return
	}
	h, err := r.histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (r *registry) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *registry) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

// toAttributes converts flat key-value pairs into otel attributes, dropping
// a trailing unpaired key.
func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
