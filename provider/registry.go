package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// Factory constructs an Adapter from explicit credentials. Providers are
// never auto-detected from the ambient environment; each needs real
// per-collector credentials.
type Factory func(creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error)

// Registry maps provider names (ProviderSpec.Name) to their constructing
// Factory, and caches constructed Adapters.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Adapter
	logger    obslog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(logger obslog.Logger) *Registry {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
		logger:    logger,
	}
}

// Register adds a named factory. Registering the same name twice overwrites
// the previous factory (last-registered wins).
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the Adapter for name, constructing it lazily from creds on
// first use. It fails with a plain error (not a CollectorError) when no
// factory was registered for name — that is a deployment/wiring mistake,
// distinct from a runtime ErrConfigurationMissing raised by an adapter whose
// credentials are absent.
func (r *Registry) Get(name string, creds config.ProviderCredentials) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.instances[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter registered for %q", name)
	}
	a, err := f(creds, r.logger.WithComponent("provider:"+name))
	if err != nil {
		return nil, err
	}
	r.instances[name] = a
	return a, nil
}

// Names returns the registered provider names, sorted for deterministic
// iteration in logs/tests.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
