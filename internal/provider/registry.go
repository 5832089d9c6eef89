package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a provider name with submission hints for API listings.
type Info struct {
	Name string `json:"name"`
}

// Registry holds registered providers and resolves which one runs a job.
// Adding a backend means registering a new variant here, not adding code
// paths to shared logic.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty provider registry. defaultName is used when a
// job does not name a provider.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds a provider to the registry under its own name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve returns the provider with the given name, or the default provider
// when name is empty. Returns an error if the provider is not registered.
func (r *Registry) Resolve(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return p, nil
}

// List returns information about all registered providers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for name := range r.providers {
		infos = append(infos, Info{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Wait blocks until every registered provider has drained its in-flight
// task attempts.
func (r *Registry) Wait() {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	for _, p := range providers {
		p.Wait()
	}
}
