package sources

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Deps provides dependencies to source factories
type Deps struct {
	// Client provides event subscriptions and the service registry
	Client EventBus

	// Logger is the parent logger; factories should namespace it
	Logger *zap.Logger
}

// Factory creates a source instance from its dependencies
type Factory func(deps Deps) (Source, error)

// Info describes a registered source
type Info struct {
	// Name is the unique identifier for the source
	Name string

	// Description is a human-readable description of the source
	Description string

	// Order specifies the startup order. Lower values start first.
	// Default is 50.
	Order int

	// Factory creates new instances of the source
	Factory Factory
}

// Registry manages source registration and instantiation. Registration is
// idempotent: registering the same name twice has the effect of once, so a
// wiring path that runs again on reload cannot double-subscribe a source.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Info
	order   []string
}

// NewRegistry creates a new source registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Info),
		order:   make([]string, 0),
	}
}

// Register adds a source to the registry. Re-registering an existing name
// is skipped, not an error.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("source name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("source %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = 50
	}

	if _, exists := r.sources[info.Name]; exists {
		log.Printf("Source %q already registered, skipping", info.Name)
		return nil
	}

	r.sources[info.Name] = info
	r.order = append(r.order, info.Name)

	log.Printf("Source %q registered (order %d): %s",
		info.Name, info.Order, info.Description)

	return nil
}

// List returns all registered sources sorted by their startup order
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.sources))
	for _, name := range r.order {
		result = append(result, r.sources[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// CreateAll instantiates all registered sources in order
func (r *Registry) CreateAll(deps Deps) ([]Source, error) {
	infos := r.List()
	result := make([]Source, 0, len(infos))

	for _, info := range infos {
		source, err := info.Factory(deps)
		if err != nil {
			for i := len(result) - 1; i >= 0; i-- {
				result[i].Stop()
			}
			return nil, fmt.Errorf("failed to create source %s: %w", info.Name, err)
		}
		result = append(result, source)
	}

	return result, nil
}

// Names returns the names of all registered sources
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}
