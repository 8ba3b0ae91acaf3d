package adapter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry keys the configured adapters by exchange name for the layers that
// consume this package.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its exchange name. Re-registering an
// exchange replaces the previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[strings.ToUpper(a.Name())] = a
	r.mu.Unlock()
}

// Get looks up an adapter by exchange name, case insensitive.
func (r *Registry) Get(exchange string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[strings.ToUpper(exchange)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
	return a, nil
}

// Names lists the registered exchange codes in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// DisconnectAll tears down every adapter, used at shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		a.Disconnect()
	}
}
