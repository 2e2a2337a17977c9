package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Spawner names accepted by the registry.
const (
	SpawnerProcess = "process"
	SpawnerDocker  = "docker"
)

// Registry holds the configured spawners and resolves one by name.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
}

// NewRegistry creates an empty spawner registry.
func NewRegistry() *Registry {
	return &Registry{
		spawners: make(map[string]Spawner),
	}
}

// Register adds a spawner to the registry under the given name.
func (r *Registry) Register(name string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[name] = s
}

// Resolve returns the spawner registered under name.
func (r *Registry) Resolve(name string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.spawners[name]
	if !ok {
		return nil, fmt.Errorf("sandbox %q is not registered", name)
	}
	return s, nil
}

// Names returns the registered spawner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.spawners))
	for name := range r.spawners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
