// Package health aggregates the readiness of the API's moving parts: the
// database, the sweeper and dispatcher loops, and the chain RPC endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is one subsystem's answer to /health.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs its checkers together and reports them in registration order.
type Registry struct {
	mu    sync.RWMutex
	names []string
	by    map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{by: make(map[string]Checker)}
}

// Register adds check under name. Registering a name again replaces the
// earlier checker and keeps its position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.by[name]; !ok {
		r.names = append(r.names, name)
	}
	r.by[name] = check
}

// CheckAll runs every checker concurrently. The result is healthy only if
// every subsystem is. A checker that panics counts as unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = r.by[name]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = run(ctx, names[i], checks[i])
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker) (s Status) {
	defer func() {
		if p := recover(); p != nil {
			s = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("check panicked: %v", p)}
		}
	}()
	s = check(ctx)
	if s.Name == "" {
		s.Name = name
	}
	return s
}
