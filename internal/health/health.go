// Package health provides a registry of named health checks for readiness probes.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Status is the outcome of a single health check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker performs a single named health check.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
}

// NewRegistry creates an empty health check registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a named checker. Registering the same name twice replaces it.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checkers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.checkers[name] = check
}

// CheckAll runs every registered checker and reports overall health.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checkers := make(map[string]Checker, len(r.checkers))
	for name, check := range r.checkers {
		checkers[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		status := checkers[name](ctx)
		status.Name = name
		if !status.Healthy {
			healthy = false
		}
		statuses = append(statuses, status)
	}
	return healthy, statuses
}

// DBChecker returns a Checker that pings the database with a short timeout.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}
