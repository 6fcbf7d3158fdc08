// Package health aggregates component liveness checks.
package health

import (
	"sync"

	"tpsl_engine/internal/core"
)

// Registry collects named health checks and answers for all of them. It
// implements core.IHealthRegistry. Status values are either "Healthy" or
// "Unhealthy: <reason>"; consumers may rely on that prefix.
type Registry struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]func() error

	// last remembers each component's previous verdict so state flips are
	// logged once, not on every probe.
	last map[string]bool
}

// NewRegistry creates an empty registry. logger may be nil in tests.
func NewRegistry(logger core.ILogger) *Registry {
	r := &Registry{
		checks: make(map[string]func() error),
		last:   make(map[string]bool),
	}
	if logger != nil {
		r.logger = logger.WithField("component", "health")
	}
	return r
}

// Register adds or replaces a component's check.
func (r *Registry) Register(component string, check func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[component] = check
}

// run executes every check without holding the lock, so a slow probe
// never blocks registration, and records healthy/unhealthy transitions.
func (r *Registry) run() map[string]error {
	r.mu.RLock()
	checks := make(map[string]func() error, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check()
	}

	r.mu.Lock()
	for name, err := range results {
		healthy := err == nil
		prev, seen := r.last[name]
		r.last[name] = healthy
		if !seen || prev == healthy || r.logger == nil {
			continue
		}
		if healthy {
			r.logger.Info("Component recovered", "check", name)
		} else {
			r.logger.Warn("Component unhealthy", "check", name, "error", err.Error())
		}
	}
	r.mu.Unlock()

	return results
}

// GetStatus runs all checks and returns a component-to-verdict map.
func (r *Registry) GetStatus() map[string]string {
	results := r.run()
	status := make(map[string]string, len(results))
	for name, err := range results {
		if err != nil {
			status[name] = "Unhealthy: " + err.Error()
		} else {
			status[name] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes. An empty
// registry is healthy.
func (r *Registry) IsHealthy() bool {
	for _, err := range r.run() {
		if err != nil {
			return false
		}
	}
	return true
}
