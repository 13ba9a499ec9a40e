// Package health aggregates component health checks
package health

import (
	"sort"
	"sync"

	"pricestream/internal/core"
)

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

var _ core.IHealthMonitor = (*HealthManager)(nil)

// NewHealthManager creates a new health manager. logger may be nil.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Components lists registered component names in order
func (hm *HealthManager) Components() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	status, _ := hm.evaluate()
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	_, healthy := hm.evaluate()
	return healthy
}

func (hm *HealthManager) evaluate() (map[string]string, bool) {
	hm.mu.RLock()
	checks := make(map[string]func() error, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	healthy := true
	status := make(map[string]string, len(checks))
	for component, check := range checks {
		if err := check(); err != nil {
			healthy = false
			status[component] = "Unhealthy: " + err.Error()
			if hm.logger != nil {
				hm.logger.Debug("Health check failed", "check", component, "error", err)
			}
		} else {
			status[component] = "Healthy"
		}
	}
	return status, healthy
}
