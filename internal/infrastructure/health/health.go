// Package health aggregates liveness checks from the components that
// can actually fail: the store, the broker port, and anything else that
// registers. It backs the control plane's /health endpoint.
package health

import (
	"sync"

	"intraday_trader/internal/core"
)

// Monitor implements core.IHealthMonitor over a set of named checks.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]func() error
	logger core.ILogger
}

func NewMonitor(logger core.ILogger) *Monitor {
	return &Monitor{
		checks: make(map[string]func() error),
		logger: logger.WithField("component", "health"),
	}
}

// Register adds or replaces a component check.
func (m *Monitor) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports "ok" or the error text.
func (m *Monitor) GetStatus() map[string]string {
	m.mu.RLock()
	checks := make(map[string]func() error, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(checks))
	for name, fn := range checks {
		if err := fn(); err != nil {
			m.logger.Warn("health check failed", "check", name, "error", err)
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}

// IsHealthy reports whether every registered check passes.
func (m *Monitor) IsHealthy() bool {
	for _, status := range m.GetStatus() {
		if status != "ok" {
			return false
		}
	}
	return true
}
