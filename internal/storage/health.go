package storage

import (
	"sync"
	"time"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the last observed state of one store
type Health struct {
	LastCheck time.Time `json:"last_check" msgpack:"last_check"`
	Status    string    `json:"status" msgpack:"status"`
	Message   string    `json:"message,omitempty" msgpack:"message,omitempty"`
	Error     string    `json:"error,omitempty" msgpack:"error,omitempty"`
}

// HealthManager manages store health status in memory
type HealthManager struct {
	mu     sync.RWMutex
	health map[string]Health
}

// NewHealthManager creates a new health manager
func NewHealthManager() *HealthManager {
	return &HealthManager{
		health: make(map[string]Health),
	}
}

// Record stores the outcome of an operation against a store
func (hm *HealthManager) Record(store, message string, err error) {
	h := Health{LastCheck: time.Now(), Status: StatusHealthy, Message: message}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health[store] = h
}

// GetHealth retrieves the health status for a specific store
func (hm *HealthManager) GetHealth(store string) (Health, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	h, exists := hm.health[store]
	return h, exists
}

// GetAllHealth returns a copy of every recorded status
func (hm *HealthManager) GetAllHealth() map[string]Health {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	result := make(map[string]Health, len(hm.health))
	for k, v := range hm.health {
		result[k] = v
	}
	return result
}

// IsHealthy checks if a store is healthy
func (hm *HealthManager) IsHealthy(store string, maxAge time.Duration) bool {
	h, exists := hm.GetHealth(store)
	if !exists {
		return false
	}

	// Check if health data is stale
	if time.Since(h.LastCheck) > maxAge {
		return false
	}

	return h.Status == StatusHealthy
}
