package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness. The service is ready once
// every registered component has reported healthy.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]bool
	listeners  []func(ready bool)
	startTime  time.Time
}

func NewHealthChecker(components ...string) *HealthChecker {
	h := &HealthChecker{
		components: make(map[string]bool, len(components)),
		startTime:  time.Now(),
	}
	for _, c := range components {
		h.components[c] = false
	}
	return h
}

// SetComponent records a component's health and notifies listeners when
// overall readiness changes.
func (h *HealthChecker) SetComponent(name string, healthy bool) {
	h.mu.Lock()
	before := h.readyLocked()
	h.components[name] = healthy
	after := h.readyLocked()
	listeners := h.listeners
	h.mu.Unlock()

	if before != after {
		for _, fn := range listeners {
			fn(after)
		}
	}
}

// OnChange registers fn to be called with the new readiness on every change.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
	fn(h.IsReady())
}

func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readyLocked()
}

func (h *HealthChecker) readyLocked() bool {
	for _, ok := range h.components {
		if !ok {
			return false
		}
	}
	return true
}

// NotReady lists the components still unhealthy, sorted.
func (h *HealthChecker) NotReady() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, ok := range h.components {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 once recovery is done and every dependency
// is connected, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if pending := h.NotReady(); len(pending) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "not_ready",
			"pending": pending,
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
	})
}
