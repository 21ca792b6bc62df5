package scantrans

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of the remote endpoint.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks remote endpoint health using a circuit breaker
// pattern. While the endpoint is unhealthy the engine fails submissions
// fast instead of letting every unit run into its own timeout.
type HealthTracker struct {
	mu          sync.Mutex
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewHealthTracker creates a HealthTracker in the healthy state.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{state: HealthHealthy}
}

// State returns the current health state.
func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Unhealthy period elapsed → transition to half-open, allowing one
	// probe submission through.
	if h.state == HealthUnhealthy && time.Since(h.unhealthyAt) >= healthUnhealthyPeriod {
		h.state = HealthHalfOpen
	}

	return h.state
}

// RecordSuccess records a successful submission.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = HealthHealthy
	h.failures = h.failures[:0]
}

// RecordFailure records a failed submission.
func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HealthUnhealthy {
		return
	}

	now := time.Now()

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	h.failures = append(valid, now)

	if len(h.failures) >= healthFailureThreshold {
		h.state = HealthUnhealthy
		h.unhealthyAt = now
	}
}
