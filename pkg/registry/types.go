package registry

import (
	"fmt"
	"time"
)

// State is a service's lifecycle state. The scheduler is the only
// lifecycle writer; Healthy/Unhealthy are entered when the prober's
// verdict changes while the service is running.
type State uint8

const (
	StatePending   State = iota // Declared, prerequisites unmet
	StateStarting               // Launch requested
	StateStarted                // Process running; terminal for unchecked services
	StateHealthy                // Health check passing
	StateUnhealthy              // Retry budget exhausted
	StateStopped                // Orchestrator-initiated shutdown
	StateFailed                 // Launch failed, readiness deadline missed, or cascaded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Running reports whether the service's process is up.
func (s State) Running() bool {
	return s == StateStarted || s == StateHealthy || s == StateUnhealthy
}

// Terminal reports whether no further lifecycle transition can occur.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// HealthStatus is the prober's current readiness assessment.
type HealthStatus uint8

const (
	HealthUnknown   HealthStatus = iota // No probe has completed yet
	HealthChecking                      // Failures seen, budget not exhausted
	HealthHealthy                       // Last probe succeeded
	HealthUnhealthy                     // Consecutive failures reached the retry budget
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthChecking:
		return "checking"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("HealthStatus(%d)", h)
	}
}

// Verdict is the prober-owned half of a service's record.
type Verdict struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastChecked         time.Time    `json:"last_checked,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

// EventKind distinguishes lifecycle writes from verdict writes on the bus.
type EventKind string

const (
	EventState  EventKind = "state"
	EventHealth EventKind = "health"
)

// Event is published on the registry bus for every write.
type Event struct {
	Service string    `json:"service"`
	Kind    EventKind `json:"kind"`
	State   State     `json:"state"`
	Verdict Verdict   `json:"verdict"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// ServiceStatus is a point-in-time snapshot of one service.
type ServiceStatus struct {
	Name    string  `json:"name"`
	State   State   `json:"state"`
	Verdict Verdict `json:"verdict"`
	Error   string  `json:"error,omitempty"`
	Root    string  `json:"root,omitempty"`
}
