package registry

import "time"

// Status represents the health state of a registered service.
type Status int

const (
	// StatusUnknown means the service has not been checked yet, or is
	// in its half-open trial window after an open circuit elapsed.
	StatusUnknown Status = iota
	// StatusHealthy means the last check succeeded and requests may be
	// routed to the service.
	StatusHealthy
	// StatusUnhealthy means the last check failed but consecutive
	// failures have not reached the circuit breaker threshold.
	StatusUnhealthy
	// StatusCircuitOpen means consecutive failures reached the
	// threshold and requests are refused until the reset timeout
	// elapses.
	StatusCircuitOpen
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "invalid"
	}
}

// ServiceHealth is a point-in-time view of one service's health state.
type ServiceHealth struct {
	Status              Status
	LastCheck           time.Time
	LastLatency         time.Duration
	ConsecutiveFailures int
	LastError           string
}
