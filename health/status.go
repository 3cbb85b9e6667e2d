package health

import (
	"regexp"
	"strings"
	"time"
)

// State is the health of one component
type State string

// Health states, best first
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of a component and, for aggregates, of its parts
type Status struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Status  `json:"checks,omitempty"`
}

// Healthy returns a healthy status
func Healthy(component, message string) Status {
	return Status{Component: component, State: StateHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded returns a degraded status
func Degraded(component, message string) Status {
	return Status{Component: component, State: StateDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy returns an unhealthy status; the message is sanitized
func Unhealthy(component, message string) Status {
	return Status{Component: component, State: StateUnhealthy, Message: Sanitize(message), Timestamp: time.Now()}
}

// IsHealthy reports whether the state is healthy
func (s Status) IsHealthy() bool {
	return s.State == StateHealthy
}

// IsDegraded reports whether the state is degraded
func (s Status) IsDegraded() bool {
	return s.State == StateDegraded
}

// IsUnhealthy reports whether the state is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.State == StateUnhealthy
}

// Aggregate combines checks into one status for component. The worst state wins; no checks
// is healthy.
func Aggregate(component string, checks ...Status) Status {
	worst := StateHealthy
	for _, c := range checks {
		if c.State.rank() > worst.rank() {
			worst = c.State
		}
	}

	var status Status
	switch worst {
	case StateHealthy:
		status = Healthy(component, "all checks passed")
	case StateDegraded:
		status = Degraded(component, "one or more checks degraded")
	default:
		status = Unhealthy(component, "one or more checks failed")
	}
	if len(checks) > 0 {
		status.Checks = append([]Status(nil), checks...)
	}
	return status
}

// Applied in order: URLs and credentials go before the paths and ports inside them
var sanitizers = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`(?i)(password|token|secret|credential)s?\s*[:=]\s*[^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// Sanitize removes URLs, file paths, addresses and credentials from msg
func Sanitize(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return msg
	}
	for _, s := range sanitizers {
		msg = s.re.ReplaceAllString(msg, s.repl)
	}
	return msg
}
