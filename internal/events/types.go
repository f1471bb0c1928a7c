// Package events provides subject names for the supervisor event system.
package events

// Subjects for raw detector signals, before debouncing.
const (
	SignalProcessExit    = "signal.process_exit"
	SignalOutputIdle     = "signal.output_idle"
	SignalHeartbeatStale = "signal.heartbeat_stale"
	SignalExplicit       = "signal.explicit_request"
)

// Subjects for continuation lifecycle.
const (
	ContinuationTriggered = "continuation.triggered"
	ContinuationDecided   = "continuation.decided"
	ContinuationEscalated = "continuation.escalated"
)

// Subjects for session lifecycle.
const (
	SessionCreated    = "session.created"
	SessionTerminated = "session.terminated"
	SessionExited     = "session.exited"
)

// BuildSessionSubject returns a per-session subject, e.g. "continuation.triggered.<name>".
func BuildSessionSubject(base, sessionName string) string {
	return base + "." + sessionName
}

// BuildSessionWildcardSubject returns the wildcard form of a per-session subject.
func BuildSessionWildcardSubject(base string) string {
	return base + ".*"
}
