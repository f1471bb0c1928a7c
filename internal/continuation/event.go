// Package continuation normalizes detector signals into a single typed event
// stream and debounces rapid repeats before they reach the decision service.
package continuation

import (
	"time"

	"github.com/google/uuid"
)

// Trigger identifies which detector produced a continuation event.
type Trigger string

const (
	TriggerProcessExit     Trigger = "process-exit"
	TriggerOutputIdle      Trigger = "output-idle"
	TriggerHeartbeatStale  Trigger = "heartbeat-stale"
	TriggerExplicitRequest Trigger = "explicit-request"
)

// Event is one detected continuation trigger. Events are immutable once
// created and are consumed exactly once after debounce collapsing; they are
// never persisted.
type Event struct {
	ID          string    `json:"id"`
	Trigger     Trigger   `json:"trigger"`
	SessionName string    `json:"session_name"`
	AgentID     string    `json:"agent_id"`
	ProjectPath string    `json:"project_path"`
	Timestamp   time.Time `json:"timestamp"`

	// Trigger-specific metadata
	ExitCode      *int          `json:"exit_code,omitempty"`      // process-exit
	LastOutput    string        `json:"last_output,omitempty"`    // output-idle, process-exit
	IdleDuration  time.Duration `json:"idle_duration,omitempty"`  // output-idle
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"` // heartbeat-stale
	Reason        string        `json:"reason,omitempty"`         // explicit-request
}

// NewEvent creates an event with a fresh ID and the given timestamp.
func NewEvent(trigger Trigger, sessionName, agentID, projectPath string, at time.Time) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Trigger:     trigger,
		SessionName: sessionName,
		AgentID:     agentID,
		ProjectPath: projectPath,
		Timestamp:   at,
	}
}
