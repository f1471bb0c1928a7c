// Package ticket models the per-task continuation record: iteration
// counters, bounded history, and quality-gate status. The record is the
// supervisor's only persisted state; everything else about a task belongs to
// the external task store.
package ticket

import (
	"time"
)

// DefaultHistoryCap bounds the continuation history kept per task.
const DefaultHistoryCap = 20

// Task status values for the continuation state machine's terminal states.
const (
	StatusOpen      = "open"
	StatusComplete  = "complete"
	StatusEscalated = "escalated"
	StatusPaused    = "paused"
)

// HistoryEntry records one continuation attempt for auditability.
type HistoryEntry struct {
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp"`
	Trigger    string    `yaml:"trigger" json:"trigger"`
	Action     string    `yaml:"action" json:"action"`
	Conclusion string    `yaml:"conclusion" json:"conclusion"`
	Evidence   []string  `yaml:"evidence,omitempty" json:"evidence,omitempty"`
}

// GateResult is one quality gate's most recent outcome, supplied by an
// external checker. The supervisor only reads Passed.
type GateResult struct {
	Passed  bool      `yaml:"passed" json:"passed"`
	LastRun time.Time `yaml:"lastRun" json:"last_run"`
	Output  string    `yaml:"output,omitempty" json:"output,omitempty"`
}

// Record is the continuation state for one task.
type Record struct {
	TaskID            string    `yaml:"taskId" json:"task_id"`
	SessionName       string    `yaml:"sessionName" json:"session_name"`
	Title             string    `yaml:"title" json:"title"`
	Status            string    `yaml:"status" json:"status"`
	Iterations        int       `yaml:"iterations" json:"iterations"`
	MaxIterations     int       `yaml:"maxIterations" json:"max_iterations"`
	ConsecutiveErrors int       `yaml:"consecutiveErrors" json:"consecutive_errors"`
	LastIteration     time.Time `yaml:"lastIteration,omitempty" json:"last_iteration,omitempty"`

	History       []HistoryEntry        `yaml:"history,omitempty" json:"history,omitempty"`
	QualityGates  map[string]GateResult `yaml:"qualityGates,omitempty" json:"quality_gates,omitempty"`
	RequiredGates []string              `yaml:"requiredGates,omitempty" json:"required_gates,omitempty"`

	// Notes accumulate context worth carrying into continuation prompts.
	Notes []string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// NewRecord creates an open record with the given iteration bound.
func NewRecord(taskID, sessionName, title string, maxIterations int) *Record {
	return &Record{
		TaskID:        taskID,
		SessionName:   sessionName,
		Title:         title,
		Status:        StatusOpen,
		MaxIterations: maxIterations,
		QualityGates:  make(map[string]GateResult),
	}
}

// AppendHistory appends most-recent-last and evicts the oldest entries past
// cap. A cap <= 0 falls back to DefaultHistoryCap.
func (r *Record) AppendHistory(entry HistoryEntry, cap int) {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	r.History = append(r.History, entry)
	if len(r.History) > cap {
		r.History = r.History[len(r.History)-cap:]
	}
}

// GatesPassed reports whether every required gate has a passing result.
// A required gate with no recorded result counts as failing.
func (r *Record) GatesPassed() bool {
	for _, name := range r.RequiredGates {
		result, ok := r.QualityGates[name]
		if !ok || !result.Passed {
			return false
		}
	}
	return true
}

// FailingGates returns the required gates that currently block completion.
func (r *Record) FailingGates() []string {
	var failing []string
	for _, name := range r.RequiredGates {
		result, ok := r.QualityGates[name]
		if !ok || !result.Passed {
			failing = append(failing, name)
		}
	}
	return failing
}

// Open reports whether the task is still eligible for continuation.
func (r *Record) Open() bool {
	return r.Status == StatusOpen
}

// Clone returns a deep copy so store reads never alias store state.
func (r *Record) Clone() *Record {
	out := *r
	out.History = make([]HistoryEntry, len(r.History))
	copy(out.History, r.History)
	for i := range out.History {
		ev := make([]string, len(r.History[i].Evidence))
		copy(ev, r.History[i].Evidence)
		out.History[i].Evidence = ev
	}
	out.QualityGates = make(map[string]GateResult, len(r.QualityGates))
	for k, v := range r.QualityGates {
		out.QualityGates[k] = v
	}
	out.RequiredGates = make([]string, len(r.RequiredGates))
	copy(out.RequiredGates, r.RequiredGates)
	out.Notes = make([]string, len(r.Notes))
	copy(out.Notes, r.Notes)
	return &out
}
