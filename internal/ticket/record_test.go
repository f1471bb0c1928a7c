package ticket

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendHistoryCapsAtLimit(t *testing.T) {
	r := NewRecord("task-1", "sess-1", "Fix the build", 10)

	for i := 0; i < 30; i++ {
		r.AppendHistory(HistoryEntry{
			Timestamp:  time.Now(),
			Trigger:    "output-idle",
			Action:     "inject-prompt",
			Conclusion: fmt.Sprintf("attempt-%d", i),
		}, DefaultHistoryCap)
	}

	require.Len(t, r.History, DefaultHistoryCap)
	assert.Equal(t, "attempt-10", r.History[0].Conclusion, "oldest entries evicted first")
	assert.Equal(t, "attempt-29", r.History[len(r.History)-1].Conclusion, "most recent last")
}

func TestAppendHistoryDefaultCap(t *testing.T) {
	r := NewRecord("task-1", "sess-1", "t", 10)
	for i := 0; i < 25; i++ {
		r.AppendHistory(HistoryEntry{Conclusion: fmt.Sprintf("%d", i)}, 0)
	}
	assert.Len(t, r.History, DefaultHistoryCap)
}

func TestGatesPassed(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		gates    map[string]GateResult
		passed   bool
	}{
		{
			name:   "no required gates",
			gates:  map[string]GateResult{},
			passed: true,
		},
		{
			name:     "all passing",
			required: []string{"typecheck", "tests"},
			gates: map[string]GateResult{
				"typecheck": {Passed: true},
				"tests":     {Passed: true},
			},
			passed: true,
		},
		{
			name:     "one failing",
			required: []string{"typecheck", "tests"},
			gates: map[string]GateResult{
				"typecheck": {Passed: true},
				"tests":     {Passed: false},
			},
			passed: false,
		},
		{
			name:     "required gate never run",
			required: []string{"typecheck", "tests"},
			gates: map[string]GateResult{
				"typecheck": {Passed: true},
			},
			passed: false,
		},
		{
			name:     "extra non-required gate failing",
			required: []string{"typecheck"},
			gates: map[string]GateResult{
				"typecheck": {Passed: true},
				"lint":      {Passed: false},
			},
			passed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord("task-1", "sess-1", "t", 10)
			r.RequiredGates = tt.required
			r.QualityGates = tt.gates
			assert.Equal(t, tt.passed, r.GatesPassed())
		})
	}
}

func TestFailingGates(t *testing.T) {
	r := NewRecord("task-1", "sess-1", "t", 10)
	r.RequiredGates = []string{"typecheck", "tests", "lint"}
	r.QualityGates = map[string]GateResult{
		"typecheck": {Passed: true},
		"tests":     {Passed: false},
	}
	assert.Equal(t, []string{"tests", "lint"}, r.FailingGates())
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRecord("task-1", "sess-1", "t", 10)
	r.AppendHistory(HistoryEntry{Conclusion: "incomplete", Evidence: []string{"e1"}}, 20)
	r.QualityGates["tests"] = GateResult{Passed: true}
	r.RequiredGates = []string{"tests"}
	r.Notes = []string{"note"}

	clone := r.Clone()
	clone.Iterations = 5
	clone.History[0].Evidence[0] = "mutated"
	clone.QualityGates["tests"] = GateResult{Passed: false}
	clone.Notes[0] = "mutated"

	assert.Equal(t, 0, r.Iterations)
	assert.Equal(t, "e1", r.History[0].Evidence[0])
	assert.True(t, r.QualityGates["tests"].Passed)
	assert.Equal(t, "note", r.Notes[0])
}

func TestOpen(t *testing.T) {
	r := NewRecord("task-1", "sess-1", "t", 10)
	assert.True(t, r.Open())
	r.Status = StatusEscalated
	assert.False(t, r.Open())
}
