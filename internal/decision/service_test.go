package decision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuity/continuity/internal/analyzer"
	"github.com/continuity/continuity/internal/clock"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/continuation"
	"github.com/continuity/continuity/internal/ticket"
)

func createTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "console",
	})
	return log
}

// fakeGateway records writes and terminations instead of touching a pty.
type fakeGateway struct {
	mu         sync.Mutex
	writes     map[string][]string
	terminated []string
	output     string
	writeErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{writes: make(map[string][]string)}
}

func (g *fakeGateway) Write(name string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.writes[name] = append(g.writes[name], string(data))
	return nil
}

func (g *fakeGateway) CaptureRecentOutput(name string, lineCount int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.output, nil
}

func (g *fakeGateway) Terminate(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminated = append(g.terminated, name)
	return nil
}

func (g *fakeGateway) writesTo(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.writes[name]))
	copy(out, g.writes[name])
	return out
}

// fakeGates serves a fixed gate result set.
type fakeGates struct {
	mu      sync.Mutex
	results map[string]ticket.GateResult
}

func (g *fakeGates) CheckGates(ctx context.Context, record *ticket.Record) (map[string]ticket.GateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]ticket.GateResult, len(g.results))
	for k, v := range g.results {
		out[k] = v
	}
	return out, nil
}

type testEnv struct {
	service *Service
	store   *ticket.MemoryStore
	gateway *fakeGateway
	gates   *fakeGates
	clk     *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ticket.NewMemoryStore()
	gateway := newFakeGateway()
	gates := &fakeGates{results: map[string]ticket.GateResult{}}
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	service := NewService(Config{
		DefaultMaxIterations:  10,
		AbsoluteMaxIterations: 25,
		ErrorRetryLimit:       1,
	}, store, gateway, gates, nil, clk, createTestLogger())

	return &testEnv{service: service, store: store, gateway: gateway, gates: gates, clk: clk}
}

func (e *testEnv) saveRecord(t *testing.T, record *ticket.Record) {
	t.Helper()
	require.NoError(t, e.store.Save(context.Background(), record))
}

func (e *testEnv) getRecord(t *testing.T, taskID string) *ticket.Record {
	t.Helper()
	record, err := e.store.Get(context.Background(), taskID)
	require.NoError(t, err)
	return record
}

func idleEvent(sessionName, output string) *continuation.Event {
	ev := continuation.NewEvent(continuation.TriggerOutputIdle, sessionName, "agent-1", "/work", time.Now())
	ev.LastOutput = output
	return ev
}

func exitEvent(sessionName, output string, code int) *continuation.Event {
	ev := continuation.NewEvent(continuation.TriggerProcessExit, sessionName, "agent-1", "/work", time.Now())
	ev.LastOutput = output
	ev.ExitCode = &code
	return ev
}

func TestIncompleteOutputInjectsPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "Fix the build", 10))

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "still editing files..."))
	require.NoError(t, err)

	writes := env.gateway.writesTo("sess-1")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "task-1")
	assert.Contains(t, writes[0], "attempt 1 of 10")

	record := env.getRecord(t, "task-1")
	assert.Equal(t, 1, record.Iterations)
	assert.Equal(t, ticket.StatusOpen, record.Status)
	require.Len(t, record.History, 1)
	assert.Equal(t, string(analyzer.ActionInjectPrompt), record.History[0].Action)
	assert.Equal(t, string(analyzer.ConclusionIncomplete), record.History[0].Conclusion)

	assert.Equal(t, StateActive, env.service.TaskState("task-1"))
}

func TestIterationBoundForcesEscalation(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 10)
	record.Iterations = 10
	env.saveRecord(t, record)

	// Even output that looks like progress cannot continue past the bound.
	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "still working on it..."))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, 10, got.Iterations, "iteration count never passes the bound")
	assert.Equal(t, ticket.StatusEscalated, got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, string(analyzer.ConclusionMaxIterations), got.History[0].Conclusion)
	assert.NotEmpty(t, got.History[0].Evidence, "escalation must leave an auditable trail")

	assert.Empty(t, env.gateway.writesTo("sess-1"), "no prompt is injected past the bound")
	assert.Equal(t, StateEscalated, env.service.TaskState("task-1"))
}

func TestAbsoluteCeilingClampsRecordBound(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 100)
	record.Iterations = 25
	env.saveRecord(t, record)

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "working..."))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, 25, got.Iterations)
	assert.Equal(t, ticket.StatusEscalated, got.Status,
		"a record claiming maxIterations=100 is still clamped by the absolute ceiling")
}

func TestCompletionBlockedByFailingGate(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 10)
	record.RequiredGates = []string{"typecheck", "tests"}
	env.saveRecord(t, record)

	env.gates.results = map[string]ticket.GateResult{
		"typecheck": {Passed: true, LastRun: env.clk.Now()},
		"tests":     {Passed: false, LastRun: env.clk.Now(), Output: "2 failed"},
	}

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "All tests passed. Task complete."))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusOpen, got.Status, "completion is never granted with a failing gate")
	assert.Equal(t, 1, got.Iterations, "blocked completion degrades to a continuation prompt")

	writes := env.gateway.writesTo("sess-1")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "tests", "prompt carries the failing gate name")
}

func TestCompletionGrantedWhenGatesPass(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 10)
	record.RequiredGates = []string{"typecheck", "tests"}
	env.saveRecord(t, record)

	env.gates.results = map[string]ticket.GateResult{
		"typecheck": {Passed: true, LastRun: env.clk.Now()},
		"tests":     {Passed: true, LastRun: env.clk.Now()},
	}

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "All tests passed. Task complete."))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusComplete, got.Status)
	assert.Equal(t, 0, got.Iterations, "completion does not consume an iteration")
	assert.Empty(t, env.gateway.writesTo("sess-1"))
	assert.Equal(t, StateComplete, env.service.TaskState("task-1"))
}

func TestTogglingAnyRequiredGatePreventsCompletion(t *testing.T) {
	gateNames := []string{"typecheck", "tests", "lint"}

	for _, toggled := range gateNames {
		t.Run(toggled, func(t *testing.T) {
			env := newTestEnv(t)
			record := ticket.NewRecord("task-1", "sess-1", "t", 10)
			record.RequiredGates = gateNames
			env.saveRecord(t, record)

			results := map[string]ticket.GateResult{}
			for _, name := range gateNames {
				results[name] = ticket.GateResult{Passed: name != toggled}
			}
			env.gates.results = results

			err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "Task complete."))
			require.NoError(t, err)

			got := env.getRecord(t, "task-1")
			assert.Equal(t, ticket.StatusOpen, got.Status)
			assert.Len(t, env.gateway.writesTo("sess-1"), 1, "fallback is inject_prompt")
		})
	}
}

func TestErrorRetriesThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	// First error cycle retries with hints drawn from the error evidence.
	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "panic: nil pointer dereference"))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusOpen, got.Status)
	assert.Equal(t, 1, got.Iterations)
	assert.Equal(t, 1, got.ConsecutiveErrors)
	writes := env.gateway.writesTo("sess-1")
	require.Len(t, writes, 1)
	assert.Contains(t, writes[0], "panic", "retry prompt carries the error evidence")

	// Second consecutive error cycle escalates.
	err = env.service.HandleEvent(context.Background(), idleEvent("sess-1", "panic: nil pointer dereference"))
	require.NoError(t, err)

	got = env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusEscalated, got.Status)
	assert.Equal(t, 1, got.Iterations, "escalation does not consume an iteration")
	assert.Len(t, env.gateway.writesTo("sess-1"), 1)
}

func TestNonErrorCycleResetsConsecutiveErrors(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 10)
	record.ConsecutiveErrors = 1
	env.saveRecord(t, record)

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "making progress on the refactor"))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, 0, got.ConsecutiveErrors)
}

func TestWriteFailureLeavesRecordUnmodified(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))
	env.gateway.writeErr = errors.New("pty closed")

	err := env.service.HandleEvent(context.Background(), idleEvent("sess-1", "still working"))
	require.Error(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, 0, got.Iterations, "failed action must not increment the counter")
	assert.Empty(t, got.History)
	assert.Equal(t, ticket.StatusOpen, got.Status)
}

func TestNoOpenTaskIgnoresEvent(t *testing.T) {
	env := newTestEnv(t)
	err := env.service.HandleEvent(context.Background(), idleEvent("sess-unknown", "whatever"))
	assert.NoError(t, err)
}

func TestUnknownOutputTakesNoAction(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	// Empty last output and empty capture yield an unknown conclusion.
	ev := continuation.NewEvent(continuation.TriggerOutputIdle, "sess-1", "agent-1", "/work", time.Now())
	err := env.service.HandleEvent(context.Background(), ev)
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, 0, got.Iterations)
	assert.Empty(t, got.History)
	assert.Empty(t, env.gateway.writesTo("sess-1"))
	assert.Equal(t, StateActive, env.service.TaskState("task-1"))
}

func TestCrashExitEscalatesWithAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	err := env.service.HandleEvent(context.Background(), exitEvent("sess-1", "panic: boom", 2))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusEscalated, got.Status, "a crashed agent must reach the owner")
	assert.Equal(t, 0, got.Iterations)
	require.Len(t, got.History, 1)
	assert.Equal(t, string(continuation.TriggerProcessExit), got.History[0].Trigger)

	evidence := strings.Join(got.History[0].Evidence, "\n")
	assert.Contains(t, evidence, "panic")
	assert.Contains(t, evidence, "exited with code 2")

	assert.Empty(t, env.gateway.writesTo("sess-1"), "no prompt goes to a dead session")
}

func TestCleanExitWithCompletionAdvancesTask(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	err := env.service.HandleEvent(context.Background(), exitEvent("sess-1", "All tests passed. Task complete.", 0))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusComplete, got.Status)
}

func TestExitWithoutCompletionEscalatesInsteadOfPrompting(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	err := env.service.HandleEvent(context.Background(), exitEvent("sess-1", "still working on the refactor", 0))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusEscalated, got.Status,
		"no further trigger can arrive for an exited session; open work goes to the owner")
	require.Len(t, got.History, 1)
	evidence := strings.Join(got.History[0].Evidence, "\n")
	assert.Contains(t, evidence, "no continuation prompt can be delivered")
	assert.Empty(t, env.gateway.writesTo("sess-1"))
}

func TestExitWithNoOutputAtAllStillEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.saveRecord(t, ticket.NewRecord("task-1", "sess-1", "t", 10))

	// Empty event output and an empty capture: the exit code alone carries
	// the signal.
	err := env.service.HandleEvent(context.Background(), exitEvent("sess-1", "", 3))
	require.NoError(t, err)

	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusEscalated, got.Status)
	require.Len(t, got.History, 1)
	assert.Contains(t, strings.Join(got.History[0].Evidence, "\n"), "exited with code 3")
}

func TestPauseTerminatesSession(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 10)
	env.saveRecord(t, record)

	ev := idleEvent("sess-1", "output")
	analysis := analyzer.Analysis{
		Conclusion:        analyzer.ConclusionWaitingInput,
		RecommendedAction: analyzer.ActionPauseAgent,
		Evidence:          []string{"operator requested pause"},
	}
	require.NoError(t, env.service.execute(context.Background(), ev, record, analysis))

	assert.Equal(t, []string{"sess-1"}, env.gateway.terminated)
	got := env.getRecord(t, "task-1")
	assert.Equal(t, ticket.StatusPaused, got.Status)
	assert.Equal(t, StatePaused, env.service.TaskState("task-1"))
}

func TestIterationsNeverExceedMaxProperty(t *testing.T) {
	env := newTestEnv(t)
	record := ticket.NewRecord("task-1", "sess-1", "t", 5)
	env.saveRecord(t, record)

	// Drive far more events than the bound allows.
	for i := 0; i < 20; i++ {
		_ = env.service.HandleEvent(context.Background(), idleEvent("sess-1", "still going..."))
	}

	got := env.getRecord(t, "task-1")
	assert.LessOrEqual(t, got.Iterations, 5)
	assert.Equal(t, ticket.StatusEscalated, got.Status)
}
