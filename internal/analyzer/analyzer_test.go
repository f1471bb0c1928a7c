package analyzer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseContext() TaskContext {
	return TaskContext{
		TaskID:        "task-1",
		Iterations:    3,
		MaxIterations: 10,
		RetryLimit:    1,
	}
}

func TestAnalyzeCompletion(t *testing.T) {
	a := New()

	out := "running tests...\nall tests passed\nTask complete, nothing left to do."
	analysis := a.Analyze(out, baseContext())

	assert.Equal(t, ConclusionTaskComplete, analysis.Conclusion)
	assert.Equal(t, ActionAdvanceTask, analysis.RecommendedAction)
	assert.Greater(t, analysis.Confidence, singleSignalConfidence,
		"two agreeing completion signals score above the single-signal baseline")
	assert.NotEmpty(t, analysis.Evidence)
}

func TestAnalyzeCompletionSingleSignal(t *testing.T) {
	a := New()
	analysis := a.Analyze("Task complete.", baseContext())
	assert.Equal(t, ConclusionTaskComplete, analysis.Conclusion)
	assert.Equal(t, singleSignalConfidence, analysis.Confidence)
}

func TestAnalyzeErrorFirstOccurrenceRetries(t *testing.T) {
	a := New()

	out := "compiling...\npanic: runtime error: index out of range\ngoroutine 1 [running]:"
	analysis := a.Analyze(out, baseContext())

	assert.Equal(t, ConclusionStuckOrError, analysis.Conclusion)
	assert.Equal(t, ActionRetryWithHints, analysis.RecommendedAction)
}

func TestAnalyzeErrorRepeatEscalates(t *testing.T) {
	a := New()

	ctx := baseContext()
	ctx.ConsecutiveErrors = 1

	analysis := a.Analyze("build failed\n", ctx)
	assert.Equal(t, ConclusionStuckOrError, analysis.Conclusion)
	assert.Equal(t, ActionNotifyOwner, analysis.RecommendedAction)
}

func TestAnalyzeRepeatedErrorLines(t *testing.T) {
	a := New()

	line := "Error: connection refused to localhost:5432"
	out := strings.Repeat(line+"\n", 4)
	analysis := a.Analyze(out, baseContext())

	assert.Equal(t, ConclusionStuckOrError, analysis.Conclusion)
	found := false
	for _, ev := range analysis.Evidence {
		if strings.Contains(ev, "repeated identical error line") {
			found = true
		}
	}
	assert.True(t, found, "repeated error lines should appear in evidence")
}

func TestAnalyzeNonzeroExitCodeIsErrorSignal(t *testing.T) {
	a := New()

	code := 2
	ctx := baseContext()
	ctx.ExitCode = &code

	// Neutral output alone would classify as incomplete; the exit code
	// flips it to an error, even with nothing captured at all.
	for _, out := range []string{"editing src/parser.go", ""} {
		analysis := a.Analyze(out, ctx)
		assert.Equal(t, ConclusionStuckOrError, analysis.Conclusion)
		found := false
		for _, ev := range analysis.Evidence {
			if strings.Contains(ev, "exited with code 2") {
				found = true
			}
		}
		assert.True(t, found, "exit code must appear in evidence")
	}
}

func TestAnalyzeZeroExitCodeIsNoSignal(t *testing.T) {
	a := New()

	code := 0
	ctx := baseContext()
	ctx.ExitCode = &code

	analysis := a.Analyze("editing src/parser.go", ctx)
	assert.Equal(t, ConclusionIncomplete, analysis.Conclusion)
}

func TestAnalyzeWaitingInput(t *testing.T) {
	a := New()

	tests := []struct {
		name   string
		output string
	}{
		{"trailing question", "I finished the refactor.\nShould I also update the documentation?"},
		{"waiting phrase", "Awaiting confirmation before deleting the branch."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis := a.Analyze(tt.output, baseContext())
			assert.Equal(t, ConclusionWaitingInput, analysis.Conclusion)
			assert.Equal(t, ActionNotifyOwner, analysis.RecommendedAction)
		})
	}
}

func TestAnalyzeIncompleteDefault(t *testing.T) {
	a := New()
	analysis := a.Analyze("editing src/parser.go\nrunning formatter", baseContext())
	assert.Equal(t, ConclusionIncomplete, analysis.Conclusion)
	assert.Equal(t, ActionInjectPrompt, analysis.RecommendedAction)
	assert.Equal(t, incompleteConfidence, analysis.Confidence)
}

func TestAnalyzeEmptyOutputUnknown(t *testing.T) {
	a := New()
	analysis := a.Analyze("   \n\n", baseContext())
	assert.Equal(t, ConclusionUnknown, analysis.Conclusion)
	assert.Equal(t, ActionNoAction, analysis.RecommendedAction)
}

func TestAnalyzeMaxIterationsOverridesEverything(t *testing.T) {
	a := New()

	ctx := baseContext()
	ctx.Iterations = 10
	ctx.MaxIterations = 10

	// Even an explicit completion phrase cannot override the bound.
	analysis := a.Analyze("Task complete, all tests passed!", ctx)

	assert.Equal(t, ConclusionMaxIterations, analysis.Conclusion)
	assert.Equal(t, ActionNotifyOwner, analysis.RecommendedAction)
	assert.Equal(t, 1.0, analysis.Confidence)
	require.Len(t, analysis.Evidence, 1)
	assert.Contains(t, analysis.Evidence[0], "reached the limit")
}

func TestAnalyzePriorityErrorOverQuestion(t *testing.T) {
	a := New()

	out := "tests failed\nShould I try a different approach?"
	analysis := a.Analyze(out, baseContext())
	assert.Equal(t, ConclusionStuckOrError, analysis.Conclusion,
		"error signals outrank question signals")
}

func TestAnalyzePriorityCompletionOverError(t *testing.T) {
	a := New()

	out := "earlier: tests failed\nfixed it, all tests pass now. Task complete."
	analysis := a.Analyze(out, baseContext())
	assert.Equal(t, ConclusionTaskComplete, analysis.Conclusion,
		"completion signals outrank error signals")
}

func TestTruncateEvidenceKeepsRuneBoundary(t *testing.T) {
	// A two-byte rune straddles the limit: byte 119 starts "é", byte 120 is
	// its continuation byte.
	line := strings.Repeat("a", 119) + "é" + strings.Repeat("b", 40)
	got := truncateEvidence(line)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 119), got)

	short := "short line"
	assert.Equal(t, short, truncateEvidence(short))
}

func TestAnalyzeEvidenceIsValidUTF8(t *testing.T) {
	a := New()

	line := "error: " + strings.Repeat("a", 112) + "é and a long tail well past the evidence limit"
	out := strings.Repeat(line+"\n", 3)
	analysis := a.Analyze(out, baseContext())

	require.NotEmpty(t, analysis.Evidence)
	for _, ev := range analysis.Evidence {
		assert.True(t, utf8.ValidString(ev), "persisted evidence must stay valid UTF-8: %q", ev)
	}
}

func TestAnalyzeCarriesCounters(t *testing.T) {
	a := New()
	analysis := a.Analyze("whatever", baseContext())
	assert.Equal(t, "task-1", analysis.TaskID)
	assert.Equal(t, 3, analysis.Iterations)
	assert.Equal(t, 10, analysis.MaxIterations)
}
