// Package analyzer classifies an agent's apparent condition from its recent
// terminal output. Analysis is a pure function of (output, task context); it
// performs no I/O and holds no state, so the decision service can call it
// from any goroutine.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Conclusion is the analyzer's classification of the agent's state.
type Conclusion string

const (
	ConclusionTaskComplete  Conclusion = "task-complete"
	ConclusionWaitingInput  Conclusion = "waiting-input"
	ConclusionStuckOrError  Conclusion = "stuck-or-error"
	ConclusionIncomplete    Conclusion = "incomplete"
	ConclusionMaxIterations Conclusion = "max-iterations"
	ConclusionUnknown       Conclusion = "unknown"
)

// Action is the analyzer's recommended next step.
type Action string

const (
	ActionAdvanceTask    Action = "advance-task"
	ActionInjectPrompt   Action = "inject-prompt"
	ActionRetryWithHints Action = "retry-with-hints"
	ActionNotifyOwner    Action = "notify-owner"
	ActionPauseAgent     Action = "pause-agent"
	ActionNoAction       Action = "no-action"
)

// TaskContext carries the continuation counters the analyzer needs.
type TaskContext struct {
	TaskID            string
	Iterations        int
	MaxIterations     int
	ConsecutiveErrors int

	// RetryLimit is how many consecutive stuck-or-error cycles may be
	// retried before the recommendation flips to notify-owner.
	RetryLimit int

	// ExitCode is set for process-exit triggers. A nonzero code is an error
	// signal in its own right, even when the output shows nothing.
	ExitCode *int
}

// Analysis is the result of classifying one continuation event.
type Analysis struct {
	Conclusion        Conclusion
	Confidence        float64
	Evidence          []string
	RecommendedAction Action
	TaskID            string
	Iterations        int
	MaxIterations     int
}

type signalKind int

const (
	signalCompletion signalKind = iota
	signalError
	signalQuestion
)

// signalRule is one entry in the prioritized detection list. Rules are data,
// not control flow, so the set can be extended without touching Analyze.
type signalRule struct {
	kind    signalKind
	pattern *regexp.Regexp
	// describe renders the evidence line for a match.
	describe string
}

var defaultRules = []signalRule{
	{signalCompletion, regexp.MustCompile(`(?im)\b(task (is )?complete|done with the task|implementation (is )?complete)\b`), "completion phrase"},
	{signalCompletion, regexp.MustCompile(`(?im)\b(all (tasks|tests) pass(ed)?|successfully (completed|finished))\b`), "success phrase"},
	{signalCompletion, regexp.MustCompile(`(?im)\btask_complete\b|\bmark_task_complete\b|\bcomplete_task\(`), "task completion tool call"},
	{signalError, regexp.MustCompile(`(?im)^\s*(panic:|fatal( error)?:|traceback \(most recent call last\))`), "crash marker"},
	{signalError, regexp.MustCompile(`(?im)\b(build failed|tests? failed|compilation (error|failed)|cannot continue|unable to proceed|giving up)\b`), "failure phrase"},
	{signalError, regexp.MustCompile(`(?im)^\s*\S+\.go:\d+(:\d+)?: `), "compiler diagnostic"},
	{signalQuestion, regexp.MustCompile(`(?im)\b(waiting for (your|user|further)|awaiting (input|instructions|confirmation)|please (confirm|clarify|provide|let me know))\b`), "waiting phrase"},
	{signalQuestion, regexp.MustCompile(`(?m)^.{3,}\?\s*$`), "trailing question"},
}

const (
	singleSignalConfidence = 0.6
	agreeingSignalBonus    = 0.15
	maxConfidence          = 0.95
	incompleteConfidence   = 0.4
	unknownConfidence      = 0.2
)

// Analyzer applies a prioritized rule list to recent output.
type Analyzer struct {
	rules []signalRule
}

// New returns an analyzer with the default rule set.
func New() *Analyzer {
	return &Analyzer{rules: defaultRules}
}

// Analyze classifies the agent's state. The iteration bound is enforced here
// unconditionally: at or past the bound the conclusion is max-iterations no
// matter what the output says.
func (a *Analyzer) Analyze(output string, ctx TaskContext) Analysis {
	analysis := Analysis{
		TaskID:        ctx.TaskID,
		Iterations:    ctx.Iterations,
		MaxIterations: ctx.MaxIterations,
	}

	if ctx.MaxIterations > 0 && ctx.Iterations >= ctx.MaxIterations {
		analysis.Conclusion = ConclusionMaxIterations
		analysis.RecommendedAction = ActionNotifyOwner
		analysis.Confidence = 1.0
		analysis.Evidence = []string{
			fmt.Sprintf("iteration count %d has reached the limit of %d", ctx.Iterations, ctx.MaxIterations),
		}
		return analysis
	}

	matches := a.collect(output)
	if ctx.ExitCode != nil && *ctx.ExitCode != 0 {
		matches[signalError] = append(matches[signalError],
			fmt.Sprintf("process exited with code %d", *ctx.ExitCode))
	}

	switch {
	case len(matches[signalCompletion]) > 0:
		analysis.Conclusion = ConclusionTaskComplete
		analysis.RecommendedAction = ActionAdvanceTask
		analysis.Evidence = matches[signalCompletion]
		analysis.Confidence = scoreSignals(len(matches[signalCompletion]))
	case len(matches[signalError]) > 0:
		analysis.Conclusion = ConclusionStuckOrError
		analysis.Evidence = matches[signalError]
		analysis.Confidence = scoreSignals(len(matches[signalError]))
		if ctx.ConsecutiveErrors >= retryLimit(ctx) {
			analysis.RecommendedAction = ActionNotifyOwner
			analysis.Evidence = append(analysis.Evidence,
				fmt.Sprintf("%d consecutive error cycles, retry limit exhausted", ctx.ConsecutiveErrors))
		} else {
			analysis.RecommendedAction = ActionRetryWithHints
		}
	case len(matches[signalQuestion]) > 0:
		analysis.Conclusion = ConclusionWaitingInput
		analysis.RecommendedAction = ActionNotifyOwner
		analysis.Evidence = matches[signalQuestion]
		analysis.Confidence = scoreSignals(len(matches[signalQuestion]))
	case strings.TrimSpace(output) == "":
		analysis.Conclusion = ConclusionUnknown
		analysis.RecommendedAction = ActionNoAction
		analysis.Confidence = unknownConfidence
		analysis.Evidence = []string{"no output captured"}
	default:
		analysis.Conclusion = ConclusionIncomplete
		analysis.RecommendedAction = ActionInjectPrompt
		analysis.Confidence = incompleteConfidence
		analysis.Evidence = []string{"output present but no completion, error, or waiting signal found"}
	}

	return analysis
}

// collect runs every rule against the output and groups the evidence by
// signal kind. Repeated identical error lines strengthen the error signal.
func (a *Analyzer) collect(output string) map[signalKind][]string {
	matches := make(map[signalKind][]string)
	for _, rule := range a.rules {
		found := rule.pattern.FindString(output)
		if found == "" {
			continue
		}
		line := truncateEvidence(strings.TrimSpace(found))
		matches[rule.kind] = append(matches[rule.kind], fmt.Sprintf("%s: %q", rule.describe, line))
	}
	if repeated := repeatedErrorLine(output); repeated != "" {
		matches[signalError] = append(matches[signalError],
			fmt.Sprintf("repeated identical error line: %q", repeated))
	}
	return matches
}

// repeatedErrorLine finds an error-looking line that appears three or more
// times, a sign the agent is looping on the same failure.
func repeatedErrorLine(output string) string {
	counts := make(map[string]int)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(strings.ToLower(line), "error") {
			continue
		}
		counts[line]++
		if counts[line] >= 3 {
			return truncateEvidence(line)
		}
	}
	return ""
}

const evidenceLineLimit = 120

// truncateEvidence shortens a line to the evidence limit, backing up to a
// rune boundary so persisted evidence stays valid UTF-8.
func truncateEvidence(line string) string {
	if len(line) <= evidenceLineLimit {
		return line
	}
	cut := evidenceLineLimit
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}

func scoreSignals(n int) float64 {
	score := singleSignalConfidence + float64(n-1)*agreeingSignalBonus
	if score > maxConfidence {
		return maxConfidence
	}
	return score
}

func retryLimit(ctx TaskContext) int {
	if ctx.RetryLimit <= 0 {
		return 1
	}
	return ctx.RetryLimit
}
