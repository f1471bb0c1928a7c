// Package decision consumes published continuation events, classifies the
// agent's state, and executes the chosen continuation action against the
// session and the task's continuation record.
package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/continuity/continuity/internal/analyzer"
	"github.com/continuity/continuity/internal/clock"
	apperrors "github.com/continuity/continuity/internal/common/errors"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/continuation"
	"github.com/continuity/continuity/internal/events"
	"github.com/continuity/continuity/internal/events/bus"
	"github.com/continuity/continuity/internal/prompt"
	"github.com/continuity/continuity/internal/ticket"
)

// State is the per-task position in the continuation state machine.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateDeciding  State = "deciding"
	StateActing    State = "acting"
	StateComplete  State = "complete"
	StateEscalated State = "escalated"
	StatePaused    State = "paused"
)

// SessionGateway is the slice of the session backend the decision service
// needs: inject input, capture output, pause.
type SessionGateway interface {
	Write(name string, data []byte) error
	CaptureRecentOutput(name string, lineCount int) (string, error)
	Terminate(ctx context.Context, name string) error
}

// GateChecker refreshes quality gate results before task completion is
// granted. Implementations run the external typecheck/test/lint runners.
type GateChecker interface {
	CheckGates(ctx context.Context, record *ticket.Record) (map[string]ticket.GateResult, error)
}

// Config bounds the decision service's behavior.
type Config struct {
	AnalysisTimeout       time.Duration
	ActionTimeout         time.Duration
	DefaultMaxIterations  int
	AbsoluteMaxIterations int
	ErrorRetryLimit       int
	HistoryCap            int
	CaptureLines          int
}

func (c Config) withDefaults() Config {
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 10 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 10
	}
	if c.AbsoluteMaxIterations <= 0 {
		c.AbsoluteMaxIterations = 25
	}
	if c.ErrorRetryLimit <= 0 {
		c.ErrorRetryLimit = 1
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = ticket.DefaultHistoryCap
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = 40
	}
	return c
}

// Service drives the continuation state machine. Events for the same session
// are processed strictly sequentially; the per-session lock plus the store's
// per-task locking keep iteration increments race-free.
type Service struct {
	logger   *logger.Logger
	clk      clock.Clock
	cfg      Config
	store    ticket.Store
	sessions SessionGateway
	analyzer *analyzer.Analyzer
	renderer *prompt.Renderer
	gates    GateChecker
	eventBus bus.EventBus

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	states       map[string]State
}

// NewService wires the decision service. gates and eventBus may be nil.
func NewService(cfg Config, store ticket.Store, sessions SessionGateway, gates GateChecker, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{
		logger:       log.WithFields(zap.String("component", "decision-service")),
		clk:          clk,
		cfg:          cfg.withDefaults(),
		store:        store,
		sessions:     sessions,
		analyzer:     analyzer.New(),
		renderer:     prompt.NewDefaultRenderer(),
		gates:        gates,
		eventBus:     eventBus,
		sessionLocks: make(map[string]*sync.Mutex),
		states:       make(map[string]State),
	}
}

// SetRenderer replaces the continuation message template.
func (s *Service) SetRenderer(r *prompt.Renderer) {
	s.renderer = r
}

// TaskState returns the tracked state for a task, StateIdle if unknown.
func (s *Service) TaskState(taskID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[taskID]; ok {
		return st
	}
	return StateIdle
}

// Activate marks a task as watched. Called when its session starts.
func (s *Service) Activate(taskID string) {
	s.setState(taskID, StateActive)
}

// Deactivate forgets a task's state. Called when its session is untracked.
func (s *Service) Deactivate(taskID string) {
	s.mu.Lock()
	delete(s.states, taskID)
	s.mu.Unlock()
}

// HandleEvent is the continuation bus handler. One decision cycle: load
// record, analyze, execute the recommended action, persist the outcome. Any
// failure leaves the record unmodified and the event unresolved; the next
// detector trigger retries.
func (s *Service) HandleEvent(ctx context.Context, ev *continuation.Event) error {
	lock := s.sessionLock(ev.SessionName)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.WithSession(ev.SessionName).WithFields(
		zap.String("trigger", string(ev.Trigger)),
		zap.String("event_id", ev.ID))

	record, err := s.store.FindBySession(ctx, ev.SessionName)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Debug("no open task for session, ignoring event")
			return nil
		}
		return fmt.Errorf("failed to load continuation record: %w", err)
	}

	s.setState(record.TaskID, StateDeciding)

	output := ev.LastOutput
	if output == "" {
		output, err = s.sessions.CaptureRecentOutput(ev.SessionName, s.cfg.CaptureLines)
		if err != nil {
			if apperrors.IsNotFound(err) || apperrors.IsClosed(err) {
				// Session vanished mid-cycle; the exit trigger owns
				// any follow-up.
				if ev.Trigger != continuation.TriggerProcessExit {
					log.Debug("session gone, aborting decision cycle")
					s.setState(record.TaskID, StateActive)
					return nil
				}
				output = ""
			} else {
				return fmt.Errorf("failed to capture output: %w", err)
			}
		}
	}

	maxIter := s.effectiveMaxIterations(record)
	analysis, err := s.analyze(ctx, ev.SessionName, output, analyzer.TaskContext{
		TaskID:            record.TaskID,
		Iterations:        record.Iterations,
		MaxIterations:     maxIter,
		ConsecutiveErrors: record.ConsecutiveErrors,
		RetryLimit:        s.cfg.ErrorRetryLimit,
		ExitCode:          ev.ExitCode,
	})
	if err != nil {
		s.setState(record.TaskID, StateActive)
		return err
	}

	log.Info("analysis complete",
		zap.String("task_id", record.TaskID),
		zap.String("conclusion", string(analysis.Conclusion)),
		zap.String("action", string(analysis.RecommendedAction)),
		zap.Float64("confidence", analysis.Confidence))

	s.setState(record.TaskID, StateActing)
	if err := s.execute(ctx, ev, record, analysis); err != nil {
		s.setState(record.TaskID, StateActive)
		return err
	}
	return nil
}

// analyze runs the pure analyzer under the analysis deadline. The analyzer
// holds no state, so an abandoned run is harmless.
func (s *Service) analyze(ctx context.Context, sessionName, output string, tc analyzer.TaskContext) (analyzer.Analysis, error) {
	done := make(chan analyzer.Analysis, 1)
	go func() {
		done <- s.analyzer.Analyze(output, tc)
	}()

	timer := time.NewTimer(s.cfg.AnalysisTimeout)
	defer timer.Stop()
	select {
	case analysis := <-done:
		return analysis, nil
	case <-timer.C:
		return analyzer.Analysis{}, apperrors.AnalysisTimeout(sessionName, context.DeadlineExceeded)
	case <-ctx.Done():
		return analyzer.Analysis{}, ctx.Err()
	}
}

// execute carries out the recommended action under the action deadline.
func (s *Service) execute(ctx context.Context, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis) error {
	actionCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	action := analysis.RecommendedAction

	// Defensive bound check, independent of the analyzer's. Continuation
	// is only allowed when both agree the bound is not reached.
	maxIter := s.effectiveMaxIterations(record)
	if (action == analyzer.ActionInjectPrompt || action == analyzer.ActionRetryWithHints) &&
		record.Iterations >= maxIter {
		analysis.Evidence = append(analysis.Evidence,
			apperrors.IterationLimitExceeded(record.TaskID, record.Iterations, maxIter).Error())
		analysis.Conclusion = analyzer.ConclusionMaxIterations
		action = analyzer.ActionNotifyOwner
	}

	// Once the process exited there is no session left to prompt, and no
	// further detector trigger will ever arrive for it. Anything short of
	// completion must end in the owner's hands, not a silent drop.
	if ev.Trigger == continuation.TriggerProcessExit {
		switch action {
		case analyzer.ActionInjectPrompt, analyzer.ActionRetryWithHints, analyzer.ActionNoAction:
			analysis.Evidence = append(analysis.Evidence, exitEvidence(ev))
			action = analyzer.ActionNotifyOwner
		}
	}

	var err error
	switch action {
	case analyzer.ActionInjectPrompt:
		err = s.injectPrompt(actionCtx, ev, record, analysis, s.conclusionHints(analysis))
	case analyzer.ActionRetryWithHints:
		err = s.injectPrompt(actionCtx, ev, record, analysis, analysis.Evidence)
	case analyzer.ActionAdvanceTask:
		err = s.advanceTask(actionCtx, ev, record, analysis)
	case analyzer.ActionNotifyOwner:
		err = s.escalate(actionCtx, ev, record, analysis)
	case analyzer.ActionPauseAgent:
		err = s.pause(actionCtx, ev, record, analysis)
	case analyzer.ActionNoAction:
		s.setState(record.TaskID, StateActive)
	default:
		s.logger.Warn("unknown recommended action",
			zap.String("action", string(action)),
			zap.String("task_id", record.TaskID))
		s.setState(record.TaskID, StateActive)
	}

	if err != nil && actionCtx.Err() == context.DeadlineExceeded {
		return apperrors.ActionTimeout(ev.SessionName, err)
	}
	return err
}

// injectPrompt writes a continuation message into the session, then records
// the iteration. The session write happens first so a failed write never
// bumps the counter.
func (s *Service) injectPrompt(ctx context.Context, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis, hints []string) error {
	message, err := s.renderer.Render(prompt.Vars{
		TaskID:     record.TaskID,
		TaskTitle:  record.Title,
		Iteration:  record.Iterations + 1,
		MaxIter:    s.effectiveMaxIterations(record),
		Trigger:    string(ev.Trigger),
		Conclusion: string(analysis.Conclusion),
		Hints:      hints,
		Notes:      record.Notes,
	})
	if err != nil {
		return err
	}

	if err := s.sessions.Write(ev.SessionName, []byte(message)); err != nil {
		return fmt.Errorf("failed to inject continuation prompt: %w", err)
	}

	now := s.clk.Now()
	updated, err := s.store.Update(ctx, record.TaskID, func(r *ticket.Record) error {
		r.Iterations++
		r.LastIteration = now
		if analysis.Conclusion == analyzer.ConclusionStuckOrError {
			r.ConsecutiveErrors++
		} else {
			r.ConsecutiveErrors = 0
		}
		r.AppendHistory(ticket.HistoryEntry{
			Timestamp:  now,
			Trigger:    string(ev.Trigger),
			Action:     string(analyzer.ActionInjectPrompt),
			Conclusion: string(analysis.Conclusion),
			Evidence:   analysis.Evidence,
		}, s.cfg.HistoryCap)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}

	s.setState(record.TaskID, StateActive)
	s.publishDecision(ctx, events.ContinuationDecided, ev, updated, analysis)
	return nil
}

// advanceTask marks the task complete, but only when every required quality
// gate passes. Otherwise the cycle degrades to a continuation prompt carrying
// the failing gate names.
func (s *Service) advanceTask(ctx context.Context, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis) error {
	if s.gates != nil {
		results, err := s.gates.CheckGates(ctx, record)
		if err != nil {
			return fmt.Errorf("failed to refresh quality gates: %w", err)
		}
		record, err = s.store.Update(ctx, record.TaskID, func(r *ticket.Record) error {
			for name, result := range results {
				r.QualityGates[name] = result
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record gate results: %w", err)
		}
	}

	if !record.GatesPassed() {
		failing := record.FailingGates()
		hints := make([]string, 0, len(failing))
		for _, gate := range failing {
			hints = append(hints, fmt.Sprintf("quality gate %q is failing and must pass before the task can be completed", gate))
		}
		analysis.Conclusion = analyzer.ConclusionIncomplete
		analysis.Evidence = append(analysis.Evidence,
			fmt.Sprintf("completion blocked by failing gates: %v", failing))
		s.logger.Info("completion blocked by quality gates",
			zap.String("task_id", record.TaskID),
			zap.Strings("failing_gates", failing))
		return s.injectPrompt(ctx, ev, record, analysis, hints)
	}

	now := s.clk.Now()
	updated, err := s.store.Update(ctx, record.TaskID, func(r *ticket.Record) error {
		r.Status = ticket.StatusComplete
		r.AppendHistory(ticket.HistoryEntry{
			Timestamp:  now,
			Trigger:    string(ev.Trigger),
			Action:     string(analyzer.ActionAdvanceTask),
			Conclusion: string(analysis.Conclusion),
			Evidence:   analysis.Evidence,
		}, s.cfg.HistoryCap)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark task complete: %w", err)
	}

	s.setState(record.TaskID, StateComplete)
	s.logger.Info("task complete", zap.String("task_id", record.TaskID))
	s.publishDecision(ctx, events.ContinuationDecided, ev, updated, analysis)
	return nil
}

// escalate hands the task to a human. The history entry carries the full
// evidence so the owner can see why automatic continuation stopped.
func (s *Service) escalate(ctx context.Context, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis) error {
	now := s.clk.Now()
	updated, err := s.store.Update(ctx, record.TaskID, func(r *ticket.Record) error {
		r.Status = ticket.StatusEscalated
		if analysis.Conclusion == analyzer.ConclusionStuckOrError {
			r.ConsecutiveErrors++
		}
		r.AppendHistory(ticket.HistoryEntry{
			Timestamp:  now,
			Trigger:    string(ev.Trigger),
			Action:     string(analyzer.ActionNotifyOwner),
			Conclusion: string(analysis.Conclusion),
			Evidence:   analysis.Evidence,
		}, s.cfg.HistoryCap)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record escalation: %w", err)
	}

	s.setState(record.TaskID, StateEscalated)
	s.logger.Warn("task escalated to owner",
		zap.String("task_id", record.TaskID),
		zap.String("conclusion", string(analysis.Conclusion)),
		zap.Strings("evidence", analysis.Evidence))
	s.publishDecision(ctx, events.ContinuationEscalated, ev, updated, analysis)
	return nil
}

// pause terminates the session and parks the task.
func (s *Service) pause(ctx context.Context, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis) error {
	if err := s.sessions.Terminate(ctx, ev.SessionName); err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("failed to pause session: %w", err)
	}

	now := s.clk.Now()
	updated, err := s.store.Update(ctx, record.TaskID, func(r *ticket.Record) error {
		r.Status = ticket.StatusPaused
		r.AppendHistory(ticket.HistoryEntry{
			Timestamp:  now,
			Trigger:    string(ev.Trigger),
			Action:     string(analyzer.ActionPauseAgent),
			Conclusion: string(analysis.Conclusion),
			Evidence:   analysis.Evidence,
		}, s.cfg.HistoryCap)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record pause: %w", err)
	}

	s.setState(record.TaskID, StatePaused)
	s.publishDecision(ctx, events.ContinuationDecided, ev, updated, analysis)
	return nil
}

// exitEvidence renders the audit line for an exit that could not continue.
func exitEvidence(ev *continuation.Event) string {
	if ev.ExitCode != nil {
		return fmt.Sprintf("session exited with code %d; no continuation prompt can be delivered", *ev.ExitCode)
	}
	return "session exited; no continuation prompt can be delivered"
}

// conclusionHints derives generic continuation hints from the conclusion.
func (s *Service) conclusionHints(analysis analyzer.Analysis) []string {
	switch analysis.Conclusion {
	case analyzer.ConclusionIncomplete:
		return []string{"the previous attempt appears unfinished; pick up where it left off"}
	default:
		return analysis.Evidence
	}
}

// effectiveMaxIterations clamps the record's own bound by the configured
// absolute ceiling, so a corrupt record can never authorize unbounded
// continuation.
func (s *Service) effectiveMaxIterations(record *ticket.Record) int {
	maxIter := record.MaxIterations
	if maxIter <= 0 {
		maxIter = s.cfg.DefaultMaxIterations
	}
	if maxIter > s.cfg.AbsoluteMaxIterations {
		maxIter = s.cfg.AbsoluteMaxIterations
	}
	return maxIter
}

func (s *Service) sessionLock(sessionName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLocks[sessionName]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[sessionName] = l
	}
	return l
}

func (s *Service) setState(taskID string, state State) {
	s.mu.Lock()
	s.states[taskID] = state
	s.mu.Unlock()
}

func (s *Service) publishDecision(ctx context.Context, eventType string, ev *continuation.Event, record *ticket.Record, analysis analyzer.Analysis) {
	if s.eventBus == nil {
		return
	}
	subject := events.BuildSessionSubject(eventType, ev.SessionName)
	busEvent := bus.NewEvent(eventType, "decision-service", map[string]interface{}{
		"session_name": ev.SessionName,
		"task_id":      record.TaskID,
		"trigger":      string(ev.Trigger),
		"conclusion":   string(analysis.Conclusion),
		"action":       string(analysis.RecommendedAction),
		"iterations":   record.Iterations,
	})
	if err := s.eventBus.Publish(ctx, subject, busEvent); err != nil {
		s.logger.Warn("failed to publish decision event",
			zap.String("session", ev.SessionName),
			zap.Error(err))
	}
}
