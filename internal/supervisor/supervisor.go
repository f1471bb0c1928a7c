// Package supervisor owns the session registry and wires the detectors,
// continuation bus, and decision service into one constructed instance.
// Nothing here is global state; independent supervisors can coexist in one
// process, which is how the tests exercise the full pipeline.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/continuity/continuity/internal/clock"
	"github.com/continuity/continuity/internal/common/config"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/continuation"
	"github.com/continuity/continuity/internal/decision"
	"github.com/continuity/continuity/internal/events"
	"github.com/continuity/continuity/internal/events/bus"
	"github.com/continuity/continuity/internal/monitor"
	"github.com/continuity/continuity/internal/session"
	"github.com/continuity/continuity/internal/ticket"
)

// Options configures a supervisor instance. Store is required; Gates and
// EventBus are optional collaborators.
type Options struct {
	Config   *config.Config
	Store    ticket.Store
	Gates    decision.GateChecker
	EventBus bus.EventBus
	Clock    clock.Clock
	Logger   *logger.Logger
}

// SessionOptions describes one agent session to start.
type SessionOptions struct {
	AgentID string
	Command []string
	Env     map[string]string
	Cols    int
	Rows    int
}

// Supervisor is the session and continuation supervisor. It owns the session
// backend and keeps the monitors, bus, and decision service in sync with the
// session lifecycle.
type Supervisor struct {
	logger       *logger.Logger
	cfg          *config.Config
	captureLines int
	clk          clock.Clock
	eventBus     bus.EventBus

	backend   *session.Backend
	activity  *monitor.ActivityMonitor
	heartbeat *monitor.HeartbeatTracker
	contBus   *continuation.Bus
	decisions *decision.Service
}

// New constructs a supervisor from its collaborators.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cfg := opts.Config
	captureLines := cfg.Supervisor.CaptureLines
	if captureLines <= 0 {
		captureLines = 40
	}

	backend := session.NewBackend(cfg.Session, log)
	contBus := continuation.NewBus(cfg.Supervisor.DebounceWindowDuration(), clk, opts.EventBus, log)

	activity := monitor.NewActivityMonitor(monitor.ActivityConfig{
		PollInterval:     cfg.Supervisor.IdlePollIntervalDuration(),
		CyclesBeforeIdle: cfg.Supervisor.IdleCyclesBeforeIdle,
	}, backend, contBus, clk, log)

	heartbeat := monitor.NewHeartbeatTracker(monitor.HeartbeatConfig{
		StaleAfter:    cfg.Supervisor.HeartbeatStaleAfterDuration(),
		SweepInterval: cfg.Supervisor.HeartbeatSweepIntervalDuration(),
	}, contBus, clk, log)

	decisions := decision.NewService(decision.Config{
		AnalysisTimeout:       cfg.Supervisor.AnalysisTimeoutDuration(),
		ActionTimeout:         cfg.Supervisor.ActionTimeoutDuration(),
		DefaultMaxIterations:  cfg.Supervisor.DefaultMaxIterations,
		AbsoluteMaxIterations: cfg.Supervisor.AbsoluteMaxIterations,
		ErrorRetryLimit:       cfg.Supervisor.ErrorRetryLimit,
		HistoryCap:            cfg.Supervisor.HistoryCap,
		CaptureLines:          captureLines,
	}, opts.Store, backend, opts.Gates, opts.EventBus, clk, log)

	s := &Supervisor{
		logger:       log.WithFields(zap.String("component", "supervisor")),
		cfg:          cfg,
		captureLines: captureLines,
		clk:          clk,
		eventBus:     opts.EventBus,
		backend:      backend,
		activity:     activity,
		heartbeat:    heartbeat,
		contBus:      contBus,
		decisions:    decisions,
	}

	contBus.Subscribe(decisions.HandleEvent)
	backend.SetExitListener(s.onSessionExit)
	return s
}

// Start launches the detector loops.
func (s *Supervisor) Start(ctx context.Context) {
	s.activity.Start(ctx)
	s.heartbeat.Start(ctx)
	s.logger.Info("supervisor started")
}

// Stop shuts everything down: detectors first so no new events arrive, then
// pending debounce timers, then the sessions themselves.
func (s *Supervisor) Stop(ctx context.Context) {
	s.activity.Stop()
	s.heartbeat.Stop()
	s.contBus.Close()
	s.backend.TerminateAll(ctx)
	s.logger.Info("supervisor stopped")
}

// StartSession spawns a pty-backed session and begins watching it.
func (s *Supervisor) StartSession(ctx context.Context, name, workingDirectory string, opts SessionOptions) (session.Info, error) {
	info, err := s.backend.Create(name, workingDirectory, session.Options{
		AgentID: opts.AgentID,
		Command: opts.Command,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		return session.Info{}, err
	}

	s.activity.Track(info)
	s.heartbeat.Track(info)
	s.publishSessionEvent(ctx, events.SessionCreated, info.Name, info.AgentID, nil)

	s.logger.Info("session started",
		zap.String("session", info.Name),
		zap.String("agent_id", info.AgentID),
		zap.String("project_path", info.ProjectPath))
	return info, nil
}

// TerminateSession stops a session and cancels everything watching it.
// Pending debounce timers are dropped first so no stale trigger fires into a
// dead session.
func (s *Supervisor) TerminateSession(ctx context.Context, name string) error {
	s.contBus.CancelSession(name)
	s.activity.Untrack(name)
	s.heartbeat.Untrack(name)

	if err := s.backend.Terminate(ctx, name); err != nil {
		return err
	}
	s.publishSessionEvent(ctx, events.SessionTerminated, name, "", nil)
	return nil
}

// WriteSession injects input into a session verbatim.
func (s *Supervisor) WriteSession(name string, data []byte) error {
	return s.backend.Write(name, data)
}

// CaptureRecentOutput returns a stable snapshot of a session's output.
func (s *Supervisor) CaptureRecentOutput(name string, lineCount int) (string, error) {
	return s.backend.CaptureRecentOutput(name, lineCount)
}

// ResizeSession resizes a session's pty.
func (s *Supervisor) ResizeSession(name string, cols, rows int) error {
	return s.backend.Resize(name, cols, rows)
}

// GetSession returns a session's current info.
func (s *Supervisor) GetSession(name string) (session.Info, error) {
	return s.backend.Get(name)
}

// ListSessions returns all known sessions.
func (s *Supervisor) ListSessions() []session.Info {
	return s.backend.List()
}

// RecordHeartbeat notes an agent liveness signal, resetting staleness.
func (s *Supervisor) RecordHeartbeat(sessionName string) {
	s.heartbeat.RecordHeartbeat(sessionName)
}

// RequestContinuation submits an explicit continuation request for a session.
// Explicit requests bypass debouncing and publish immediately.
func (s *Supervisor) RequestContinuation(sessionName, reason string) error {
	info, err := s.backend.Get(sessionName)
	if err != nil {
		return err
	}
	ev := continuation.NewEvent(continuation.TriggerExplicitRequest,
		info.Name, info.AgentID, info.ProjectPath, s.clk.Now())
	ev.Reason = reason
	s.contBus.Submit(ev)
	return nil
}

// TaskState reports the decision service's state machine position for a task.
func (s *Supervisor) TaskState(taskID string) decision.State {
	return s.decisions.TaskState(taskID)
}

// onSessionExit runs once per session exit, covering external process death
// as well as explicit termination. The exit itself is a continuation trigger;
// the final output snapshot must be taken here, while the session is still
// registered, because the registry entry is gone by the time the debounced
// event reaches the decision service.
func (s *Supervisor) onSessionExit(ev session.ExitEvent) {
	s.activity.Untrack(ev.Name)
	s.heartbeat.Untrack(ev.Name)
	s.contBus.CancelSession(ev.Name)

	output, err := s.backend.CaptureRecentOutput(ev.Name, s.captureLines)
	if err != nil || output == "" {
		// The screen can be blank when the agent cleared it on the way out;
		// the raw buffer still holds whatever was printed.
		if raw, rawErr := s.backend.RawOutputTail(ev.Name, 16*1024); rawErr == nil && raw != "" {
			output = raw
		}
	}

	code := ev.ExitCode
	contEv := continuation.NewEvent(continuation.TriggerProcessExit,
		ev.Name, ev.AgentID, ev.ProjectPath, ev.ExitedAt)
	contEv.ExitCode = &code
	contEv.LastOutput = output
	s.contBus.Submit(contEv)

	s.publishSessionEvent(context.Background(), events.SessionExited, ev.Name, ev.AgentID, map[string]interface{}{
		"exit_code": ev.ExitCode,
		"exited_at": ev.ExitedAt.Format(time.RFC3339),
	})

	s.logger.Info("session exited",
		zap.String("session", ev.Name),
		zap.Int("exit_code", ev.ExitCode))
}

func (s *Supervisor) publishSessionEvent(ctx context.Context, eventType, name, agentID string, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"session_name": name,
	}
	if agentID != "" {
		data["agent_id"] = agentID
	}
	for k, v := range extra {
		data[k] = v
	}
	subject := events.BuildSessionSubject(eventType, name)
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "supervisor", data)); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("session", name),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
