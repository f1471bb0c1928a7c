// Package monitor provides the detectors that watch agent sessions for
// stalls: output-idle polling and heartbeat staleness sweeps.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/continuity/continuity/internal/clock"
	"github.com/continuity/continuity/internal/common/logger"
	"github.com/continuity/continuity/internal/continuation"
	"github.com/continuity/continuity/internal/session"
)

// OutputCapturer captures a stable snapshot of a session's recent output and
// reports when output last arrived. Implemented by the session backend.
type OutputCapturer interface {
	CaptureRecentOutput(name string, lineCount int) (string, error)
	LastOutputAt(name string) (time.Time, error)
}

// Submitter ingests detector events. Implemented by the continuation bus.
type Submitter interface {
	Submit(ev *continuation.Event)
}

// ActivityConfig tunes the output-idle detector.
type ActivityConfig struct {
	PollInterval     time.Duration // sampling period
	CyclesBeforeIdle int           // consecutive unchanged samples before firing
	CaptureLines     int           // lines captured per sample
}

// DefaultActivityConfig returns the design defaults: 2-minute polls, two
// unchanged cycles before an idle trigger.
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		PollInterval:     2 * time.Minute,
		CyclesBeforeIdle: 2,
		CaptureLines:     40,
	}
}

// trackedOutput is the monitor's only per-session state: the last sample and
// when output last changed.
type trackedOutput struct {
	agentID     string
	projectPath string
	lastSample  string
	lastChanged time.Time
	everOutput  bool
	unchanged   int
}

// ActivityMonitor polls tracked sessions' recent output and declares a
// session idle when the snapshot is byte-identical across consecutive cycles.
type ActivityMonitor struct {
	logger    *logger.Logger
	clk       clock.Clock
	config    ActivityConfig
	capturer  OutputCapturer
	submitter Submitter

	mu       sync.Mutex
	sessions map[string]*trackedOutput

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewActivityMonitor creates an output-idle detector.
func NewActivityMonitor(cfg ActivityConfig, capturer OutputCapturer, submitter Submitter, clk clock.Clock, log *logger.Logger) *ActivityMonitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Minute
	}
	if cfg.CyclesBeforeIdle < 1 {
		cfg.CyclesBeforeIdle = 2
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 40
	}
	return &ActivityMonitor{
		logger:    log.WithFields(zap.String("component", "activity-monitor")),
		clk:       clk,
		config:    cfg,
		capturer:  capturer,
		submitter: submitter,
		sessions:  make(map[string]*trackedOutput),
	}
}

// Track begins polling a session. Tracking an already-tracked session resets
// its sampling state.
func (m *ActivityMonitor) Track(info session.Info) {
	m.mu.Lock()
	m.sessions[info.Name] = &trackedOutput{
		agentID:     info.AgentID,
		projectPath: info.ProjectPath,
		lastChanged: m.clk.Now(),
	}
	m.mu.Unlock()
	m.logger.Debug("tracking session", zap.String("session", info.Name))
}

// Untrack stops polling a session.
func (m *ActivityMonitor) Untrack(name string) {
	m.mu.Lock()
	delete(m.sessions, name)
	m.mu.Unlock()
	m.logger.Debug("untracked session", zap.String("session", name))
}

// Start begins the polling loop.
func (m *ActivityMonitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.pollLoop(ctx)

	m.logger.Info("activity monitor started",
		zap.Duration("poll_interval", m.config.PollInterval),
		zap.Int("cycles_before_idle", m.config.CyclesBeforeIdle))
}

// Stop halts the polling loop.
func (m *ActivityMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("activity monitor stopped")
}

func (m *ActivityMonitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollAll()
		}
	}
}

// pollAll samples every tracked session once. Capture failures are logged and
// retried on the next cycle; they never stop the loop.
func (m *ActivityMonitor) pollAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.pollSession(name)
	}
}

func (m *ActivityMonitor) pollSession(name string) {
	sample, err := m.capturer.CaptureRecentOutput(name, m.config.CaptureLines)
	if err != nil {
		m.logger.Debug("output capture failed, will retry next cycle",
			zap.String("session", name),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	st, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := m.clk.Now()

	if sample != st.lastSample {
		st.lastSample = sample
		st.lastChanged = now
		st.unchanged = 0
		if sample != "" {
			st.everOutput = true
		}
		m.mu.Unlock()
		return
	}

	// A session that has never produced output is not idle, only quiet.
	if !st.everOutput {
		m.mu.Unlock()
		return
	}

	st.unchanged++
	fire := st.unchanged%m.config.CyclesBeforeIdle == 0
	idleFor := now.Sub(st.lastChanged)
	ev := &continuation.Event{}
	if fire {
		// The raw buffer's write timestamp beats poll-granularity inference
		// when the backend provides one.
		if at, err := m.capturer.LastOutputAt(name); err == nil && !at.IsZero() && at.Before(now) {
			idleFor = now.Sub(at)
		}
		ev = continuation.NewEvent(continuation.TriggerOutputIdle, name, st.agentID, st.projectPath, now)
		ev.LastOutput = sample
		ev.IdleDuration = idleFor
	}
	m.mu.Unlock()

	if fire {
		m.logger.Info("session output idle",
			zap.String("session", name),
			zap.Duration("idle_for", idleFor))
		m.submitter.Submit(ev)
	}
}
