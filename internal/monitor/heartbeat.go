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

// HeartbeatConfig tunes the staleness detector.
type HeartbeatConfig struct {
	StaleAfter    time.Duration // how long without a heartbeat before stale
	SweepInterval time.Duration // background check period
}

// DefaultHeartbeatConfig returns the design defaults: 30-minute threshold,
// one-minute sweeps.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		StaleAfter:    30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type trackedHeartbeat struct {
	agentID      string
	projectPath  string
	trackedSince time.Time
	lastSeen     time.Time // zero until the first heartbeat
	lastFlagged  time.Time // zero until first stale trigger
}

// HeartbeatTracker records agent-reported liveness signals (tool invocations
// and the like), independent of terminal output, and flags sessions whose
// last signal is older than the threshold.
type HeartbeatTracker struct {
	logger    *logger.Logger
	clk       clock.Clock
	config    HeartbeatConfig
	submitter Submitter

	mu       sync.Mutex
	sessions map[string]*trackedHeartbeat

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewHeartbeatTracker creates a heartbeat staleness detector.
func NewHeartbeatTracker(cfg HeartbeatConfig, submitter Submitter, clk clock.Clock, log *logger.Logger) *HeartbeatTracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &HeartbeatTracker{
		logger:    log.WithFields(zap.String("component", "heartbeat-tracker")),
		clk:       clk,
		config:    cfg,
		submitter: submitter,
		sessions:  make(map[string]*trackedHeartbeat),
	}
}

// Track begins watching a session. A session that never records a heartbeat
// becomes stale once the threshold elapses from this moment, not from epoch.
func (t *HeartbeatTracker) Track(info session.Info) {
	t.mu.Lock()
	t.sessions[info.Name] = &trackedHeartbeat{
		agentID:      info.AgentID,
		projectPath:  info.ProjectPath,
		trackedSince: t.clk.Now(),
	}
	t.mu.Unlock()
}

// Untrack stops watching a session.
func (t *HeartbeatTracker) Untrack(name string) {
	t.mu.Lock()
	delete(t.sessions, name)
	t.mu.Unlock()
}

// RecordHeartbeat updates the session's last-seen time to now. Heartbeats for
// untracked sessions are ignored.
func (t *HeartbeatTracker) RecordHeartbeat(sessionName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionName]
	if !ok {
		return
	}
	st.lastSeen = t.clk.Now()
	st.lastFlagged = time.Time{}
}

// CheckStale reports whether the session's last liveness signal is older than
// the configured threshold.
func (t *HeartbeatTracker) CheckStale(sessionName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionName]
	if !ok {
		return false
	}
	return t.clk.Now().Sub(t.baseline(st)) > t.config.StaleAfter
}

// baseline returns the reference time staleness is measured from.
func (t *HeartbeatTracker) baseline(st *trackedHeartbeat) time.Time {
	if st.lastSeen.IsZero() {
		return st.trackedSince
	}
	return st.lastSeen
}

// Start begins the background sweep loop.
func (t *HeartbeatTracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.sweepLoop(ctx)

	t.logger.Info("heartbeat tracker started",
		zap.Duration("stale_after", t.config.StaleAfter),
		zap.Duration("sweep_interval", t.config.SweepInterval))
}

// Stop halts the sweep loop.
func (t *HeartbeatTracker) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.wg.Wait()
	t.logger.Info("heartbeat tracker stopped")
}

func (t *HeartbeatTracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep emits heartbeat-stale events for every stale session. A session is
// re-flagged only after another full threshold passes without a heartbeat,
// so a stuck session does not trigger on every sweep.
func (t *HeartbeatTracker) sweep() {
	now := t.clk.Now()

	t.mu.Lock()
	var fired []*continuation.Event
	for name, st := range t.sessions {
		base := t.baseline(st)
		if now.Sub(base) <= t.config.StaleAfter {
			continue
		}
		if !st.lastFlagged.IsZero() && now.Sub(st.lastFlagged) <= t.config.StaleAfter {
			continue
		}
		st.lastFlagged = now

		ev := continuation.NewEvent(continuation.TriggerHeartbeatStale, name, st.agentID, st.projectPath, now)
		if !st.lastSeen.IsZero() {
			seen := st.lastSeen
			ev.LastHeartbeat = &seen
		}
		fired = append(fired, ev)
	}
	t.mu.Unlock()

	for _, ev := range fired {
		t.logger.Info("session heartbeat stale",
			zap.String("session", ev.SessionName),
			zap.Timep("last_heartbeat", ev.LastHeartbeat))
		t.submitter.Submit(ev)
	}
}
