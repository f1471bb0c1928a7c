package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/continuity/continuity/internal/common/config"
	apperrors "github.com/continuity/continuity/internal/common/errors"
	"github.com/continuity/continuity/internal/common/logger"
)

// ExitEvent is delivered to the backend-level exit listener for every
// session exit, after per-session callbacks have fired.
type ExitEvent struct {
	Name        string
	AgentID     string
	ProjectPath string
	ExitCode    int
	ExitedAt    time.Time
}

// Backend spawns and owns pty-backed agent sessions, keyed by session name.
// All methods are safe for concurrent use.
type Backend struct {
	logger   *logger.Logger
	defaults config.SessionConfig

	mu       sync.RWMutex
	sessions map[string]*session

	exitListenerMu sync.RWMutex
	exitListener   func(ExitEvent)
}

// NewBackend creates a session backend with the given pty defaults.
func NewBackend(cfg config.SessionConfig, log *logger.Logger) *Backend {
	return &Backend{
		logger:   log.WithFields(zap.String("component", "session-backend")),
		defaults: cfg,
		sessions: make(map[string]*session),
	}
}

// SetExitListener registers a listener invoked once per session exit.
// Must be called before sessions are created.
func (b *Backend) SetExitListener(fn func(ExitEvent)) {
	b.exitListenerMu.Lock()
	b.exitListener = fn
	b.exitListenerMu.Unlock()
}

// Create spawns a new pty-backed session. Creating a name that already has a
// live session fails with AlreadyExists; OS-level spawn errors are reported
// synchronously as SpawnFailure.
func (b *Backend) Create(name, workingDirectory string, opts Options) (Info, error) {
	if name == "" {
		return Info{}, apperrors.InternalError("session name is required", nil)
	}
	if len(opts.Command) == 0 {
		return Info{}, apperrors.InternalError("session command is required", nil)
	}

	cols := opts.Cols
	if cols <= 0 {
		cols = b.defaults.Cols
	}
	rows := opts.Rows
	if rows <= 0 {
		rows = b.defaults.Rows
	}
	bufferMaxBytes := opts.BufferMaxBytes
	if bufferMaxBytes <= 0 {
		bufferMaxBytes = b.defaults.BufferMaxBytes
	}

	sess := &session{
		info: Info{
			Name:        name,
			AgentID:     opts.AgentID,
			ProjectPath: workingDirectory,
			Live:        true,
			StartedAt:   time.Now().UTC(),
		},
		screen:     newScreen(cols, rows),
		buffer:     newRingBuffer(bufferMaxBytes),
		stopSignal: make(chan struct{}),
		readDone:   make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.sessions[name]; exists {
		b.mu.Unlock()
		return Info{}, apperrors.AlreadyExists("session", name)
	}
	b.sessions[name] = sess
	b.mu.Unlock()

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = workingDirectory
	cmd.Env = mergeEnv(opts.Env)

	ptmx, err := startPTY(cmd, cols, rows)
	if err != nil {
		b.mu.Lock()
		delete(b.sessions, name)
		b.mu.Unlock()
		return Info{}, apperrors.SpawnFailure(name, err)
	}

	sess.cmd = cmd
	sess.ptmx = ptmx

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	b.logger.Info("session created",
		zap.String("session", name),
		zap.String("agent_id", opts.AgentID),
		zap.String("project_path", workingDirectory),
		zap.Int("pid", pid),
		zap.Int("cols", cols),
		zap.Int("rows", rows),
	)

	go b.readOutput(sess)
	go b.wait(sess)

	return sess.snapshot(), nil
}

// Write delivers bytes verbatim to the session's input stream. No newline is
// appended; callers that want one must include it.
func (b *Backend) Write(name string, data []byte) error {
	sess, ok := b.get(name)
	if !ok {
		return apperrors.NotFound("session", name)
	}
	if sess.isExited() {
		return apperrors.Closed(name)
	}
	if _, err := sess.ptmx.Write(data); err != nil {
		if sess.isExited() {
			return apperrors.Closed(name)
		}
		return apperrors.Wrap(err, fmt.Sprintf("failed to write to session '%s'", name))
	}
	return nil
}

// CaptureRecentOutput returns the trailing lineCount lines of the session's
// emulated terminal. Two calls with no intervening output are byte-identical,
// which the activity monitor relies on for idle detection.
func (b *Backend) CaptureRecentOutput(name string, lineCount int) (string, error) {
	sess, ok := b.get(name)
	if !ok {
		return "", apperrors.NotFound("session", name)
	}
	return sess.screen.tail(lineCount), nil
}

// RawOutputTail returns up to maxBytes of the session's most recent raw pty
// output. Unlike CaptureRecentOutput it is not screen-rendered, so content
// that scrolled past the visible rows (a long stack trace) is still present.
func (b *Backend) RawOutputTail(name string, maxBytes int) (string, error) {
	sess, ok := b.get(name)
	if !ok {
		return "", apperrors.NotFound("session", name)
	}
	return sess.buffer.tail(maxBytes), nil
}

// LastOutputAt returns when the session last produced output, zero if never.
func (b *Backend) LastOutputAt(name string) (time.Time, error) {
	sess, ok := b.get(name)
	if !ok {
		return time.Time{}, apperrors.NotFound("session", name)
	}
	return sess.buffer.lastWriteAt(), nil
}

// Resize changes the session's pty and emulated screen dimensions.
func (b *Backend) Resize(name string, cols, rows int) error {
	sess, ok := b.get(name)
	if !ok {
		return apperrors.NotFound("session", name)
	}
	if err := resizePTY(sess.ptmx, cols, rows); err != nil {
		return apperrors.Wrap(err, fmt.Sprintf("failed to resize session '%s'", name))
	}
	sess.screen.resize(cols, rows)
	return nil
}

// Terminate gracefully stops a session: SIGTERM, then SIGKILL once the grace
// period elapses. Calling it on an unknown or already-exited session returns
// NotFound. Exit callbacks fire from the wait goroutine, not from here.
func (b *Backend) Terminate(ctx context.Context, name string) error {
	sess, ok := b.get(name)
	if !ok {
		return apperrors.NotFound("session", name)
	}

	sess.stopOnce.Do(func() {
		close(sess.stopSignal)
	})

	if sess.cmd != nil && sess.cmd.Process != nil {
		_ = terminateProcess(sess.cmd.Process)

		grace := b.defaults.GracePeriodDuration()
		if grace <= 0 {
			grace = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			_ = sess.cmd.Process.Kill()
		case <-time.After(grace):
			_ = sess.cmd.Process.Kill()
		case <-sess.waitDone:
			// Process exited within the grace period
		}
	}

	b.logger.Info("session terminate requested", zap.String("session", name))
	return nil
}

// OnExit registers a callback that fires exactly once with the session's exit
// code, covering both external process death and explicit termination. If the
// session already exited (but is still registered), the callback fires
// immediately on the caller's goroutine.
func (b *Backend) OnExit(name string, cb ExitCallback) error {
	sess, ok := b.get(name)
	if !ok {
		return apperrors.NotFound("session", name)
	}
	if fireNow, code := sess.addExitCallback(cb); fireNow {
		cb(code)
	}
	return nil
}

// Get returns a session's info.
func (b *Backend) Get(name string) (Info, error) {
	sess, ok := b.get(name)
	if !ok {
		return Info{}, apperrors.NotFound("session", name)
	}
	return sess.snapshot(), nil
}

// List returns info for all tracked sessions.
func (b *Backend) List() []Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Info, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// TerminateAll stops every tracked session. Used during shutdown.
func (b *Backend) TerminateAll(ctx context.Context) {
	b.mu.RLock()
	names := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		names = append(names, name)
	}
	b.mu.RUnlock()

	for _, name := range names {
		if err := b.Terminate(ctx, name); err != nil && !apperrors.IsNotFound(err) {
			b.logger.Warn("failed to terminate session during shutdown",
				zap.String("session", name),
				zap.Error(err))
		}
	}
}

func (b *Backend) get(name string) (*session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[name]
	return sess, ok
}

// readOutput streams pty output into the ring buffer and the screen emulator
// until the pty closes or the session is stopped.
func (b *Backend) readOutput(sess *session) {
	defer close(sess.readDone)

	buf := make([]byte, 4096)
	for {
		select {
		case <-sess.stopSignal:
			return
		default:
		}

		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sess.screen.write(data)
			sess.buffer.append(OutputChunk{
				Data:      string(data),
				Timestamp: time.Now().UTC(),
			})
		}
		if err != nil {
			// Pty read errors after process exit are routine (EIO on Linux)
			return
		}
	}
}

// wait reaps the process, fires exit callbacks exactly once, notifies the
// backend-level listener, and removes the session from the registry.
func (b *Backend) wait(sess *session) {
	defer close(sess.waitDone)

	exitCode, err := waitProcess(sess.cmd)
	exitedAt := time.Now().UTC()

	b.logger.Info("session exited",
		zap.String("session", sess.info.Name),
		zap.Int("exit_code", exitCode),
		zap.Error(err),
	)

	// Let the reader drain buffered pty output before listeners take their
	// final output snapshot. The pty read returns EIO once the buffer is
	// empty; the timeout covers a grandchild holding the slave open.
	select {
	case <-sess.readDone:
	case <-time.After(500 * time.Millisecond):
	}
	_ = sess.ptmx.Close()

	callbacks := sess.markExited(exitCode, exitedAt)
	for _, cb := range callbacks {
		cb(exitCode)
	}

	b.exitListenerMu.RLock()
	listener := b.exitListener
	b.exitListenerMu.RUnlock()
	if listener != nil {
		listener(ExitEvent{
			Name:        sess.info.Name,
			AgentID:     sess.info.AgentID,
			ProjectPath: sess.info.ProjectPath,
			ExitCode:    exitCode,
			ExitedAt:    exitedAt,
		})
	}

	b.mu.Lock()
	delete(b.sessions, sess.info.Name)
	b.mu.Unlock()
}

// mergeEnv merges custom environment variables over the parent environment,
// returning the "KEY=VALUE" slice exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(env)+32)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
