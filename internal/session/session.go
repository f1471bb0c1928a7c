// Package session owns pseudo-terminal-backed agent processes.
//
// Each session wraps one OS process attached to a pty. The backend is the
// sole owner of the process handle; monitors and the decision service refer
// to sessions by name and interact through the Backend API only.
package session

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// Info describes a session's externally visible state.
type Info struct {
	Name        string     `json:"name"`
	AgentID     string     `json:"agent_id"`
	ProjectPath string     `json:"project_path"`
	Live        bool       `json:"live"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	ExitedAt    *time.Time `json:"exited_at,omitempty"`
}

// Options configures session creation.
type Options struct {
	AgentID        string            // owning agent identity
	Command        []string          // argv of the agent process; required
	Env            map[string]string // extra environment, merged over the parent env
	Cols           int               // terminal width; backend default when <= 0
	Rows           int               // terminal height; backend default when <= 0
	BufferMaxBytes int64             // raw output buffer bound; backend default when <= 0
}

// ExitCallback receives the session's exit code. Each registered callback
// fires exactly once, whether the process died on its own or was terminated.
type ExitCallback func(exitCode int)

// session is one live pty-backed process.
type session struct {
	info   Info
	cmd    *exec.Cmd
	ptmx   *os.File
	screen *screen
	buffer *ringBuffer

	stopOnce   sync.Once
	stopSignal chan struct{}
	readDone   chan struct{} // closed when the output reader returns
	waitDone   chan struct{} // closed when wait() returns

	mu            sync.Mutex
	exited        bool
	exitCode      int
	exitCallbacks []ExitCallback
}

// snapshot copies the session info under lock.
func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// addExitCallback registers cb, or returns it for immediate invocation when
// the session already exited. The caller invokes returned callbacks outside
// the session lock.
func (s *session) addExitCallback(cb ExitCallback) (fireNow bool, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return true, s.exitCode
	}
	s.exitCallbacks = append(s.exitCallbacks, cb)
	return false, 0
}

// markExited records the exit code and returns the callbacks to fire.
// Subsequent calls return nil, guaranteeing single-fire semantics.
func (s *session) markExited(code int, at time.Time) []ExitCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return nil
	}
	s.exited = true
	s.exitCode = code
	s.info.Live = false
	s.info.ExitCode = &code
	s.info.ExitedAt = &at
	cbs := s.exitCallbacks
	s.exitCallbacks = nil
	return cbs
}

func (s *session) isExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
