package session

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// screen renders raw pty output through a virtual terminal emulator so that
// captured output reflects what the agent's terminal actually shows (escape
// sequences applied, cursor movement resolved). Rendering the emulated screen
// rather than the raw byte stream is what makes repeated captures of an
// unchanged session byte-identical.
type screen struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func newScreen(cols, rows int) *screen {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return &screen{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// write feeds raw pty output to the emulator.
func (s *screen) write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(data)
}

// resize updates the emulated terminal size.
func (s *screen) resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// tail returns up to lineCount trailing non-blank-padded lines of the visible
// screen, joined with newlines. Trailing whitespace is trimmed per line and
// blank lines below the last content row are dropped.
func (s *screen) tail(lineCount int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, s.rows)
	for row := 0; row < s.rows; row++ {
		var sb strings.Builder
		for col := 0; col < s.cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				sb.WriteRune(' ')
			} else {
				sb.WriteRune(g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}

	// Drop trailing blank rows
	last := len(lines)
	for last > 0 && lines[last-1] == "" {
		last--
	}
	lines = lines[:last]

	if lineCount > 0 && len(lines) > lineCount {
		lines = lines[len(lines)-lineCount:]
	}
	return strings.Join(lines, "\n")
}
