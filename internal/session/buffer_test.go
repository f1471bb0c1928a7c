package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	buf := newRingBuffer(10)

	buf.append(OutputChunk{Data: "aaaa", Timestamp: time.Now()})
	buf.append(OutputChunk{Data: "bbbb", Timestamp: time.Now()})
	buf.append(OutputChunk{Data: "cccc", Timestamp: time.Now()})

	assert.Equal(t, "bbbbcccc", buf.tail(1024))
}

func TestRingBufferTailBoundsBytes(t *testing.T) {
	buf := newRingBuffer(1024)
	buf.append(OutputChunk{Data: "first chunk\n"})
	buf.append(OutputChunk{Data: "second chunk\n"})
	buf.append(OutputChunk{Data: "third chunk\n"})

	// The cut falls on a chunk boundary, newest chunks first to go in.
	assert.Equal(t, "second chunk\nthird chunk\n", buf.tail(30))
	assert.Equal(t, "third chunk\n", buf.tail(12))
	assert.Equal(t, "", buf.tail(5))
}

func TestRingBufferLastWriteAt(t *testing.T) {
	buf := newRingBuffer(1024)
	assert.True(t, buf.lastWriteAt().IsZero(), "no output yet")

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)
	buf.append(OutputChunk{Data: "one", Timestamp: first})
	buf.append(OutputChunk{Data: "two", Timestamp: second})

	assert.Equal(t, second, buf.lastWriteAt())
}

func TestRingBufferDefaultLimit(t *testing.T) {
	buf := newRingBuffer(0)
	assert.Equal(t, int64(2*1024*1024), buf.maxBytes)
}

func TestScreenTailStableAcrossCaptures(t *testing.T) {
	s := newScreen(80, 24)
	s.write([]byte("building project\r\nstep 1 done\r\nstep 2 done\r\n"))

	first := s.tail(10)
	second := s.tail(10)
	assert.Equal(t, first, second, "repeated captures with no writes must be byte-identical")
	assert.Contains(t, first, "step 2 done")
}

func TestScreenTailResolvesEscapeSequences(t *testing.T) {
	s := newScreen(80, 24)
	// Overwrite a spinner line in place, as agent TUIs do.
	s.write([]byte("working |\r"))
	s.write([]byte("working /\r"))
	s.write([]byte("working -\r"))

	out := s.tail(5)
	assert.Equal(t, "working -", out)
}

func TestScreenTailLimitsLineCount(t *testing.T) {
	s := newScreen(80, 24)
	s.write([]byte("line 1\r\nline 2\r\nline 3\r\nline 4\r\n"))

	out := s.tail(2)
	assert.Equal(t, "line 3\nline 4", out)
}

func TestScreenTailEmpty(t *testing.T) {
	s := newScreen(80, 24)
	assert.Equal(t, "", s.tail(10))
}
