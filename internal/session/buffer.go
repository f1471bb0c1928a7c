package session

import (
	"strings"
	"sync"
	"time"
)

// OutputChunk is a single piece of captured session output.
type OutputChunk struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ringBuffer provides memory-bounded FIFO storage for raw session output.
// When the buffer exceeds maxBytes, the oldest chunks are evicted. Unlike
// the emulated screen, the raw buffer preserves output that scrolled past
// the visible rows, which is where long crash traces usually end up.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []OutputChunk
}

// newRingBuffer creates a ring buffer with the specified size limit.
// Defaults to 2MB if maxBytes <= 0.
func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

// append adds a new output chunk, evicting oldest chunks if over the size limit.
func (b *ringBuffer) append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))

	for b.size > b.maxBytes && len(b.chunks) > 0 {
		removed := b.chunks[0]
		b.size -= int64(len(removed.Data))
		b.chunks = b.chunks[1:]
	}
}

// tail returns up to maxBytes of the most recent raw output. The cut falls on
// a chunk boundary, so the result starts at a point the pty actually produced.
func (b *ringBuffer) tail(maxBytes int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int
	start := len(b.chunks)
	for start > 0 && total+len(b.chunks[start-1].Data) <= maxBytes {
		start--
		total += len(b.chunks[start].Data)
	}

	var sb strings.Builder
	sb.Grow(total)
	for _, chunk := range b.chunks[start:] {
		sb.WriteString(chunk.Data)
	}
	return sb.String()
}

// lastWriteAt returns the timestamp of the newest chunk, zero if the session
// never produced output.
func (b *ringBuffer) lastWriteAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return time.Time{}
	}
	return b.chunks[len(b.chunks)-1].Timestamp
}
