package runner

import (
	"strings"
	"sync"
)

// OutputBuffer is a thread-safe ring buffer of recent output lines. When a
// workflow is force-paused, its tail seeds the continuation context.
type OutputBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	start    int
	count    int
}

// NewOutputBuffer creates a buffer holding at most capacity lines.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &OutputBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Write appends a line, overwriting the oldest when full.
func (b *OutputBuffer) Write(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.capacity {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % b.capacity
}

// Lines returns all stored lines, oldest first.
func (b *OutputBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.capacity]
	}
	return out
}

// LastN returns the most recent n lines, oldest first.
func (b *OutputBuffer) LastN(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	first := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%b.capacity]
	}
	return out
}

// Len returns the number of stored lines.
func (b *OutputBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// String joins all stored lines with newlines.
func (b *OutputBuffer) String() string {
	return strings.Join(b.Lines(), "\n")
}
