package terminal

import (
	"sync"
)

// Scrollback captures terminal output in a byte ring buffer, independent of
// the replay window. It serves on-demand full-state reads (including after
// the process has exited) without unbounded memory growth.
type Scrollback struct {
	buffer    []byte
	size      int
	writePos  int
	wrapped   bool
	truncated bool
	mu        sync.RWMutex
}

func NewScrollback(size int) *Scrollback {
	if size <= 0 {
		size = 4 << 20
	}
	return &Scrollback{
		buffer: make([]byte, size),
		size:   size,
	}
}

func (s *Scrollback) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range p {
		s.buffer[s.writePos] = b
		s.writePos++
		if s.writePos >= s.size {
			s.writePos = 0
			s.wrapped = true
			s.truncated = true
		}
	}

	return len(p), nil
}

// Snapshot returns all captured output (handles ring buffer wrap) and whether
// older output was truncated to stay within the cap.
func (s *Scrollback) Snapshot() (output string, truncated bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.wrapped {
		return string(s.buffer[:s.writePos]), s.truncated
	}

	// Buffer wrapped - reconstruct in order
	output = string(s.buffer[s.writePos:]) + string(s.buffer[:s.writePos])
	return output, s.truncated
}

// Clear resets the buffer.
func (s *Scrollback) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writePos = 0
	s.wrapped = false
	s.truncated = false
}
