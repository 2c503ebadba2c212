package client

import (
	"sync"

	"qchat-relay/internal/terminal"
)

// Scrollback is a fixed-capacity circular buffer of finalized blocks. Once
// full, the oldest block is overwritten.
type Scrollback struct {
	mu       sync.RWMutex
	buf      []terminal.Block
	capacity int
	pos      int // next write position
	full     bool
}

// NewScrollback creates a scrollback holding up to capacity blocks.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollback
	}
	return &Scrollback{
		buf:      make([]terminal.Block, capacity),
		capacity: capacity,
	}
}

// Write appends a block.
func (sb *Scrollback) Write(b terminal.Block) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.buf[sb.pos] = b
	sb.pos = (sb.pos + 1) % sb.capacity
	if sb.pos == 0 {
		sb.full = true
	}
}

// Len returns the number of blocks held.
func (sb *Scrollback) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.full {
		return sb.capacity
	}
	return sb.pos
}

// ReadAll returns the held blocks oldest first.
func (sb *Scrollback) ReadAll() []terminal.Block {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if !sb.full {
		result := make([]terminal.Block, sb.pos)
		copy(result, sb.buf[:sb.pos])
		return result
	}

	result := make([]terminal.Block, sb.capacity)
	copy(result, sb.buf[sb.pos:])
	copy(result[sb.capacity-sb.pos:], sb.buf[:sb.pos])
	return result
}
