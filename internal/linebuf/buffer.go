// Package linebuf turns a child process's raw output into batches of
// cleaned lines. Partial lines are held until their newline arrives, so the
// emitted sequence does not depend on how the output was chunked.
package linebuf

import (
	"bytes"
	"sync"
	"time"

	"qchat-relay/internal/clock"
)

// Defaults for Config.
const (
	DefaultMaxLines = 10
	DefaultMaxWait  = 500 * time.Millisecond
)

// Config bounds a batch by size and age.
type Config struct {
	MaxLines int
	MaxWait  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxLines <= 0 {
		c.MaxLines = DefaultMaxLines
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	return c
}

// FlushFunc receives each batch. It is called with the buffer's lock
// held, so batches for one buffer are delivered strictly in order.
type FlushFunc func(lines []string)

// Buffer accumulates output for one session. It is safe for concurrent
// writers; stdout and stderr may share a Buffer.
type Buffer struct {
	cfg     Config
	clk     clock.Clock
	onFlush FlushFunc

	mu      sync.Mutex
	partial []byte
	pending []string
	timer   *clock.Timer
	gen     uint64
	closed  bool
}

// New creates a Buffer. A nil clock uses the real one.
func New(cfg Config, clk clock.Clock, onFlush FlushFunc) *Buffer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Buffer{cfg: cfg.withDefaults(), clk: clk, onFlush: onFlush}
}

// Write consumes a raw chunk. It never fails; writes after Close are
// discarded.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return len(p), nil
	}

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := string(b.partial[:i])
		b.partial = b.partial[i+1:]
		b.addLocked(line)
	}
	if len(b.partial) == 0 {
		b.partial = nil
	}
	return len(p), nil
}

func (b *Buffer) addLocked(raw string) {
	line, ok := Classify(raw)
	if !ok {
		return
	}
	b.pending = append(b.pending, line)
	if len(b.pending) >= b.cfg.MaxLines {
		b.flushLocked()
		return
	}
	if len(b.pending) == 1 {
		gen := b.gen
		b.timer = b.clk.AfterFunc(b.cfg.MaxWait, func() { b.expire(gen) })
	}
}

func (b *Buffer) expire(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.closed {
		return
	}
	b.flushLocked()
}

// flushLocked emits the pending batch, if any, and disarms the timer.
func (b *Buffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if len(b.pending) == 0 {
		return
	}
	lines := b.pending
	b.pending = nil
	if b.onFlush != nil {
		b.onFlush(lines)
	}
}

// Flush emits the pending batch now.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Pending returns the number of lines waiting to be flushed.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close treats any trailing partial line as complete, flushes, and stops
// accepting writes. then runs after the final flush while the lock is
// still held, so nothing written later can overtake it.
func (b *Buffer) Close(then func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.partial) > 0 {
		line := string(b.partial)
		b.partial = nil
		if l, ok := Classify(line); ok {
			b.pending = append(b.pending, l)
		}
	}
	b.flushLocked()
	b.closed = true
	if then != nil {
		then()
	}
}
