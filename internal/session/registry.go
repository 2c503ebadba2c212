// Package session owns the running chat processes, one per (client,
// session) key, and reports their output and lifecycle to an Emitter.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"qchat-relay/internal/clock"
	"qchat-relay/internal/linebuf"
	"qchat-relay/internal/protocol"
)

const (
	defaultStopGrace = 5 * time.Second
	terminalEnv      = "TERM=xterm-256color"
)

// DefaultCommand is the chat tool started for each session.
var DefaultCommand = []string{"q", "chat"}

// Config controls how sessions are started.
type Config struct {
	Command     []string
	Env         []string // appended to the relay's own environment
	BaseDir     string   // relative working directories resolve against this
	MaxSessions int      // zero means unlimited
	StopGrace   time.Duration
	Buffer      linebuf.Config
}

func (c *Config) applyDefaults() {
	if len(c.Command) == 0 {
		c.Command = DefaultCommand
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
}

// Registry manages session processes.
type Registry struct {
	cfg     Config
	spawner Spawner
	emitter Emitter
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*managedSession
}

type managedSession struct {
	Session
	child  *Child
	stdin  *stdinWriter
	buf    *linebuf.Buffer
	ready  chan struct{} // closed once "started" has been emitted
	done   chan struct{} // closed once the process has been reaped
	readWG sync.WaitGroup
}

// stdinWriter wraps the child's stdin with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return errors.New("stdin closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces the clock driving flush and stop timers.
func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithSpawner replaces the process spawner.
func WithSpawner(s Spawner) Option { return func(r *Registry) { r.spawner = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry creates an empty registry reporting to emitter.
func NewRegistry(cfg Config, emitter Emitter, opts ...Option) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:      cfg,
		spawner:  PTYSpawner{},
		emitter:  emitter,
		clock:    clock.Real(),
		logger:   slog.Default(),
		sessions: make(map[Key]*managedSession),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveDir turns a requested working directory into an absolute path.
// Empty means the base directory; relative paths resolve against it.
func (r *Registry) ResolveDir(dir string) (string, error) {
	base := r.cfg.BaseDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		base = wd
	}
	if dir == "" {
		dir = base
	} else if !filepath.IsAbs(dir) {
		dir = filepath.Join(base, dir)
	}
	return filepath.Abs(dir)
}

// Start spawns the chat process for key. Starting a key that is already
// registered does nothing. Failures are reported to the emitter as an
// error status and returned.
//
// The key is reserved before the process is spawned, so the registry lock
// is never held while spawning.
func (r *Registry) Start(key Key, workingDir string) error {
	logger := r.logger.With("client", key.ClientID, "session", key.SessionID)

	r.mu.Lock()
	if _, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		logger.Info("session already running, ignoring start")
		return nil
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return r.fail(key, protocol.Errorf(protocol.ErrMaxSessions, "maximum session limit reached (%d)", r.cfg.MaxSessions))
	}
	ms := &managedSession{
		Session: Session{Key: key, State: StateStarting},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.sessions[key] = ms
	r.mu.Unlock()

	dir, child, perr := r.spawn(workingDir)
	if perr != nil {
		r.mu.Lock()
		if r.sessions[key] == ms {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		close(ms.ready)
		close(ms.done)
		return r.fail(key, perr)
	}

	r.mu.Lock()
	ms.WorkingDir = dir
	ms.PID = child.Cmd.Process.Pid
	ms.StartedAt = r.clock.Now().UTC()
	if ms.State == StateStarting {
		ms.State = StateRunning
	}
	ms.child = child
	ms.stdin = &stdinWriter{writer: child.Stdin}
	ms.buf = linebuf.New(r.cfg.Buffer, r.clock, func(lines []string) {
		r.emitter.EmitOutput(key, batchOf(lines))
	})
	r.mu.Unlock()

	logger.Info("session started", "pid", ms.PID, "workingDir", dir)
	r.emitter.EmitStatus(key, protocol.Status{Type: protocol.StatusStarted, WorkingDir: dir})
	close(ms.ready)

	for _, out := range child.Outputs {
		ms.readWG.Add(1)
		go r.readOutput(ms, out)
	}
	go r.waitForExit(ms)
	return nil
}

// spawn resolves the working directory and starts the process.
func (r *Registry) spawn(workingDir string) (string, *Child, *protocol.Error) {
	dir, err := r.ResolveDir(workingDir)
	if err != nil {
		return "", nil, protocol.Wrap(protocol.ErrSpawnFailure, err, "resolve working directory")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", nil, protocol.Errorf(protocol.ErrSpawnFailure, "working directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return "", nil, protocol.Errorf(protocol.ErrSpawnFailure, "path is not a directory: %s", dir)
	}

	env := append(os.Environ(), r.cfg.Env...)
	env = append(env, terminalEnv)
	child, err := r.spawner.Spawn(Spec{Argv: r.cfg.Command, Dir: dir, Env: env})
	if err != nil {
		return "", nil, protocol.Wrap(protocol.ErrSpawnFailure, err, "failed to start chat process")
	}
	return dir, child, nil
}

func batchOf(lines []string) protocol.OutputBatch {
	return protocol.OutputBatch{Content: strings.Join(lines, "\n"), LineCount: len(lines), IsMultiline: true}
}

func (r *Registry) fail(key Key, err *protocol.Error) error {
	r.logger.Warn("session operation failed",
		"client", key.ClientID, "session", key.SessionID, "code", err.Code, "error", err)
	r.emitter.EmitStatus(key, protocol.ErrorStatus(err))
	return err
}

// readOutput copies one output stream into the session's line buffer.
func (r *Registry) readOutput(ms *managedSession, out io.Reader) {
	defer ms.readWG.Done()
	if _, err := io.Copy(ms.buf, out); err != nil && !isClosedStream(err) {
		r.logger.Warn("session output read failed",
			"client", ms.Key.ClientID, "session", ms.Key.SessionID, "error", err)
	}
}

// isClosedStream reports errors that just mean the child went away. A pty
// master reads EIO once the last slave descriptor is closed.
func isClosedStream(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

// waitForExit reaps the child, flushes its remaining output, drops the
// registry entry and reports the exit.
func (r *Registry) waitForExit(ms *managedSession) {
	ms.readWG.Wait()
	err := ms.child.Cmd.Wait()
	ms.stdin.Close()
	ms.child.release()

	r.mu.Lock()
	if r.sessions[ms.Key] == ms {
		delete(r.sessions, ms.Key)
	}
	r.mu.Unlock()

	status := exitStatus(ms.child.Cmd, err)
	r.logger.Info("session exited",
		"client", ms.Key.ClientID, "session", ms.Key.SessionID,
		"code", status.Code, "signal", status.Signal, "error", status.Message)

	ms.buf.Close(func() { r.emitter.EmitStatus(ms.Key, status) })
	close(ms.done)
}

func exitStatus(cmd *exec.Cmd, waitErr error) protocol.Status {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return protocol.ErrorStatus(protocol.Wrap(protocol.ErrProcessRuntimeError, waitErr, "chat process failed"))
	}

	st := protocol.Status{Type: protocol.StatusExit}
	ps := cmd.ProcessState
	if ps == nil {
		return st
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = unix.SignalName(ws.Signal())
		return st
	}
	st.Code = protocol.ExitCode(ps.ExitCode())
	return st
}

// Stop signals the session's process group and removes the entry. The
// process is killed if it is still running after the grace period. Stopping
// an unknown key does nothing.
func (r *Registry) Stop(key Key) error {
	r.mu.Lock()
	ms, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		ms.State = StateStopping
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("stop for unknown session ignored", "client", key.ClientID, "session", key.SessionID)
		return nil
	}

	<-ms.ready
	if ms.child == nil {
		return nil
	}
	r.signal(ms, unix.SIGTERM)
	r.clock.AfterFunc(r.cfg.StopGrace, func() {
		select {
		case <-ms.done:
		default:
			r.logger.Warn("session ignored SIGTERM, killing", "client", key.ClientID, "session", key.SessionID)
			r.signal(ms, unix.SIGKILL)
		}
	})

	r.logger.Info("session stopped", "client", key.ClientID, "session", key.SessionID)
	r.emitter.EmitStatus(key, protocol.Status{Type: protocol.StatusStopped})
	return nil
}

func (r *Registry) signal(ms *managedSession, sig syscall.Signal) {
	if err := unix.Kill(-ms.PID, sig); err != nil {
		if err := ms.child.Cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Warn("signal session failed",
				"client", ms.Key.ClientID, "session", ms.Key.SessionID, "signal", unix.SignalName(sig), "error", err)
		}
	}
}

// RouteInput writes input to the session's stdin. Input for an unknown key
// is reported, never queued.
func (r *Registry) RouteInput(key Key, in protocol.Input) error {
	r.mu.Lock()
	ms, ok := r.sessions[key]
	r.mu.Unlock()

	if !ok {
		return r.fail(key, protocol.Errorf(protocol.ErrUnknownSession, "session not found: %s", key.SessionID))
	}
	<-ms.ready
	if ms.child == nil {
		return r.fail(key, protocol.Errorf(protocol.ErrUnknownSession, "session failed to start: %s", key.SessionID))
	}
	if err := ms.stdin.Write(in.Bytes()); err != nil {
		return r.fail(key, protocol.Wrap(protocol.ErrWriteFailure, err, "failed to write input"))
	}
	return nil
}

// Get returns a snapshot of a registered session.
func (r *Registry) Get(key Key) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.sessions[key]
	if !ok {
		return Session{}, false
	}
	return ms.Session, true
}

// WorkingDir returns the working directory of a registered session.
func (r *Registry) WorkingDir(key Key) (string, bool) {
	s, ok := r.Get(key)
	return s.WorkingDir, ok
}

// List returns all registered sessions ordered by key.
func (r *Registry) List() []Session {
	r.mu.Lock()
	result := make([]Session, 0, len(r.sessions))
	for _, ms := range r.sessions {
		result = append(result, ms.Session)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key.String() < result[j].Key.String()
	})
	return result
}

// Shutdown stops every session and waits for the processes to be reaped
// or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		all = append(all, ms)
	}
	r.mu.Unlock()

	for _, ms := range all {
		r.Stop(ms.Key)
	}
	for _, ms := range all {
		select {
		case <-ms.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	return nil
}
