// Package client is the client side of the relay: it keeps the locally
// known sessions, feeds each one's output through its own terminal state
// machine and turns user actions into addressed control and input messages.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/terminal"
	"qchat-relay/internal/topic"
)

// DefaultScrollback is how many finalized blocks each session keeps.
const DefaultScrollback = 500

// ErrUnknownSession is returned for operations on a session id that is not
// known locally.
var ErrUnknownSession = errors.New("unknown session")

// Sink receives everything the multiplexer wants shown. Calls for one
// session arrive in order.
type Sink interface {
	SessionEvent(id string, ev terminal.Event, active bool)
	Filesystem(id string, res protocol.FilesystemResult)
	SessionsChanged(active string)
}

// Options configures a Multiplexer.
type Options struct {
	Namespace  string
	ClientID   string
	Broker     broker.Broker
	Sink       Sink
	Terminal   terminal.Config
	Scrollback int
	Logger     *slog.Logger
}

// Info is a snapshot of one session.
type Info struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	WorkingDir string         `json:"workingDir,omitempty"`
	Running    bool           `json:"running"`
	Unread     int            `json:"unread"`
	State      terminal.State `json:"state"`
	Active     bool           `json:"active"`
}

type localSession struct {
	id      string
	name    string
	machine *terminal.Machine
	history *Scrollback

	// mu serializes everything that touches the machine.
	mu         sync.Mutex
	workingDir string
	running    bool
	unread     int
}

// Multiplexer owns the client's sessions.
type Multiplexer struct {
	ns       string
	clientID string
	broker   broker.Broker
	sink     Sink
	termCfg  terminal.Config
	scroll   int
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*localSession
	order    []string
	active   string
	counter  int
}

// New creates a multiplexer. A missing ClientID gets a random one.
func New(opts Options) *Multiplexer {
	if opts.Namespace == "" {
		opts.Namespace = topic.DefaultNamespace
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	return &Multiplexer{
		ns:       opts.Namespace,
		clientID: opts.ClientID,
		broker:   opts.Broker,
		sink:     opts.Sink,
		termCfg:  opts.Terminal,
		scroll:   opts.Scrollback,
		logger:   opts.Logger.With("client", opts.ClientID),
		sessions: make(map[string]*localSession),
	}
}

// ClientID returns the id this multiplexer publishes under.
func (m *Multiplexer) ClientID() string { return m.clientID }

// CreateSession adds a local session with a fresh id. The first session
// becomes active.
func (m *Multiplexer) CreateSession(name string) Info {
	m.mu.Lock()
	m.counter++
	if name == "" {
		name = fmt.Sprintf("Chat %d", m.counter)
	}
	s := &localSession{
		id:      uuid.New().String(),
		name:    name,
		machine: terminal.New(m.termCfg),
		history: NewScrollback(m.scroll),
	}
	m.sessions[s.id] = s
	m.order = append(m.order, s.id)
	if m.active == "" {
		m.active = s.id
	}
	active := m.active
	m.mu.Unlock()

	m.logger.Info("session created", "session", s.id, "name", name)
	m.sink.SessionsChanged(active)
	return m.info(s, active)
}

// Sessions lists sessions in creation order.
func (m *Multiplexer) Sessions() []Info {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	sessions := make([]*localSession, len(ids))
	for i, id := range ids {
		sessions[i] = m.sessions[id]
	}
	active := m.active
	m.mu.RUnlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = m.info(s, active)
	}
	return out
}

// Get returns a snapshot of one session.
func (m *Multiplexer) Get(id string) (Info, bool) {
	s, active := m.lookup(id)
	if s == nil {
		return Info{}, false
	}
	return m.info(s, active), true
}

// Active returns the active session id, or "" when there are none.
func (m *Multiplexer) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// History returns the finalized blocks kept for a session.
func (m *Multiplexer) History(id string) []terminal.Block {
	s, _ := m.lookup(id)
	if s == nil {
		return nil
	}
	return s.history.ReadAll()
}

// Switch makes id the active session and clears its unread counter.
func (m *Multiplexer) Switch(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	m.active = id
	m.mu.Unlock()

	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()

	m.sink.SessionsChanged(id)
	return nil
}

// Start asks the relay to spawn the session's process.
func (m *Multiplexer) Start(ctx context.Context, id, workingDir string) error {
	s, _ := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}
	ctl := protocol.Control{Action: protocol.ActionStartSession, SessionID: id, WorkingDir: workingDir}
	return m.send(ctx, s, topic.Control, ctl, "start session")
}

// Stop asks the relay to terminate the session's process.
func (m *Multiplexer) Stop(ctx context.Context, id string) error {
	s, _ := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	ctl := protocol.Control{Action: protocol.ActionStopSession, SessionID: id}
	return m.send(ctx, s, topic.Control, ctl, "stop session")
}

// Close stops the session if it is running and forgets it. When the closed
// session was active another one takes its place, if any remain.
func (m *Multiplexer) Close(ctx context.Context, id string) error {
	s, _ := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	var stopErr error
	if running {
		stopErr = m.Stop(ctx, id)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == id {
		m.active = ""
		if len(m.order) > 0 {
			m.active = m.order[0]
		}
	}
	active := m.active
	var next *localSession
	if active != "" {
		next = m.sessions[active]
	}
	m.mu.Unlock()

	if next != nil {
		next.mu.Lock()
		next.unread = 0
		next.mu.Unlock()
	}

	m.logger.Info("session closed", "session", id)
	m.sink.SessionsChanged(active)
	return stopErr
}

// Send submits free text to the session.
func (m *Multiplexer) Send(ctx context.Context, id, text string) error {
	s, active := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	inputs, evs := s.machine.SubmitInput(text)
	m.deliver(s, evs, active == id)
	s.mu.Unlock()

	return m.sendInputs(ctx, s, inputs)
}

// Approve answers the session's pending approval with y, n or t.
func (m *Multiplexer) Approve(ctx context.Context, id, letter string) error {
	s, active := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	inputs, evs, err := s.machine.RespondApproval(letter)
	m.deliver(s, evs, active == id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return m.sendInputs(ctx, s, inputs)
}

// Select answers the session's pending selection menu.
func (m *Multiplexer) Select(ctx context.Context, id string, index int) error {
	s, active := m.lookup(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.mu.Lock()
	inputs, evs, err := s.machine.RespondSelection(index)
	m.deliver(s, evs, active == id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return m.sendInputs(ctx, s, inputs)
}

// Browse lists a directory relative to the session's working directory.
// The request goes over the client-wide control channel.
func (m *Multiplexer) Browse(ctx context.Context, id, path string) error {
	return m.filesystem(ctx, protocol.Control{Op: protocol.OpBrowse, SessionID: id, Path: path})
}

// Read fetches a file relative to the session's working directory.
func (m *Multiplexer) Read(ctx context.Context, id, path string) error {
	return m.filesystem(ctx, protocol.Control{Op: protocol.OpRead, SessionID: id, Path: path})
}

func (m *Multiplexer) filesystem(ctx context.Context, ctl protocol.Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return err
	}
	addr := topic.ForServer(m.ns, m.clientID, "", topic.Control)
	if err := m.broker.Publish(ctx, addr.String(), data); err != nil {
		return fmt.Errorf("publish %s request: %w", ctl.Op, err)
	}
	return nil
}

// Listen subscribes to everything addressed to this client. The returned
// func removes the subscription.
func (m *Multiplexer) Listen() (func(), error) {
	id, err := m.broker.Subscribe(topic.ClientFilter(m.ns, m.clientID), m.HandleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe client topics: %w", err)
	}
	return func() { m.broker.Unsubscribe(id) }, nil
}

// Run listens until ctx is done.
func (m *Multiplexer) Run(ctx context.Context) error {
	unsubscribe, err := m.Listen()
	if err != nil {
		return err
	}
	defer unsubscribe()
	<-ctx.Done()
	return nil
}

// HandleMessage routes one inbound message to the session it addresses.
func (m *Multiplexer) HandleMessage(_ context.Context, t string, payload []byte) {
	addr, err := topic.Parse(t)
	if err != nil {
		m.logger.Warn("dropping message with bad topic", "topic", t, "error", err)
		return
	}
	if addr.Namespace != m.ns || addr.Direction != topic.ToClient || addr.ClientID != m.clientID {
		return
	}

	switch addr.Kind {
	case topic.Output:
		out, err := protocol.DecodeOutput(payload)
		if err != nil {
			m.logger.Warn("dropping malformed output", "topic", t, "error", err)
			return
		}
		m.handleOutput(addr.SessionID, out)

	case topic.Status:
		st, err := protocol.DecodeStatus(payload)
		if err != nil {
			m.logger.Warn("dropping malformed status", "topic", t, "error", err)
			return
		}
		m.handleStatus(addr.SessionID, st)
	}
}

func (m *Multiplexer) handleOutput(id string, out protocol.Output) {
	if out.Filesystem != nil {
		m.sink.Filesystem(id, *out.Filesystem)
		return
	}
	if out.Batch == nil {
		return
	}

	s, active := m.lookup(id)
	if s == nil {
		m.logger.Debug("output for unknown session", "session", id)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.deliver(s, s.machine.FeedBatch(out.Batch.Content), active == id) && active != id {
		s.unread++
	}
}

func (m *Multiplexer) handleStatus(id string, st protocol.Status) {
	s, active := m.lookup(id)
	if s == nil {
		m.logger.Debug("status for unknown session", "session", id, "type", st.Type)
		return
	}

	s.mu.Lock()
	var evs []terminal.Event
	switch st.Type {
	case protocol.StatusStarted:
		s.running = true
		s.workingDir = st.WorkingDir
		evs = s.machine.Started(st.WorkingDir)
	case protocol.StatusStopped, protocol.StatusExit:
		s.running = false
		evs = s.machine.Stopped(st)
	case protocol.StatusError:
		if st.ErrorCode == protocol.ErrSpawnFailure {
			s.running = false
		}
		evs = s.machine.Failed(errorLine(st))
	}
	m.deliver(s, evs, active == id)
	s.mu.Unlock()

	m.logger.Info("session status", "session", id, "type", st.Type)
	m.sink.SessionsChanged(m.Active())
}

func errorLine(st protocol.Status) string {
	if st.ErrorCode != "" {
		return fmt.Sprintf("%s: %s", st.ErrorCode, st.Message)
	}
	return st.Message
}

// deliver records finalized blocks and hands events to the sink. It
// reports whether any block received new content. The caller holds s.mu.
func (m *Multiplexer) deliver(s *localSession, evs []terminal.Event, active bool) bool {
	visible := false
	for _, ev := range evs {
		switch ev.Kind {
		case terminal.EventBlockFinalized:
			s.history.Write(*ev.Block)
		case terminal.EventBlockOpened, terminal.EventBlockUpdated:
			visible = true
		}
		m.sink.SessionEvent(s.id, ev, active)
	}
	return visible
}

func (m *Multiplexer) sendInputs(ctx context.Context, s *localSession, inputs []protocol.Input) error {
	for _, in := range inputs {
		if err := m.send(ctx, s, topic.Input, in, "send input"); err != nil {
			return err
		}
	}
	return nil
}

// send publishes v on the session's server topic. A failure is also shown
// in the session's stream.
func (m *Multiplexer) send(ctx context.Context, s *localSession, kind topic.Kind, v any, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	addr := topic.ForServer(m.ns, m.clientID, s.id, kind)
	if err := m.broker.Publish(ctx, addr.String(), data); err != nil {
		err = fmt.Errorf("%s: %w", what, err)
		m.logger.Error("publish failed", "session", s.id, "topic", addr.String(), "error", err)

		_, active := m.lookup(s.id)
		s.mu.Lock()
		m.deliver(s, s.machine.Notice(terminal.BlockError, "Failed to "+err.Error()), active == s.id)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (m *Multiplexer) lookup(id string) (*localSession, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id], m.active
}

func (m *Multiplexer) info(s *localSession, active string) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		Name:       s.name,
		WorkingDir: s.workingDir,
		Running:    s.running,
		Unread:     s.unread,
		State:      s.machine.State(),
		Active:     s.id == active,
	}
}

type nopSink struct{}

func (nopSink) SessionEvent(string, terminal.Event, bool) {}
func (nopSink) Filesystem(string, protocol.FilesystemResult) {}
func (nopSink) SessionsChanged(string) {}
