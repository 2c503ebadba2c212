package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/terminal"
	"qchat-relay/internal/topic"
)

const testNS = "test-ns"

type recordedEvent struct {
	session string
	event   terminal.Event
	active  bool
}

type recordingSink struct {
	mu      sync.Mutex
	events  []recordedEvent
	fs      []protocol.FilesystemResult
	changes []string
}

func (r *recordingSink) SessionEvent(id string, ev terminal.Event, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{id, ev, active})
}

func (r *recordingSink) Filesystem(_ string, res protocol.FilesystemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fs = append(r.fs, res)
}

func (r *recordingSink) SessionsChanged(active string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, active)
}

func (r *recordingSink) kinds(session string) []terminal.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []terminal.EventKind
	for _, e := range r.events {
		if e.session == session {
			out = append(out, e.event.Kind)
		}
	}
	return out
}

// fakeRelay records what the client publishes and answers start requests.
type fakeRelay struct {
	b   broker.Broker
	mu  sync.Mutex
	got []topic.Address
	raw [][]byte
}

func (f *fakeRelay) handle(ctx context.Context, t string, payload []byte) {
	addr, err := topic.Parse(t)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.got = append(f.got, addr)
	f.raw = append(f.raw, append([]byte(nil), payload...))
	f.mu.Unlock()

	if addr.Kind != topic.Control || addr.ClientWide() {
		return
	}
	ctl, err := protocol.DecodeControl(payload, addr.SessionID)
	if err != nil {
		return
	}
	switch ctl.Action {
	case protocol.ActionStartSession:
		f.status(ctx, addr, protocol.Status{Type: protocol.StatusStarted, WorkingDir: ctl.WorkingDir})
	case protocol.ActionStopSession:
		f.status(ctx, addr, protocol.Status{Type: protocol.StatusStopped})
	}
}

func (f *fakeRelay) status(ctx context.Context, from topic.Address, st protocol.Status) {
	data, _ := json.Marshal(st)
	to := topic.ForClient(from.Namespace, from.ClientID, from.SessionID, topic.Status)
	_ = f.b.Publish(ctx, to.String(), data)
}

func (f *fakeRelay) output(t *testing.T, clientID, sessionID string, out protocol.Output) {
	t.Helper()
	data, err := json.Marshal(out)
	require.NoError(t, err)
	to := topic.ForClient(testNS, clientID, sessionID, topic.Output)
	require.NoError(t, f.b.Publish(context.Background(), to.String(), data))
}

func (f *fakeRelay) sent() ([]topic.Address, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]topic.Address(nil), f.got...), append([][]byte(nil), f.raw...)
}

func newTestMux(t *testing.T) (*Multiplexer, *recordingSink, *fakeRelay) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewMemory(logger)
	t.Cleanup(func() { b.Close() })

	relay := &fakeRelay{b: b}
	for _, f := range topic.ServerFilters(testNS) {
		_, err := b.Subscribe(f, relay.handle)
		require.NoError(t, err)
	}

	sink := &recordingSink{}
	m := New(Options{Namespace: testNS, ClientID: "c1", Broker: b, Sink: sink, Logger: logger})
	unsubscribe, err := m.Listen()
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return m, sink, relay
}

func TestMultiplexer_CreateSession(t *testing.T) {
	m, sink, _ := newTestMux(t)

	a := m.CreateSession("")
	b := m.CreateSession("work")

	assert.Equal(t, "Chat 1", a.Name)
	assert.Equal(t, "work", b.Name)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID, m.Active(), "first session becomes active")

	list := m.Sessions()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.True(t, list[0].Active)
	assert.False(t, list[1].Active)
	assert.Len(t, sink.changes, 2)
}

func TestMultiplexer_StartPublishesSessionControl(t *testing.T) {
	m, _, relay := newTestMux(t)
	s := m.CreateSession("")

	require.NoError(t, m.Start(context.Background(), s.ID, "/work"))

	got, raw := relay.sent()
	require.Len(t, got, 1)
	assert.Equal(t, topic.ForServer(testNS, "c1", s.ID, topic.Control), got[0])
	ctl, err := protocol.DecodeControl(raw[0], s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionStartSession, ctl.Action)
	assert.Equal(t, "/work", ctl.WorkingDir)

	info, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Equal(t, "/work", info.WorkingDir)
	assert.Equal(t, terminal.StateRunning, info.State)

	require.NoError(t, m.Start(context.Background(), s.ID, "/work"))
	got, _ = relay.sent()
	assert.Len(t, got, 1, "start on a running session is a no-op")
}

func TestMultiplexer_SessionsAreIsolated(t *testing.T) {
	m, sink, relay := newTestMux(t)
	a := m.CreateSession("")
	b := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, a.ID, "/a"))
	require.NoError(t, m.Start(ctx, b.ID, "/b"))

	relay.output(t, "c1", b.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "answer for b", LineCount: 1}})

	for _, e := range sink.events {
		if e.event.Block != nil && e.event.Block.Raw == "answer for b" {
			assert.Equal(t, b.ID, e.session)
			assert.False(t, e.active)
		}
	}
	ia, _ := m.Get(a.ID)
	ib, _ := m.Get(b.ID)
	assert.Equal(t, 0, ia.Unread)
	assert.Equal(t, 1, ib.Unread)

	relay.output(t, "c1", b.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "more", LineCount: 1}})
	ib, _ = m.Get(b.ID)
	assert.Equal(t, 2, ib.Unread)

	require.NoError(t, m.Switch(b.ID))
	ib, _ = m.Get(b.ID)
	assert.Equal(t, 0, ib.Unread)
	assert.Equal(t, b.ID, m.Active())
}

func TestMultiplexer_OutputForOtherClientIgnored(t *testing.T) {
	m, sink, relay := newTestMux(t)
	s := m.CreateSession("")

	relay.output(t, "someone-else", s.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "nope"}})
	assert.Empty(t, sink.kinds(s.ID))
}

func TestMultiplexer_SendPublishesInput(t *testing.T) {
	m, sink, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, s.ID, "/work"))

	require.NoError(t, m.Send(ctx, s.ID, "hello"))

	got, raw := relay.sent()
	last := got[len(got)-1]
	assert.Equal(t, topic.ForServer(testNS, "c1", s.ID, topic.Input), last)
	in, err := protocol.DecodeInput(raw[len(raw)-1])
	require.NoError(t, err)
	assert.Equal(t, protocol.Input{Data: "hello"}, in)

	assert.Contains(t, sink.kinds(s.ID), terminal.EventBlockFinalized)
	hist := m.History(s.ID)
	require.NotEmpty(t, hist)
	assert.Equal(t, terminal.BlockUser, hist[len(hist)-1].Type)
}

func TestMultiplexer_ApprovalRoundTrip(t *testing.T) {
	m, sink, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, s.ID, "/work"))

	relay.output(t, "c1", s.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "Allow? [y/n/t]", LineCount: 1}})
	assert.Contains(t, sink.kinds(s.ID), terminal.EventApprovalRequested)

	require.NoError(t, m.Approve(ctx, s.ID, "t"))
	_, raw := relay.sent()
	in, err := protocol.DecodeInput(raw[len(raw)-1])
	require.NoError(t, err)
	assert.Equal(t, protocol.Input{Data: "t"}, in)

	assert.Error(t, m.Approve(ctx, s.ID, "y"), "nothing pending")
}

func TestMultiplexer_ApprovalInBackgroundLeavesUnread(t *testing.T) {
	m, sink, relay := newTestMux(t)
	a := m.CreateSession("")
	b := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, a.ID, "/a"))
	require.NoError(t, m.Start(ctx, b.ID, "/b"))
	require.Equal(t, a.ID, m.Active())
	seen := len(sink.events)

	relay.output(t, "c1", b.ID, protocol.Output{Batch: &protocol.OutputBatch{
		Content:     "I will run the following shell command:\nrm -rf build\nAllow this action? Use 't' to trust [y/n/t]",
		LineCount:   3,
		IsMultiline: true,
	}})
	ib, _ := m.Get(b.ID)
	assert.Equal(t, 0, ib.Unread)
	assert.Equal(t, terminal.StateAwaitingApproval, ib.State)

	var question string
	for _, e := range sink.events[seen:] {
		if e.session != b.ID {
			continue
		}
		assert.Nil(t, e.event.Block, "approval context is not chat content")
		if e.event.Kind == terminal.EventApprovalRequested {
			question = e.event.Approval.Question
		}
	}
	assert.Equal(t, "I will run the following shell command:\nrm -rf build\nAllow this action? Use 't' to trust", question)

	relay.output(t, "c1", b.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "partial answer", LineCount: 1}})
	relay.output(t, "c1", b.ID, protocol.Output{Batch: &protocol.OutputBatch{Content: "Continue? [y/n/t]", LineCount: 1}})
	ib, _ = m.Get(b.ID)
	assert.Equal(t, 1, ib.Unread, "closing the open block for an approval adds nothing unread")
}

func TestMultiplexer_SelectSendsRawKeys(t *testing.T) {
	m, _, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, s.ID, "/work"))

	relay.output(t, "c1", s.ID, protocol.Output{Batch: &protocol.OutputBatch{
		Content: "Pick one?\n  a\n❯ b\n  c", LineCount: 4, IsMultiline: true,
	}})
	before, _ := relay.sent()

	require.NoError(t, m.Select(ctx, s.ID, 2))
	got, raw := relay.sent()
	require.Len(t, got, len(before)+2)

	var keys []protocol.Input
	for _, r := range raw[len(before):] {
		in, err := protocol.DecodeInput(r)
		require.NoError(t, err)
		keys = append(keys, in)
	}
	assert.Equal(t, []protocol.Input{
		{Data: terminal.KeyDown, Raw: true},
		{Data: terminal.KeyEnter, Raw: true},
	}, keys)
}

func TestMultiplexer_StatusDrivesState(t *testing.T) {
	m, _, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, s.ID, "/work"))

	relay.status(ctx, topic.ForServer(testNS, "c1", s.ID, topic.Control), protocol.Status{Type: protocol.StatusExit, Code: protocol.ExitCode(3)})

	info, _ := m.Get(s.ID)
	assert.False(t, info.Running)
	assert.Equal(t, terminal.StateStopped, info.State)
	hist := m.History(s.ID)
	require.NotEmpty(t, hist)
	assert.Equal(t, "Process exited with code 3", hist[len(hist)-1].Text())
}

func TestMultiplexer_SpawnFailure(t *testing.T) {
	m, _, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()

	relay.status(ctx, topic.ForServer(testNS, "c1", s.ID, topic.Control), protocol.Status{
		Type: protocol.StatusError, ErrorCode: protocol.ErrSpawnFailure, Message: "no such command",
	})

	info, _ := m.Get(s.ID)
	assert.Equal(t, terminal.StateErrored, info.State)
	hist := m.History(s.ID)
	require.Len(t, hist, 1)
	assert.Equal(t, terminal.BlockError, hist[0].Type)
	assert.Contains(t, hist[0].Text(), "no such command")
}

func TestMultiplexer_CloseFallsBackToFirstSession(t *testing.T) {
	m, _, relay := newTestMux(t)
	a := m.CreateSession("")
	b := m.CreateSession("")
	c := m.CreateSession("")
	ctx := context.Background()
	require.NoError(t, m.Switch(c.ID))
	require.NoError(t, m.Start(ctx, c.ID, "/c"))

	require.NoError(t, m.Close(ctx, c.ID))
	assert.Equal(t, a.ID, m.Active())
	assert.Len(t, m.Sessions(), 2)

	got, raw := relay.sent()
	ctl, err := protocol.DecodeControl(raw[len(raw)-1], c.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionStopSession, ctl.Action, "running session is stopped on close")
	assert.Equal(t, c.ID, got[len(got)-1].SessionID)

	require.NoError(t, m.Close(ctx, b.ID))
	assert.Equal(t, a.ID, m.Active())
	require.NoError(t, m.Close(ctx, a.ID))
	assert.Equal(t, "", m.Active())
	assert.ErrorIs(t, m.Close(ctx, a.ID), ErrUnknownSession)
}

func TestMultiplexer_BrowseUsesClientWideControl(t *testing.T) {
	m, sink, relay := newTestMux(t)
	s := m.CreateSession("")
	ctx := context.Background()

	require.NoError(t, m.Browse(ctx, s.ID, "src"))
	got, raw := relay.sent()
	require.Len(t, got, 1)
	assert.True(t, got[0].ClientWide())

	var ctl protocol.Control
	require.NoError(t, json.Unmarshal(raw[0], &ctl))
	assert.Equal(t, protocol.OpBrowse, ctl.Op)
	assert.Equal(t, "src", ctl.Path)
	assert.Equal(t, s.ID, ctl.SessionID)

	relay.output(t, "c1", s.ID, protocol.Output{Filesystem: &protocol.FilesystemResult{Type: protocol.FSBrowse, Path: "src"}})
	require.Len(t, sink.fs, 1)
	assert.Equal(t, "src", sink.fs[0].Path)
}

func TestMultiplexer_PublishFailureBecomesNotice(t *testing.T) {
	m, _, relay := newTestMux(t)
	s := m.CreateSession("")
	require.NoError(t, relay.b.Close())

	err := m.Send(context.Background(), s.ID, "hello")
	assert.ErrorIs(t, err, broker.ErrClosed)

	hist := m.History(s.ID)
	require.NotEmpty(t, hist)
	last := hist[len(hist)-1]
	assert.Equal(t, terminal.BlockError, last.Type)
	assert.Contains(t, last.Text(), "send input")
}

func TestMultiplexer_UnknownSession(t *testing.T) {
	m, _, _ := newTestMux(t)
	ctx := context.Background()
	assert.ErrorIs(t, m.Send(ctx, "nope", "x"), ErrUnknownSession)
	assert.ErrorIs(t, m.Switch("nope"), ErrUnknownSession)
	assert.ErrorIs(t, m.Start(ctx, "nope", ""), ErrUnknownSession)
}
