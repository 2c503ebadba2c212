package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/linebuf"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/session"
	"qchat-relay/internal/topic"
)

const ns = "test-ns"

type message struct {
	Topic   topic.Address
	Payload []byte
}

type inbox struct {
	mu   sync.Mutex
	msgs []message
}

func (in *inbox) handle(_ context.Context, t string, payload []byte) {
	addr, err := topic.Parse(t)
	if err != nil {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, message{Topic: addr, Payload: append([]byte(nil), payload...)})
}

func (in *inbox) all() []message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]message(nil), in.msgs...)
}

func (in *inbox) waitFor(t *testing.T, match func(message) bool) message {
	t.Helper()
	var found message
	require.Eventually(t, func() bool {
		for _, m := range in.all() {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

func statusOf(t *testing.T, m message) protocol.Status {
	t.Helper()
	s, err := protocol.DecodeStatus(m.Payload)
	require.NoError(t, err)
	return s
}

func outputOf(t *testing.T, m message) protocol.Output {
	t.Helper()
	o, err := protocol.DecodeOutput(m.Payload)
	require.NoError(t, err)
	return o
}

func isStatus(sessionID, typ string) func(message) bool {
	return func(m message) bool {
		if m.Topic.Kind != topic.Status || m.Topic.SessionID != sessionID {
			return false
		}
		var s protocol.Status
		return json.Unmarshal(m.Payload, &s) == nil && s.Type == typ
	}
}

type harness struct {
	router *Router
	broker *broker.Memory
	inbox  *inbox
	base   string
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewMemory(logger)
	base := t.TempDir()

	r := New(Options{
		Namespace: ns,
		Broker:    b,
		Sessions: session.Config{
			Command:   []string{"/bin/sh", "-c", script},
			BaseDir:   base,
			StopGrace: 200 * time.Millisecond,
			Buffer:    linebuf.Config{MaxWait: 20 * time.Millisecond},
		},
		Spawner: session.PipeSpawner{},
		Logger:  logger,
	})
	unsubscribe, err := r.Listen()
	require.NoError(t, err)

	in := &inbox{}
	_, err = b.Subscribe(topic.ClientFilter(ns, "c1"), in.handle)
	require.NoError(t, err)

	t.Cleanup(func() {
		unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Registry().Shutdown(ctx)
		b.Close()
	})
	return &harness{router: r, broker: b, inbox: in, base: base}
}

func (h *harness) send(t *testing.T, addr topic.Address, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(context.Background(), addr.String(), data))
}

func TestRouter_EndToEndStartOutputExit(t *testing.T) {
	h := newHarness(t, `printf 'Hello\n'; exit 0`)

	h.send(t, topic.ForServer(ns, "c1", "s1", topic.Control),
		protocol.Control{Action: protocol.ActionStartSession})
	h.inbox.waitFor(t, isStatus("s1", protocol.StatusExit))

	msgs := h.inbox.all()
	require.Len(t, msgs, 3)

	started := statusOf(t, msgs[0])
	assert.Equal(t, protocol.StatusStarted, started.Type)
	assert.Equal(t, h.base, started.WorkingDir)

	require.Equal(t, topic.Output, msgs[1].Topic.Kind)
	out := outputOf(t, msgs[1])
	require.NotNil(t, out.Batch)
	assert.Equal(t, "Hello", out.Batch.Content)

	exit := statusOf(t, msgs[2])
	assert.Equal(t, protocol.StatusExit, exit.Type)
	require.NotNil(t, exit.Code)
	assert.Equal(t, 0, *exit.Code)

	for _, m := range msgs {
		assert.Equal(t, "c1", m.Topic.ClientID)
		assert.Equal(t, "s1", m.Topic.SessionID)
	}
}

func TestRouter_InputRoundTrip(t *testing.T) {
	h := newHarness(t, `while read line; do echo "you said: $line"; done`)

	h.send(t, topic.ForServer(ns, "c1", "s1", topic.Control), protocol.Control{Action: protocol.ActionStartSession})
	h.inbox.waitFor(t, isStatus("s1", protocol.StatusStarted))

	h.send(t, topic.ForServer(ns, "c1", "s1", topic.Input), protocol.Input{Data: "hi"})
	h.inbox.waitFor(t, func(m message) bool {
		if m.Topic.Kind != topic.Output {
			return false
		}
		o, err := protocol.DecodeOutput(m.Payload)
		return err == nil && o.Batch != nil && o.Batch.Content == "you said: hi"
	})

	h.send(t, topic.ForServer(ns, "c1", "s1", topic.Control), protocol.Control{Action: protocol.ActionStopSession})
	h.inbox.waitFor(t, isStatus("s1", protocol.StatusStopped))
	h.inbox.waitFor(t, isStatus("s1", protocol.StatusExit))
}

func TestRouter_InputForUnknownSession(t *testing.T) {
	h := newHarness(t, `true`)

	h.send(t, topic.ForServer(ns, "c1", "ghost", topic.Input), protocol.Input{Data: "hello"})
	m := h.inbox.waitFor(t, isStatus("ghost", protocol.StatusError))
	assert.Equal(t, protocol.ErrUnknownSession, statusOf(t, m).ErrorCode)
}

func TestRouter_MalformedMessagesDropped(t *testing.T) {
	h := newHarness(t, `true`)
	ctx := context.Background()

	require.NoError(t, h.broker.Publish(ctx, ns+"/server/c1/s1/control", []byte("not json")))
	require.NoError(t, h.broker.Publish(ctx, ns+"/server/c1/s1/control", []byte(`{"action":"explode","sessionId":"s1"}`)))
	require.NoError(t, h.broker.Publish(ctx, ns+"/server/c1/s1/input", []byte(`{}`)))
	h.router.HandleMessage(ctx, "garbage", nil)

	assert.Empty(t, h.inbox.all())
	assert.Empty(t, h.router.Registry().List())
}

func TestRouter_FilesystemClientWideRepliesToDefault(t *testing.T) {
	h := newHarness(t, `true`)
	require.NoError(t, os.WriteFile(filepath.Join(h.base, "notes.txt"), []byte("remember"), 0o644))

	h.send(t, topic.ForServer(ns, "c1", "", topic.Control), protocol.Control{Op: protocol.OpBrowse})
	m := h.inbox.waitFor(t, func(m message) bool { return m.Topic.Kind == topic.Output })
	assert.Equal(t, protocol.DefaultFilesystemSession, m.Topic.SessionID)

	out := outputOf(t, m)
	require.NotNil(t, out.Filesystem)
	assert.Equal(t, protocol.FSBrowse, out.Filesystem.Type)
	require.Len(t, out.Filesystem.Files, 1)
	assert.Equal(t, "notes.txt", out.Filesystem.Files[0].Name)
}

func TestRouter_FilesystemSandboxedToSession(t *testing.T) {
	h := newHarness(t, `sleep 30`)
	sub := filepath.Join(h.base, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.base, "outside.txt"), []byte("secret"), 0o644))

	h.send(t, topic.ForServer(ns, "c1", "s1", topic.Control),
		protocol.Control{Action: protocol.ActionStartSession, WorkingDir: "project"})
	h.inbox.waitFor(t, isStatus("s1", protocol.StatusStarted))

	h.send(t, topic.ForServer(ns, "c1", "", topic.Control),
		protocol.Control{Op: protocol.OpRead, Path: "../outside.txt", SessionID: "s1"})
	m := h.inbox.waitFor(t, func(m message) bool { return m.Topic.Kind == topic.Output && m.Topic.SessionID == "s1" })

	out := outputOf(t, m)
	require.NotNil(t, out.Filesystem)
	assert.Equal(t, protocol.FSError, out.Filesystem.Type)
	assert.Equal(t, protocol.ErrPathAccessDenied, out.Filesystem.Code)
	assert.Empty(t, out.Filesystem.Content)
}

func TestRouter_IgnoresForeignNamespace(t *testing.T) {
	h := newHarness(t, `sleep 30`)

	h.router.HandleMessage(context.Background(), "other/server/c1/s1/control",
		[]byte(`{"action":"start-session"}`))
	assert.Empty(t, h.router.Registry().List())
}

func TestRouter_LateExitKeepsRestartedWatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewMemory(logger)
	base := t.TempDir()

	r := New(Options{
		Namespace: ns,
		Broker:    b,
		Sessions: session.Config{
			Command:   []string{"/bin/sh", "-c", `trap '' TERM; sleep 30`},
			BaseDir:   base,
			StopGrace: 200 * time.Millisecond,
		},
		Spawner:       session.PipeSpawner{},
		WatchChanges:  true,
		WatchDebounce: 10 * time.Millisecond,
		Logger:        logger,
	})
	unsubscribe, err := r.Listen()
	require.NoError(t, err)
	in := &inbox{}
	_, err = b.Subscribe(topic.ClientFilter(ns, "c1"), in.handle)
	require.NoError(t, err)
	t.Cleanup(func() {
		unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Registry().Shutdown(ctx)
		r.watcher.Shutdown()
		b.Close()
	})

	h := &harness{router: r, broker: b, inbox: in, base: base}
	ctl := topic.ForServer(ns, "c1", "s1", topic.Control)
	h.send(t, ctl, protocol.Control{Action: protocol.ActionStartSession})
	h.send(t, ctl, protocol.Control{Action: protocol.ActionStopSession})
	h.send(t, ctl, protocol.Control{Action: protocol.ActionStartSession})

	// The first process ignores SIGTERM and exits when killed after the grace period.
	in.waitFor(t, isStatus("s1", protocol.StatusExit))
	_, running := r.Registry().Get(session.Key{ClientID: "c1", SessionID: "s1"})
	require.True(t, running)
	assert.True(t, r.watcher.Watching("c1:s1"))
}
