package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/client"
	"qchat-relay/internal/render"
	"qchat-relay/internal/terminal"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"hello there", command{name: "send", arg: "hello there"}},
		{"/new  work ", command{name: "new", arg: "work"}},
		{"/SELECT 2", command{name: "select", arg: "2"}},
		{"/stop", command{name: "stop"}},
		{"//not a command", command{name: "send", arg: "/not a command"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLine(tt.line), tt.line)
	}
}

func newTestRepl(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.NewMemory(logger)
	t.Cleanup(func() { b.Close() })

	var out bytes.Buffer
	v := &view{out: &out}
	mux := client.New(client.Options{Namespace: "test-ns", ClientID: "c1", Broker: b, Sink: v, Logger: logger})
	v.mux = mux
	return &repl{mux: mux, out: &out}, &out
}

func TestRepl_SessionCommands(t *testing.T) {
	r, out := newTestRepl(t)
	ctx := context.Background()

	assert.Error(t, r.exec(ctx, parseLine("hi")), "no session yet")

	require.NoError(t, r.exec(ctx, parseLine("/new first")))
	require.NoError(t, r.exec(ctx, parseLine("/new second")))
	assert.Equal(t, "second", activeName(r.mux))

	require.NoError(t, r.exec(ctx, parseLine("/switch 0")))
	assert.Equal(t, "first", activeName(r.mux))

	out.Reset()
	require.NoError(t, r.exec(ctx, parseLine("/list")))
	assert.Contains(t, out.String(), "* 0  first")

	assert.Error(t, r.exec(ctx, parseLine("/switch 9")))
	assert.Error(t, r.exec(ctx, parseLine("/select x")))
	assert.Error(t, r.exec(ctx, parseLine("/bogus")))
	assert.ErrorIs(t, r.exec(ctx, parseLine("/quit")), errQuit)
}

func TestRepl_RunStopsOnQuit(t *testing.T) {
	r, out := newTestRepl(t)
	err := r.run(context.Background(), strings.NewReader("/new\n/nonsense\n/quit\n/new\n"))
	require.NoError(t, err)
	assert.Len(t, r.mux.Sessions(), 1, "lines after /quit are not read")
	assert.Contains(t, out.String(), "unknown command /nonsense")
}

func activeName(m *client.Multiplexer) string {
	info, _ := m.Get(m.Active())
	return info.Name
}

func TestStyleBlock_KeepsText(t *testing.T) {
	b := terminal.Block{Type: terminal.BlockBot, Raw: "\x1b[31mred\x1b[0m plain"}
	assert.Contains(t, styleBlock(b), "plain")
	assert.Equal(t, "red plain", render.Plain(b.Raw))
}
