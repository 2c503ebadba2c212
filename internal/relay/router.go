// Package relay connects the broker to the session registry: it
// demultiplexes client control and input messages and addresses session
// output and status back to the owning client.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/clock"
	"qchat-relay/internal/filesystem"
	"qchat-relay/internal/protocol"
	"qchat-relay/internal/session"
	"qchat-relay/internal/topic"
	"qchat-relay/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Router.
type Options struct {
	Namespace     string
	Broker        broker.Broker
	Sessions      session.Config
	Spawner       session.Spawner
	Clock         clock.Clock
	Filesystem    *filesystem.Service
	WatchChanges  bool
	WatchDebounce time.Duration
	Logger        *slog.Logger
}

// Router is the server side of the relay.
type Router struct {
	ns       string
	broker   broker.Broker
	registry *session.Registry
	fs       *filesystem.Service
	watcher  *watcher.Watcher
	logger   *slog.Logger

	watchMu sync.Mutex
	watched map[string]session.Key
}

// New builds a Router and the registry it drives.
func New(opts Options) *Router {
	if opts.Namespace == "" {
		opts.Namespace = topic.DefaultNamespace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Filesystem == nil {
		opts.Filesystem = filesystem.New(0)
	}

	r := &Router{
		ns:      opts.Namespace,
		broker:  opts.Broker,
		fs:      opts.Filesystem,
		logger:  opts.Logger,
		watched: make(map[string]session.Key),
	}

	regOpts := []session.Option{
		session.WithClock(opts.Clock),
		session.WithLogger(opts.Logger),
	}
	if opts.Spawner != nil {
		regOpts = append(regOpts, session.WithSpawner(opts.Spawner))
	}
	r.registry = session.NewRegistry(opts.Sessions, r, regOpts...)

	if opts.WatchChanges {
		r.watcher = watcher.New(opts.WatchDebounce, opts.Clock, opts.Logger, r.onDirChange)
	}
	return r
}

// Registry exposes the session registry for listings.
func (r *Router) Registry() *session.Registry { return r.registry }

// Listen subscribes to client traffic. The returned func removes the
// subscriptions.
func (r *Router) Listen() (func(), error) {
	var ids []broker.SubscriptionID
	unsubscribe := func() {
		for _, id := range ids {
			r.broker.Unsubscribe(id)
		}
	}
	for _, f := range topic.ServerFilters(r.ns) {
		id, err := r.broker.Subscribe(f, r.HandleMessage)
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", f, err)
		}
		ids = append(ids, id)
	}
	r.logger.Info("relay listening", "namespace", r.ns)
	return unsubscribe, nil
}

// Run listens until ctx is done, then stops every session.
func (r *Router) Run(ctx context.Context) error {
	unsubscribe, err := r.Listen()
	if err != nil {
		return err
	}

	<-ctx.Done()

	unsubscribe()
	if r.watcher != nil {
		r.watcher.Shutdown()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.registry.Shutdown(sctx); err != nil {
		r.logger.Warn("session shutdown incomplete", "error", err)
	}
	return nil
}

// HandleMessage dispatches one inbound message. Malformed messages are
// logged and dropped.
func (r *Router) HandleMessage(ctx context.Context, t string, payload []byte) {
	addr, err := topic.Parse(t)
	if err != nil {
		r.logger.Warn("dropping message with bad topic", "topic", t, "error", err)
		return
	}
	if addr.Namespace != r.ns || addr.Direction != topic.ToServer {
		return
	}

	switch addr.Kind {
	case topic.Control:
		ctl, err := protocol.DecodeControl(payload, addr.SessionID)
		if err != nil {
			r.logger.Warn("dropping malformed control", "topic", t, "error", err)
			return
		}
		r.handleControl(ctx, addr.ClientID, ctl)

	case topic.Input:
		in, err := protocol.DecodeInput(payload)
		if err != nil {
			r.logger.Warn("dropping malformed input", "topic", t, "error", err)
			return
		}
		key := session.Key{ClientID: addr.ClientID, SessionID: addr.SessionID}
		r.registry.RouteInput(key, in)

	default:
		r.logger.Warn("dropping message of unexpected kind", "topic", t)
	}
}

func (r *Router) handleControl(ctx context.Context, clientID string, ctl protocol.Control) {
	if ctl.IsFilesystem() {
		r.handleFilesystem(ctx, clientID, ctl)
		return
	}

	key := session.Key{ClientID: clientID, SessionID: ctl.SessionID}
	switch ctl.Action {
	case protocol.ActionStartSession:
		r.registry.Start(key, ctl.WorkingDir)
	case protocol.ActionStopSession:
		r.registry.Stop(key)
	}
}

// handleFilesystem answers on the requesting session's output topic, or
// on the default session when the request named none. Requests are
// sandboxed to the session's working directory, or the base directory for
// sessions that are not running.
func (r *Router) handleFilesystem(ctx context.Context, clientID string, ctl protocol.Control) {
	replySession := ctl.SessionID
	if replySession == "" {
		replySession = protocol.DefaultFilesystemSession
	}

	root, ok := r.registry.WorkingDir(session.Key{ClientID: clientID, SessionID: ctl.SessionID})
	if !ok {
		base, err := r.registry.ResolveDir("")
		if err != nil {
			r.publishOutput(ctx, clientID, replySession, protocol.Output{Filesystem: ptr(filesystem.ErrorResult(err))})
			return
		}
		root = base
	}

	res := r.fs.Handle(root, ctl)
	if res.Type == protocol.FSError {
		r.logger.Info("filesystem request rejected",
			"client", clientID, "session", replySession, "op", ctl.Op, "path", ctl.Path, "code", res.Code, "error", res.Message)
	}
	r.publishOutput(ctx, clientID, replySession, protocol.Output{Filesystem: &res})
}

func ptr[T any](v T) *T { return &v }

// EmitOutput publishes a line batch to the session's output topic.
func (r *Router) EmitOutput(key session.Key, batch protocol.OutputBatch) {
	r.publishOutput(context.Background(), key.ClientID, key.SessionID, protocol.Output{Batch: &batch})
}

// EmitStatus publishes a lifecycle event and keeps the directory watch in
// step with it.
func (r *Router) EmitStatus(key session.Key, status protocol.Status) {
	if r.watcher != nil {
		switch status.Type {
		case protocol.StatusStarted:
			r.watchMu.Lock()
			r.watched[key.String()] = key
			r.watchMu.Unlock()
			if err := r.watcher.Watch(key.String(), status.WorkingDir); err != nil {
				r.logger.Warn("watch working directory failed", "client", key.ClientID, "session", key.SessionID, "error", err)
			}
		case protocol.StatusStopped, protocol.StatusExit:
			// A late exit from a stopped process must not drop the watch of
			// a session restarted under the same key.
			if _, running := r.registry.Get(key); running {
				break
			}
			r.watcher.Unwatch(key.String())
			r.watchMu.Lock()
			delete(r.watched, key.String())
			r.watchMu.Unlock()
		}
	}
	r.publish(context.Background(), topic.ForClient(r.ns, key.ClientID, key.SessionID, topic.Status), status)
}

func (r *Router) onDirChange(k, root string, paths []string) {
	r.watchMu.Lock()
	key, ok := r.watched[k]
	r.watchMu.Unlock()
	if !ok {
		return
	}
	for _, p := range paths {
		r.publishOutput(context.Background(), key.ClientID, key.SessionID, protocol.Output{Filesystem: &protocol.FilesystemResult{
			Type:       protocol.FSChanged,
			Path:       p,
			WorkingDir: root,
		}})
	}
}

func (r *Router) publishOutput(ctx context.Context, clientID, sessionID string, out protocol.Output) {
	r.publish(ctx, topic.ForClient(r.ns, clientID, sessionID, topic.Output), out)
}

func (r *Router) publish(ctx context.Context, addr topic.Address, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("encode outbound message", "topic", addr.String(), "error", err)
		return
	}
	if err := r.broker.Publish(ctx, addr.String(), data); err != nil {
		r.logger.Error("publish failed", "topic", addr.String(), "error", err)
	}
}
