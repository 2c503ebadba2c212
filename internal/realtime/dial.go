package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"qchat-relay/internal/broker"
	"qchat-relay/internal/protocol"
)

var _ broker.Broker = (*Conn)(nil)

// Conn is a broker.Broker reached through a relay's websocket endpoint.
// Subscriptions are matched locally against everything the server forwards
// for the bound client id.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[broker.SubscriptionID]*remoteSub
	seq    uint64
	closed atomic.Bool
	done   chan struct{}
	err    error
}

type remoteSub struct {
	seq     uint64
	filter  string
	handler broker.Handler
}

// Dial connects to the websocket endpoint at rawURL as clientID.
func Dial(ctx context.Context, rawURL, clientID string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Conn{
		ws:     ws,
		logger: logger,
		subs:   make(map[broker.SubscriptionID]*remoteSub),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish sends payload to topic through the relay.
func (c *Conn) Publish(ctx context.Context, t string, payload []byte) error {
	if c.closed.Load() {
		return broker.ErrClosed
	}
	data, err := json.Marshal(protocol.NewFrame(t, payload))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
	} else {
		c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers handler for forwarded topics matching filter.
func (c *Conn) Subscribe(filter string, handler broker.Handler) (broker.SubscriptionID, error) {
	if c.closed.Load() {
		return "", broker.ErrClosed
	}
	if err := broker.ValidateFilter(filter); err != nil {
		return "", err
	}
	id := broker.SubscriptionID(uuid.New().String())
	c.mu.Lock()
	c.seq++
	c.subs[id] = &remoteSub{seq: c.seq, filter: filter, handler: handler}
	c.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription.
func (c *Conn) Unsubscribe(id broker.SubscriptionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return broker.ErrSubscriptionNotFound
	}
	delete(c.subs, id)
	return nil
}

// Done is closed once the connection has gone away.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, if it has.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeDeadline))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.err = err
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		f, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if f.Error != nil {
			c.logger.Warn("relay rejected frame", "code", f.Error.Code, "message", f.Error.Message)
			continue
		}
		c.dispatch(f.Topic, f.Payload)
	}
}

func (c *Conn) dispatch(t string, payload []byte) {
	c.mu.RLock()
	matched := make([]*remoteSub, 0, len(c.subs))
	for _, sub := range c.subs {
		if broker.Match(sub.filter, t) {
			matched = append(matched, sub)
		}
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	for _, sub := range matched {
		c.deliver(sub, t, payload)
	}
}

func (c *Conn) deliver(sub *remoteSub, t string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("subscriber panic", "topic", t, "filter", sub.filter, "panic", r)
		}
	}()
	sub.handler(context.Background(), t, payload)
}
