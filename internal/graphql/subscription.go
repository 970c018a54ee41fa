package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// graphql-ws (subscriptions-transport-ws) message types.
const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionError     = "connection_error"
	msgConnectionKeepAlive = "ka"
	msgConnectionTerminate = "connection_terminate"
	msgStart               = "start"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
	msgStop                = "stop"
)

// Subprotocol is the websocket subprotocol negotiated with the server.
const Subprotocol = "graphql-ws"

const (
	defaultSubscriptionTimeout = 30 * time.Second
	defaultReconnectAttempts   = 10000
	writeWait                  = 10 * time.Second
)

// ErrSubscriptionClosed is returned by Subscribe after Close.
var ErrSubscriptionClosed = errors.New("subscription client closed")

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionOptions configures a SubscriptionClient.
type SubscriptionOptions struct {
	URL string

	// ConnectionParams is evaluated on every connection attempt and sent as
	// the connection_init payload.
	ConnectionParams func() map[string]any

	// Timeout bounds each connection attempt and the silence tolerated between
	// server messages once connected.
	Timeout time.Duration

	// MaxReconnectAttempts is the number of consecutive failed attempts after
	// which the client gives up until the next Subscribe.
	MaxReconnectAttempts int

	Retry  *RetryConfig
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Handler receives each result of a subscription.
type Handler func(resp *Response)

type operation struct {
	request *Request
	handler Handler
}

// SubscriptionClient multiplexes GraphQL subscriptions over one websocket.
// It connects lazily on the first Subscribe, reconnects with backoff, and
// disconnects when the last subscription is removed.
type SubscriptionClient struct {
	opts SubscriptionOptions

	mu         sync.Mutex
	ops        map[string]*operation
	conn       *websocket.Conn
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
	onConnect  []func()
	writeMutex sync.Mutex
}

// NewSubscriptionClient creates an idle client.
func NewSubscriptionClient(opts SubscriptionOptions) *SubscriptionClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSubscriptionTimeout
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: opts.Timeout,
			Subprotocols:     []string{Subprotocol},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SubscriptionClient{
		opts: opts,
		ops:  make(map[string]*operation),
	}
}

// BearerParams returns connection params carrying an Authorization header
// built from credential on every attempt.
func BearerParams(credential CredentialFunc) func() map[string]any {
	return func() map[string]any {
		headers := map[string]any{}
		if credential != nil {
			if tok := credential(); tok != "" {
				headers["Authorization"] = "Bearer " + tok
			}
		}
		return map[string]any{"headers": headers}
	}
}

// OnConnected registers fn to run after every acknowledged connection.
func (c *SubscriptionClient) OnConnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// Subscribe registers a subscription and returns its id. The connection is
// started if it is not running.
func (c *SubscriptionClient) Subscribe(req *Request, handler Handler) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrSubscriptionClosed
	}
	c.ops[id] = &operation{request: req, handler: handler}
	conn := c.conn
	if c.cancel == nil {
		c.startLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.sendStart(conn, id, req); err != nil {
			c.opts.Logger.Warn("subscription start failed", "id", id, "error", err)
		}
	}
	return id, nil
}

// Unsubscribe stops a subscription. Removing the last one closes the connection.
func (c *SubscriptionClient) Unsubscribe(id string) {
	c.mu.Lock()
	if _, ok := c.ops[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.ops, id)
	conn := c.conn
	// The loop is detached in the same critical section so a Subscribe
	// arriving after this point starts a fresh one.
	var l loop
	if len(c.ops) == 0 {
		l = c.detachLocked()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = c.write(conn, wsMessage{ID: id, Type: msgStop})
	}
	c.shutdown(l)
}

// Active returns the number of registered subscriptions.
func (c *SubscriptionClient) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Connected reports whether an acknowledged connection is open.
func (c *SubscriptionClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close drops every subscription and stops the connection for good.
func (c *SubscriptionClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.ops = make(map[string]*operation)
	l := c.detachLocked()
	c.mu.Unlock()
	c.shutdown(l)
}

func (c *SubscriptionClient) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// loop is a connection loop detached from the client.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn
}

// detachLocked hands the running loop to the caller, who must pass it to shutdown.
func (c *SubscriptionClient) detachLocked() loop {
	l := loop{cancel: c.cancel, done: c.done, conn: c.conn}
	c.cancel = nil
	return l
}

// shutdown stops a detached loop and waits for it to exit.
func (c *SubscriptionClient) shutdown(l loop) {
	if l.cancel == nil {
		return
	}
	l.cancel()
	if l.conn != nil {
		_ = c.write(l.conn, wsMessage{Type: msgConnectionTerminate})
		l.conn.Close()
	}
	<-l.done
}

// run keeps a connection open until ctx is cancelled or the reconnect
// ceiling is reached.
func (c *SubscriptionClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	failures := 0
	for {
		acked, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if acked {
			failures = 0
		}
		failures++
		if failures > c.opts.MaxReconnectAttempts {
			c.opts.Logger.Error("subscription reconnect attempts exhausted", "url", c.opts.URL, "error", err)
			return
		}
		c.opts.Logger.Warn("subscription connection lost", "url", c.opts.URL, "attempt", failures, "error", err)
		if Sleep(ctx, c.opts.Retry.Backoff(failures-1)) != nil {
			return
		}
	}
}

// connectAndServe dials, completes the init handshake, starts every
// registered operation, and reads until the connection fails.
func (c *SubscriptionClient) connectAndServe(ctx context.Context) (acked bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, http.Header{})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock reads on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var params map[string]any
	if c.opts.ConnectionParams != nil {
		params = c.opts.ConnectionParams()
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return false, fmt.Errorf("marshal connection params: %w", err)
	}
	if err := c.write(conn, wsMessage{Type: msgConnectionInit, Payload: payload}); err != nil {
		return false, fmt.Errorf("send init: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return false, fmt.Errorf("read ack: %w", err)
	}
	switch ack.Type {
	case msgConnectionAck:
	case msgConnectionError:
		return false, fmt.Errorf("connection rejected: %s", string(ack.Payload))
	default:
		return false, fmt.Errorf("unexpected message %q before ack", ack.Type)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return true, ctx.Err()
	}
	c.conn = conn
	ops := make(map[string]*operation, len(c.ops))
	for id, op := range c.ops {
		ops[id] = op
	}
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for id, op := range ops {
		if err := c.sendStart(conn, id, op.request); err != nil {
			return true, err
		}
	}
	for _, fn := range hooks {
		fn()
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *SubscriptionClient) dispatch(msg wsMessage) {
	switch msg.Type {
	case msgConnectionKeepAlive:
	case msgData:
		c.mu.Lock()
		op := c.ops[msg.ID]
		c.mu.Unlock()
		if op == nil {
			return
		}
		var resp Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			c.opts.Logger.Warn("subscription payload decode failed", "id", msg.ID, "error", err)
			return
		}
		op.handler(&resp)
	case msgError:
		c.opts.Logger.Warn("subscription error", "id", msg.ID, "payload", string(msg.Payload))
	case msgComplete:
		c.mu.Lock()
		delete(c.ops, msg.ID)
		c.mu.Unlock()
	case msgConnectionError:
		c.opts.Logger.Warn("subscription connection error", "payload", string(msg.Payload))
	}
}

func (c *SubscriptionClient) sendStart(conn *websocket.Conn, id string, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return c.write(conn, wsMessage{ID: id, Type: msgStart, Payload: payload})
}

func (c *SubscriptionClient) write(conn *websocket.Conn, msg wsMessage) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
