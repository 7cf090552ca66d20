// ABOUTME: Store-and-forward messaging transport over a Link, asynchronous only
// ABOUTME: Each local agent gets a Connection with its own queue of pending callbacks

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/dedupe"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

// ErrDisconnected fails callbacks still pending when a connection closes.
var ErrDisconnected = errors.New("connection closed")

// Config configures a messaging transport.
type Config struct {
	// Scheme is the address scheme served, default "xmpp".
	Scheme string
	// Host is the domain of agents hosted here. Required.
	Host string
	Link Link
	// Invoker handles inbound requests to local agents.
	Invoker transport.Invoker
	// CallbackTimeout bounds how long a reply is awaited; zero waits forever.
	CallbackTimeout time.Duration
	// DedupeTTL is how long inbound message ids are remembered.
	DedupeTTL time.Duration
	Logger    *slog.Logger
}

// Transport sends requests as messages and serves inbound ones.
type Transport struct {
	scheme  string
	host    string
	link    Link
	invoker transport.Invoker
	timeout time.Duration
	seen    *dedupe.Cache
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

// New creates a messaging transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Host == "" {
		return nil, errors.New("messaging transport requires a host")
	}
	if cfg.Link == nil {
		return nil, errors.New("messaging transport requires a link")
	}
	scheme := strings.ToLower(cfg.Scheme)
	if scheme == "" {
		scheme = DefaultScheme
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		scheme:  scheme,
		host:    strings.ToLower(cfg.Host),
		link:    cfg.Link,
		invoker: cfg.Invoker,
		timeout: cfg.CallbackTimeout,
		seen:    dedupe.New(cfg.DedupeTTL, 0),
		logger:  logger.With("component", "messaging-transport", "scheme", scheme),
		conns:   make(map[string]*Connection),
	}, nil
}

// Protocols returns the scheme served by this transport.
func (t *Transport) Protocols() []string {
	return []string{t.scheme}
}

// LocalAgentID claims addresses on this transport's scheme and host.
func (t *Transport) LocalAgentID(address string) (string, bool) {
	addr, err := ParseAddress(address)
	if err != nil || addr.Scheme != t.scheme || addr.Host != t.host {
		return "", false
	}
	return addr.Agent, true
}

// AgentURL returns the bare address of a local agent.
func (t *Transport) AgentURL(agentID string) string {
	return t.localAddress(agentID).String()
}

func (t *Transport) localAddress(agentID string) Address {
	return Address{Scheme: t.scheme, Agent: agentID, Host: t.host}
}

// Send always fails: replies arrive as separate messages.
func (t *Transport) Send(context.Context, string, string, *rpc.Request) (*rpc.Response, error) {
	return nil, transport.ErrSyncUnsupported
}

// SendAsync sends req from senderID's connection, connecting it first if
// needed. fn receives the reply when it arrives.
func (t *Transport) SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error {
	to, err := ParseAddress(address)
	if err != nil {
		return err
	}
	conn, err := t.Connect(ctx, senderID)
	if err != nil {
		return err
	}
	return conn.SendAsync(ctx, to, req, fn)
}

// Connect opens the inbox of a local agent. Connecting twice returns the
// existing connection.
func (t *Transport) Connect(ctx context.Context, agentID string) (*Connection, error) {
	if agentID == "" {
		return nil, errors.New("agent id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}
	if conn, ok := t.conns[agentID]; ok {
		return conn, nil
	}

	var opts []callback.Option
	if t.timeout > 0 {
		opts = append(opts, callback.WithTimeout(t.timeout))
	}
	conn := &Connection{
		t:       t,
		agentID: agentID,
		local:   t.localAddress(agentID),
		queue:   callback.NewQueue(opts...),
		logger:  t.logger.With("agent_id", agentID),
	}
	if err := t.link.Open(ctx, conn.local, conn.receive); err != nil {
		return nil, fmt.Errorf("opening inbox of %s: %w", agentID, err)
	}
	t.conns[agentID] = conn
	conn.logger.Debug("connected", "address", conn.local.String())
	return conn, nil
}

// Connection returns the open connection of agentID.
func (t *Transport) Connection(agentID string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[agentID]
	return conn, ok
}

// Disconnect closes agentID's inbox and fails its pending callbacks with
// ErrDisconnected.
func (t *Transport) Disconnect(agentID string) error {
	t.mu.Lock()
	conn, ok := t.conns[agentID]
	delete(t.conns, agentID)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.close()
}

// Close disconnects every agent.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*Connection)
	t.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.seen.Close()
	return errors.Join(errs...)
}

// Connection is a local agent's presence on the link.
type Connection struct {
	t       *Transport
	agentID string
	local   Address
	queue   *callback.Queue
	logger  *slog.Logger
}

// Address returns the connection's bare address.
func (c *Connection) Address() Address {
	return c.local
}

// Pending returns the number of callbacks awaiting replies.
func (c *Connection) Pending() int {
	return c.queue.Len()
}

// SendAsync registers fn under the request id, assigning one when the request
// has none, and sends the request to to.
func (c *Connection) SendAsync(ctx context.Context, to Address, req *rpc.Request, fn callback.Func) error {
	if req.ID().IsZero() {
		req = req.WithID(rpc.NewRequestID())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := c.queue.Push(req.ID(), fn); err != nil {
		return err
	}
	if err := c.send(ctx, to, body); err != nil {
		c.queue.Pull(req.ID())
		return err
	}
	c.logger.Debug("request sent",
		"to", to.String(),
		"method", req.Method(),
		"id", req.ID().String(),
	)
	return nil
}

func (c *Connection) send(ctx context.Context, to Address, body []byte) error {
	env := Envelope{
		ID:   uuid.NewString(),
		From: c.local,
		To:   to,
		Body: body,
	}
	if err := c.t.link.Deliver(ctx, env); err != nil {
		return fmt.Errorf("sending to %s: %w", to.String(), err)
	}
	return nil
}

func (c *Connection) reply(ctx context.Context, to Address, resp *rpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("encoding reply", "to", to.String(), "error", err)
		return
	}
	if err := c.send(ctx, to.Bare(), body); err != nil {
		c.logger.Warn("sending reply", "to", to.String(), "error", err)
	}
}

// receive handles one inbound envelope: responses resolve pending callbacks,
// requests are dispatched to the agent and answered.
func (c *Connection) receive(ctx context.Context, env Envelope) {
	if env.ID != "" && c.t.seen.CheckAndMark(env.From.Bare().String()+"|"+env.ID) {
		c.logger.Debug("dropping duplicate message", "from", env.From.String(), "message_id", env.ID)
		return
	}

	msg, err := rpc.Decode(env.Body)
	if err != nil {
		c.logger.Debug("malformed message", "from", env.From.String(), "error", err)
		c.reply(ctx, env.From, rpc.NewErrorResponse(rpc.PeekID(env.Body), rpc.ErrorFrom(err)))
		return
	}

	if msg.IsResponse() {
		if err := c.queue.Resolve(msg.Response); err != nil {
			c.logger.Warn("dropping response",
				"from", env.From.String(),
				"id", msg.Response.ID.String(),
				"error", err,
			)
		}
		return
	}

	if c.t.invoker == nil {
		c.reply(ctx, env.From, rpc.NewErrorResponse(msg.Request.ID(),
			rpc.NewError(rpc.CodeInternalError, "no agents are served on this connection")))
		return
	}
	resp := transport.Dispatch(ctx, c.t.invoker, c.agentID, msg.Request)
	c.reply(ctx, env.From, resp)
}

func (c *Connection) close() error {
	err := c.t.link.Close(c.local)
	if n := c.queue.Clear(ErrDisconnected); n > 0 {
		c.logger.Debug("pending callbacks failed on disconnect", "count", n)
	}
	c.logger.Debug("disconnected")
	return err
}
