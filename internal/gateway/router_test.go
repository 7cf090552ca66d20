// ABOUTME: Tests for Router address resolution, precedence and local/remote sends
// ABOUTME: Uses fake transports plus two messaging hosts sharing one hub

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/agents"
	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/store"
	"github.com/2389/coven-rpc/internal/transport"
	"github.com/2389/coven-rpc/internal/transport/messaging"
)

// fakeTransport serves one scheme and records what it is asked to send.
type fakeTransport struct {
	name   string
	scheme string
	local  map[string]string

	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Protocols() []string { return []string{f.scheme} }

func (f *fakeTransport) LocalAgentID(address string) (string, bool) {
	id, ok := f.local[address]
	return id, ok
}

func (f *fakeTransport) AgentURL(agentID string) string {
	return f.scheme + "://" + f.name + "/" + agentID
}

func (f *fakeTransport) Send(_ context.Context, _ string, address string, req *rpc.Request) (*rpc.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, address)
	f.mu.Unlock()
	return rpc.NewResponse(req.ID(), f.name)
}

func (f *fakeTransport) SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error {
	go fn(f.Send(ctx, senderID, address, req))
	return nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newRuntime(t *testing.T, calcIDs ...string) *agent.Runtime {
	t.Helper()
	reg, err := agents.NewRegistry()
	require.NoError(t, err)
	rt, err := agent.NewRuntime(agent.Config{Store: store.NewMemoryStore(), Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	for _, id := range calcIDs {
		h, err := rt.Create(context.Background(), "calc", id)
		require.NoError(t, err)
		require.NoError(t, h.Release(context.Background()))
	}
	return rt
}

func request(t *testing.T, method string, params map[string]any) *rpc.Request {
	t.Helper()
	req, err := rpc.NewRequest(rpc.NewRequestID(), method, params)
	require.NoError(t, err)
	return req
}

func TestRouter_Resolve(t *testing.T) {
	first := &fakeTransport{name: "first", scheme: "fake", local: map[string]string{"fake://here/a": "a"}}
	second := &fakeTransport{name: "second", scheme: "fake"}
	other := &fakeTransport{name: "other", scheme: "other", local: map[string]string{"other://here/b": "b"}}

	r := NewRouter(newRuntime(t), nil)
	r.Register(first)
	r.Register(second)
	r.Register(other)

	res, err := r.Resolve("fake://here/a")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Local: true, AgentID: "a"}, res)

	res, err = r.Resolve("other://here/b")
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.Equal(t, "b", res.AgentID)

	res, err = r.Resolve("FAKE://elsewhere/x")
	require.NoError(t, err)
	assert.False(t, res.Local)
	assert.Same(t, first, res.Transport, "first registered transport wins")
	assert.Equal(t, "FAKE://elsewhere/x", res.Address)

	_, err = r.Resolve("ftp://host/x")
	require.Error(t, err)
	assert.True(t, IsProtocolUnsupported(err))
	rpcErr, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeProtocolUnsupported, rpcErr.Code)

	_, err = r.Resolve("no-scheme")
	assert.ErrorIs(t, err, ErrProtocolUnsupported)
}

func TestRouter_RegisterUnregister(t *testing.T) {
	a := &fakeTransport{name: "a", scheme: "x"}
	b := &fakeTransport{name: "b", scheme: "x"}
	r := NewRouter(newRuntime(t), nil)
	r.Register(a)
	r.Register(b)

	got, ok := r.TransportFor("x")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, r.Transports(), 2)

	assert.True(t, r.Unregister(a))
	assert.False(t, r.Unregister(a))
	got, ok = r.TransportFor("x")
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.TransportFor("y")
	assert.False(t, ok)
}

func TestRouter_AgentURLs(t *testing.T) {
	r := NewRouter(newRuntime(t), nil)
	r.Register(&fakeTransport{name: "one", scheme: "a"})
	r.Register(&fakeTransport{name: "two", scheme: "b"})

	assert.Equal(t, []string{"a://one/calc-1", "b://two/calc-1"}, r.AgentURLs("calc-1"))
}

func TestRouter_SendLocalAndRemote(t *testing.T) {
	remote := &fakeTransport{name: "remote", scheme: "fake", local: map[string]string{"fake://here/calc-1": "calc-1"}}
	r := NewRouter(newRuntime(t, "calc-1"), nil)
	r.Register(remote)

	resp, err := r.Send(context.Background(), "tester", "fake://here/calc-1", request(t, "add", map[string]any{"a": 1, "b": 2}))
	require.NoError(t, err)
	var n int
	require.NoError(t, resp.Decode(&n))
	assert.Equal(t, 3, n)
	assert.Empty(t, remote.Sent(), "local agents are not sent through the transport")

	resp, err = r.Send(context.Background(), "tester", "fake://there/x", request(t, "anything", nil))
	require.NoError(t, err)
	var who string
	require.NoError(t, resp.Decode(&who))
	assert.Equal(t, "remote", who)
	assert.Equal(t, []string{"fake://there/x"}, remote.Sent())

	// Unknown local agents answer with an error response, not a Go error.
	remote.local["fake://here/ghost"] = "ghost"
	resp, err = r.Send(context.Background(), "tester", "fake://here/ghost", request(t, "add", nil))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAgentNotFound, resp.Error.Code)
}

func TestRouter_SendAsyncLocal(t *testing.T) {
	tr := &fakeTransport{name: "t", scheme: "fake", local: map[string]string{"fake://here/calc-1": "calc-1"}}
	r := NewRouter(newRuntime(t, "calc-1"), nil)
	r.Register(tr)

	done := make(chan *rpc.Response, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.SendAsync(ctx, "tester", "fake://here/calc-1", request(t, "add", map[string]any{"a": 4, "b": 4}),
		func(resp *rpc.Response, err error) {
			assert.NoError(t, err)
			done <- resp
		}))
	cancel()

	select {
	case resp := <-done:
		var n int
		require.NoError(t, resp.Decode(&n))
		assert.Equal(t, 8, n)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}

	err := r.SendAsync(context.Background(), "tester", "nowhere:x", request(t, "add", nil), func(*rpc.Response, error) {
		t.Error("callback must not run for unresolvable addresses")
	})
	assert.ErrorIs(t, err, ErrProtocolUnsupported)
}

func TestRouter_Call(t *testing.T) {
	tr := &fakeTransport{name: "t", scheme: "fake", local: map[string]string{"fake://here/calc-1": "calc-1"}}
	r := NewRouter(newRuntime(t, "calc-1"), nil)
	r.Register(tr)

	var f float64
	require.NoError(t, r.Call(context.Background(), "", "fake://here/calc-1", "divide", map[string]any{"a": 7, "b": 2}, &f))
	assert.InDelta(t, 3.5, f, 1e-9)

	err := r.Call(context.Background(), "", "fake://here/calc-1", "divide", map[string]any{"a": 7, "b": 0}, &f)
	rpcErr, ok := rpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)

	err = r.Call(context.Background(), "", "fake://here/calc-1", "nope", nil, nil)
	assert.ErrorIs(t, err, rpc.NewError(rpc.CodeMethodNotFound, ""))

	err = r.Call(context.Background(), "", "ftp://x", "add", nil, nil)
	assert.True(t, IsProtocolUnsupported(err))
}

// Two processes on different hosts, each with a messaging transport on a
// shared hub, reach each other's agents asynchronously.
func TestRouter_MessagingBetweenHosts(t *testing.T) {
	hub := messaging.NewHub()

	newHost := func(host, calcID string) *Router {
		rt := newRuntime(t, calcID)
		tr, err := messaging.New(messaging.Config{Host: host, Link: hub, Invoker: rt})
		require.NoError(t, err)
		t.Cleanup(func() { tr.Close() })
		_, err = tr.Connect(context.Background(), calcID)
		require.NoError(t, err)

		r := NewRouter(rt, nil)
		r.Register(tr)
		rt.SetSender(r)
		return r
	}
	mine := newHost("myhost.com", "alice")
	newHost("example.com", "bob")

	res, err := mine.Resolve("xmpp:alice@myhost.com")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Local: true, AgentID: "alice"}, res)

	res, err = mine.Resolve("xmpp:bob@example.com")
	require.NoError(t, err)
	assert.False(t, res.Local)
	assert.Equal(t, "xmpp:bob@example.com", res.Address)

	_, err = mine.Send(context.Background(), "alice", "xmpp:bob@example.com", request(t, "add", nil))
	assert.True(t, errors.Is(err, transport.ErrSyncUnsupported))

	done := make(chan *rpc.Response, 1)
	require.NoError(t, mine.SendAsync(context.Background(), "alice", "xmpp:bob@example.com",
		request(t, "add", map[string]any{"a": 20, "b": 22}),
		func(resp *rpc.Response, err error) {
			assert.NoError(t, err)
			done <- resp
		}))
	select {
	case resp := <-done:
		var n int
		require.NoError(t, resp.Decode(&n))
		assert.Equal(t, 42, n)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from remote host")
	}
}

var _ agent.Sender = (*Router)(nil)
