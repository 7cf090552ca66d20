// ABOUTME: Tests for the gRPC transport against a real listener on localhost
// ABOUTME: Covers address parsing, dispatch, error propagation and bearer auth

package grpctransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/agents"
	"github.com/2389/coven-rpc/internal/auth"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/store"
)

func newRuntime(t *testing.T) *agent.Runtime {
	t.Helper()
	reg, err := agents.NewRegistry()
	require.NoError(t, err)
	rt, err := agent.NewRuntime(agent.Config{Store: store.NewMemoryStore(), Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })

	h, err := rt.Create(context.Background(), "calc", "calc-1")
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
	return rt
}

func serve(t *testing.T, cfg ServerConfig) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer(cfg)
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)
	return ln.Addr().String()
}

func newTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		address string
		target  string
		agentID string
		wantErr bool
	}{
		{"grpc://localhost:50051/calc-1", "localhost:50051", "calc-1", false},
		{"GRPC://Example.COM:1/a%20b", "example.com:1", "a b", false},
		{"grpc://localhost:50051/", "", "", true},
		{"grpc://localhost:50051/a/b", "", "", true},
		{"grpc:///calc-1", "", "", true},
		{"http://localhost/calc-1", "", "", true},
	}
	for _, tt := range tests {
		target, agentID, err := ParseAddress(tt.address)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAddress, tt.address)
			continue
		}
		require.NoError(t, err, tt.address)
		assert.Equal(t, tt.target, target)
		assert.Equal(t, tt.agentID, agentID)
	}
}

func TestLocalAgentID(t *testing.T) {
	tr := newTransport(t, Config{Host: "LocalHost:50051"})

	assert.Equal(t, []string{"grpc"}, tr.Protocols())
	assert.Equal(t, "grpc://localhost:50051/calc-1", tr.AgentURL("calc-1"))

	id, ok := tr.LocalAgentID("grpc://localhost:50051/calc-1")
	assert.True(t, ok)
	assert.Equal(t, "calc-1", id)

	_, ok = tr.LocalAgentID("grpc://otherhost:50051/calc-1")
	assert.False(t, ok)
	_, ok = tr.LocalAgentID("grpc://localhost:50052/calc-1")
	assert.False(t, ok)
}

func TestSend(t *testing.T) {
	rt := newRuntime(t)
	addr := serve(t, ServerConfig{Invoker: rt})
	tr := newTransport(t, Config{Host: addr})

	req, err := rpc.NewRequest(rpc.NumberID(5), "add", map[string]any{"a": 40, "b": 2})
	require.NoError(t, err)
	resp, err := tr.Send(context.Background(), "tester", tr.AgentURL("calc-1"), req)
	require.NoError(t, err)
	assert.Equal(t, rpc.NumberID(5), resp.ID)
	var n int
	require.NoError(t, resp.Decode(&n))
	assert.Equal(t, 42, n)

	resp, err = tr.Send(context.Background(), "tester", tr.AgentURL("missing"), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAgentNotFound, resp.Error.Code)
}

func TestSendAsync(t *testing.T) {
	rt := newRuntime(t)
	addr := serve(t, ServerConfig{Invoker: rt})
	tr := newTransport(t, Config{Host: addr})

	req, err := rpc.NewRequest(rpc.NumberID(1), "divide", map[string]any{"a": 1, "b": 0})
	require.NoError(t, err)

	done := make(chan *rpc.Response, 1)
	require.NoError(t, tr.SendAsync(context.Background(), "", tr.AgentURL("calc-1"), req, func(resp *rpc.Response, err error) {
		assert.NoError(t, err)
		done <- resp
	}))
	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
	}

	assert.ErrorIs(t, tr.SendAsync(context.Background(), "", "grpc://nohost", req, func(*rpc.Response, error) {}), ErrInvalidAddress)
}

func TestServer_MalformedBody(t *testing.T) {
	s := NewServer(newRuntime(t), nil)

	out, err := s.Invoke(context.Background(), &Frame{AgentID: "calc-1", Body: []byte(`{"id":1`)})
	require.NoError(t, err)
	resp, err := rpc.DecodeResponse(out.Body)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)

	_, err = s.Invoke(context.Background(), &Frame{Body: []byte(`{}`)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAuth(t *testing.T) {
	rt := newRuntime(t)
	verifier := auth.NewJWTVerifier([]byte("grpc-test-secret-with-enough-bytes"))
	addr := serve(t, ServerConfig{Invoker: rt, Verifier: verifier})

	req, err := rpc.NewRequest(rpc.NumberID(1), "add", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	anon := newTransport(t, Config{Host: addr})
	_, err = anon.Send(context.Background(), "", anon.AgentURL("calc-1"), req)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	token, err := verifier.Generate("bob", []string{"ops"}, time.Hour)
	require.NoError(t, err)
	authed := newTransport(t, Config{Host: addr, Token: token})
	resp, err := authed.Send(context.Background(), "", authed.AgentURL("calc-1"), req)
	require.NoError(t, err)
	var n int
	require.NoError(t, resp.Decode(&n))
	assert.Equal(t, 3, n)
}

func TestClose(t *testing.T) {
	tr := newTransport(t, Config{Host: "127.0.0.1:1"})
	require.NoError(t, tr.Close())

	req, err := rpc.NewRequest(rpc.NumberID(1), "add", nil)
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), "", tr.AgentURL("x"), req)
	assert.Error(t, err)
}

var _ InvokeServer = (*Server)(nil)
