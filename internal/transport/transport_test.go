// ABOUTME: Tests for shared inbound dispatch helpers
// ABOUTME: Failures to reach an agent must surface as error responses, never as panics

package transport

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/rpc"
)

type invokerFunc func(ctx context.Context, agentID string, req *rpc.Request) (*rpc.Response, error)

func (f invokerFunc) Invoke(ctx context.Context, agentID string, req *rpc.Request) (*rpc.Response, error) {
	return f(ctx, agentID, req)
}

func TestDispatchBody(t *testing.T) {
	echo := invokerFunc(func(_ context.Context, agentID string, req *rpc.Request) (*rpc.Response, error) {
		if agentID != "known" {
			return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
		}
		return rpc.NewResponse(req.ID(), req.Method())
	})
	ctx := context.Background()

	resp := DispatchBody(ctx, echo, "known", []byte(`{"id":"1","method":"ping"}`))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"ping"`, string(resp.Result))

	resp = DispatchBody(ctx, echo, "unknown", []byte(`{"id":"2","method":"ping"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAgentNotFound, resp.Error.Code)
	assert.Equal(t, "2", resp.ID.String())

	resp = DispatchBody(ctx, echo, "known", []byte(`{"id":"3","method":`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)

	resp = DispatchBody(ctx, echo, "known", []byte(`{"id":"4","result":1}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, "4", resp.ID.String())
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "xmpp", Scheme("xmpp:bob@example.com"))
	assert.Equal(t, "https", Scheme("HTTPS://host/agents/a"))
	assert.Equal(t, "", Scheme("no-scheme"))
}
