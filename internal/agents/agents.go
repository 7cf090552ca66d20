// ABOUTME: Package agents holds the agent types bundled with coven-rpc
// ABOUTME: NewRegistry registers all of them for the server and the CLI

package agents

import (
	"github.com/2389/coven-rpc/internal/agent"
)

// Types returns every bundled agent type.
func Types() []agent.Type {
	return []agent.Type{CalcType, CounterType, EchoType}
}

// NewRegistry returns a registry holding every bundled type.
func NewRegistry() (*agent.Registry, error) {
	return agent.NewRegistry(Types()...)
}
