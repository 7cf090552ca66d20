// Package agent hosts agents: addressable instances of agent types with
// persistent state.
//
// # Types
//
// An agent type is a constructor plus an explicit operation table:
//
//	reg, _ := agent.NewRegistry(agent.Type{
//	    Name:       "calc",
//	    New:        func() agent.Agent { return &Calc{} },
//	    ThreadSafe: true,
//	    Operations: calcOps,
//	})
//
// The registry builds one rpc.Descriptor per type at registration.
//
// # Runtime
//
// The Runtime materializes handles from the context store:
//
//   - Get(ctx, id): cached handle, or load state, build and Init an instance
//   - Create(ctx, type, id): allocate state, record the type, then Get
//   - Delete(ctx, id): retire the cached handle and remove the state
//   - Invoke(ctx, id, req): Get, dispatch, Release
//
// Handles of ThreadSafe types are Cached in an LRU; evicted handles are torn
// down once their in-flight calls finish. Other types are SingleUse: every
// call gets a fresh instance whose state is flushed and released afterwards.
//
// # Outbound Calls
//
// Agents reach other agents through their Handle (Send, SendAsync, Call),
// which delegates to the Sender installed with Runtime.SetSender, normally
// the gateway router.
package agent
