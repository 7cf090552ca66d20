// Package gateway wires a coven-rpc process together and routes outbound
// calls.
//
// # Gateway
//
// New builds every component from a config.Config:
//
//   - the context store (memory, sqlite, pgx or redis)
//   - the agent runtime with the bundled agent types
//   - the scheduler that fires delayed and cron calls
//   - one transport per configured entry, registered with the Router
//
// Run creates the bootstrap agents, connects hosted agents to the messaging
// transports and serves:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (the store answers)
//   - POST /agents/{id} - JSON-RPC invocation
//   - GET /agents/{id} - Agent description page
//   - the coven.rpc.Transport gRPC service, when a grpc transport is configured
//
// With tailscale enabled the listeners are opened on the tailnet instead of
// the configured addresses.
//
// # Router
//
// Router is the Sender of every hosted agent. Resolve asks each registered
// transport, in registration order, whether an address names a local agent;
// otherwise the first transport serving the address scheme carries the call.
// Addresses whose scheme nobody serves fail with PROTOCOL_UNSUPPORTED.
//
// Local calls never touch the network. Failures to reach a local agent are
// returned as error responses, matching what a remote caller would receive.
package gateway
