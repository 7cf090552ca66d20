// Package store persists agent contexts: the agent's type plus a bag of
// JSON values private to the agent.
//
// # Backends
//
//   - MemoryStore: in-process maps, used by tests and single-node setups
//   - SQLStore: sqlx over modernc sqlite ("sqlite"), mattn sqlite3 ("sqlite3")
//     or Postgres ("pgx"), one agent_contexts table
//   - RedisStore: one hash per agent under a key prefix
//
// Open selects a backend from Config.Driver.
//
// # State
//
// Store.Get and Store.Create return a State. Reads and writes go to memory;
// Flush writes pending changes back and Destroy flushes and releases the
// state. A flush never recreates a context that was deleted in the meantime:
// it fails with ErrNotFound instead.
package store
