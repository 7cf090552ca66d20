// ABOUTME: Context store interface and shared types for per-agent persistent state
// ABOUTME: Store backends hold one record per agent: its type and a bag of JSON values

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an agent has no stored context
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a context that already exists
var ErrExists = errors.New("already exists")

// ErrUnknownDriver is returned by Open for an unsupported driver name
var ErrUnknownDriver = errors.New("unknown store driver")

// Store persists agent contexts.
type Store interface {
	// Get loads the context of agentID. Returns ErrNotFound if there is none.
	Get(ctx context.Context, agentID string) (State, error)

	// Create allocates an empty context. Returns ErrExists if one exists.
	Create(ctx context.Context, agentID string) (State, error)

	// Delete removes the context. Returns ErrNotFound if there is none.
	Delete(ctx context.Context, agentID string) error

	// Exists reports whether agentID has a context.
	Exists(ctx context.Context, agentID string) (bool, error)

	// List returns the ids of every stored agent, sorted.
	List(ctx context.Context) ([]string, error)

	// Close releases the backend.
	Close() error
}

// State is the context of one agent. Reads and writes happen in memory and
// are persisted by Flush and Destroy. A State is safe for concurrent use.
type State interface {
	AgentID() string
	AgentType() string
	SetAgentType(agentType string)

	Get(key string) (json.RawMessage, bool)
	Put(key string, value any) error
	Delete(key string)
	Keys() []string

	// Init reloads the state from the backend.
	Init(ctx context.Context) error
	// Flush persists pending changes.
	Flush(ctx context.Context) error
	// Destroy flushes pending changes and releases the state.
	Destroy(ctx context.Context) error
}

// Load decodes the value stored under key into target. It reports false when
// the key is absent.
func Load(s State, key string, target any) (bool, error) {
	raw, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

// record is the persisted form of a context.
type record struct {
	AgentType string                     `json:"agent_type"`
	Values    map[string]json.RawMessage `json:"values"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

func (r record) encodeValues() (string, error) {
	values := r.Values
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding values: %w", err)
	}
	return string(data), nil
}

func decodeValues(data string) (map[string]json.RawMessage, error) {
	values := make(map[string]json.RawMessage)
	if data == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("decoding values: %w", err)
	}
	return values, nil
}

// backend is implemented by each store for load/save of single records.
type backend interface {
	load(ctx context.Context, agentID string) (record, error)
	save(ctx context.Context, agentID string, r record) error
}

// Config selects and configures a backend for Open.
type Config struct {
	Driver        string // memory, sqlite, sqlite3, pgx, redis
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "pgx":
		return NewSQLStore(ctx, cfg.Driver, cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
