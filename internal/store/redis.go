// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Each agent context is one hash holding its type, JSON values and update time

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "coven-rpc:context:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Client overrides Addr/Password/DB when set.
	Client *redis.Client
}

// RedisStore implements the Store interface on Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// saveScript writes a record only while the hash still exists, so that a
// flush racing with Delete cannot resurrect the context.
var saveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "agent_type", ARGV[1], "data", ARGV[2], "updated_at", ARGV[3])
return 1
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := opts.Client
	if client == nil {
		if opts.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger := slog.Default().With("component", "store", "driver", "redis")
	logger.Info("redis store initialized", "prefix", prefix)
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) key(agentID string) string {
	return s.prefix + agentID
}

// Get loads the context of agentID.
func (s *RedisStore) Get(ctx context.Context, agentID string) (State, error) {
	r, err := s.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return newDocument(agentID, s, r), nil
}

// Create allocates an empty context for agentID.
func (s *RedisStore) Create(ctx context.Context, agentID string) (State, error) {
	now := time.Now().UTC()
	created, err := s.client.HSetNX(ctx, s.key(agentID), "data", "{}").Result()
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	if !created {
		return nil, ErrExists
	}
	if err := s.client.HSet(ctx, s.key(agentID),
		"agent_type", "",
		"updated_at", now.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	return newDocument(agentID, s, record{UpdatedAt: now}), nil
}

// Delete removes the context of agentID.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	n, err := s.client.Del(ctx, s.key(agentID)).Result()
	if err != nil {
		return fmt.Errorf("deleting context: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether agentID has a context.
func (s *RedisStore) Exists(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking context: %w", err)
	}
	return n > 0, nil
}

// List returns every stored agent id, sorted.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, agentID string) (record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(agentID)).Result()
	if err != nil {
		return record{}, fmt.Errorf("loading context: %w", err)
	}
	if len(fields) == 0 {
		return record{}, ErrNotFound
	}

	values, err := decodeValues(fields["data"])
	if err != nil {
		return record{}, err
	}
	r := record{AgentType: fields["agent_type"], Values: values}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		r.UpdatedAt = ts
	}
	return r, nil
}

func (s *RedisStore) save(ctx context.Context, agentID string, r record) error {
	data, err := r.encodeValues()
	if err != nil {
		return err
	}
	ok, err := saveScript.Run(ctx, s.client, []string{s.key(agentID)},
		r.AgentType, data, r.UpdatedAt.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}
