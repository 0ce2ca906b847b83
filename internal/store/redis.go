package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rendis/conductor/pkg/schema"
)

const defaultRedisPrefix = "conductor:session:"

// RedisOptions controls key naming and expiry of the Redis store.
type RedisOptions struct {
	Prefix string
	TTL    time.Duration
}

// RedisStore keeps one JSON document per session under Prefix+id. Every save
// refreshes the TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("store: redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Load(ctx context.Context, id string) (*schema.WorkflowState, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, storeError("load", err)
	}
	return decodeState(b)
}

func (s *RedisStore) Save(ctx context.Context, state *schema.WorkflowState) error {
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(state.SessionID), b, s.ttl).Err(); err != nil {
		return storeError("save", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return storeError("delete", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
