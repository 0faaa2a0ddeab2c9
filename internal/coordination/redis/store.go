// Package redis implements the full Coordination Port (KV and PubSub) on
// redis/go-redis/v9, using a Lua script for the compare-and-set primitive
// the primary-election and job-claim logic depends on.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/flowguard/internal/domain"
)

// casScript implements an atomic compare-and-set: if the key's current
// value equals ARGV[1] (or the key is absent and ARGV[1] is empty), set it
// to ARGV[2] with expiry ARGV[3] seconds (0 = no expiry). Returns 1 on
// success, 0 if the comparison failed.
const casScript = `
local cur = redis.call("GET", KEYS[1])
if (cur == false and ARGV[1] == "") or (cur == ARGV[1]) then
  if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
  else
    redis.call("SET", KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`

// Store is a go-redis/v9-backed coordination.Port.
type Store struct {
	client *redis.Client
	cas    *redis.Script
}

// New opens a coordination store against a single Redis node address.
func New(addr string) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		cas:    redis.NewScript(casScript),
	}
}

// NewWithClient wraps an already-configured client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, cas: redis.NewScript(casScript)}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &domain.CoordinationError{Op: "set", Cause: err}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{Kind: "coordination_key", ID: key}
		}
		return nil, &domain.CoordinationError{Op: "get", Cause: err}
	}
	return val, nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte, ttl time.Duration) (bool, error) {
	ttlSeconds := int64(0)
	if ttl > 0 {
		ttlSeconds = int64(ttl.Seconds())
		if ttlSeconds < 1 {
			ttlSeconds = 1
		}
	}
	res, err := s.cas.Run(ctx, s.client, []string{key}, string(oldValue), string(newValue), ttlSeconds).Int()
	if err != nil {
		return false, &domain.CoordinationError{Op: "compare_and_set", Cause: err}
	}
	return res == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &domain.CoordinationError{Op: "delete", Cause: err}
	}
	return nil
}

func (s *Store) ListPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, &domain.CoordinationError{Op: "list_prefix", Cause: err}
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, &domain.CoordinationError{Op: "list_prefix_scan", Cause: err}
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return &domain.CoordinationError{Op: "publish", Cause: err}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, &domain.CoordinationError{Op: "subscribe", Cause: err}
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
