package cookiejar

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash RedisStore uses unless configured otherwise.
const DefaultRedisKey = "courier:cookies"

// RedisStore persists cookies in a Redis hash, one field per cookie. It lets
// several processes share one jar snapshot.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store writing to the hash at key. An empty key
// selects DefaultRedisKey.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) ([]Cookie, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("cookiejar: redis load: %w", err)
	}
	cookies := make([]Cookie, 0, len(fields))
	for field, raw := range fields {
		var c Cookie
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("cookiejar: decode %s: %w", field, err)
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

// Save implements Store. The hash is replaced atomically.
func (s *RedisStore) Save(ctx context.Context, cookies []Cookie) error {
	values := make([]any, 0, 2*len(cookies))
	for _, c := range cookies {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("cookiejar: encode %s: %w", c.Name, err)
		}
		values = append(values, c.Domain+";"+c.Path+";"+c.Name, string(raw))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cookiejar: redis save: %w", err)
	}
	return nil
}
