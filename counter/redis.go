package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const scanCount = 256

// RedisStore keeps counters as plain Redis integer keys: INCRBY for
// increments, GETSET for exchange. It is the store to use when several
// processes share a stream name.
type RedisStore struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisStore wraps an existing client. Close does not close it.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	if client == nil {
		panic("redis client is required")
	}
	return &RedisStore{client: client}
}

// OpenRedis connects using a redis:// URL and checks the connection.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", opts.Addr, err)
	}
	return &RedisStore{client: client, owned: true}, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, name string, by int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	n, err := s.client.IncrBy(ctx, name, by).Result()
	if err != nil {
		return 0, unavailable("incrby", name, err)
	}
	return n, nil
}

func (s *RedisStore) Exchange(ctx context.Context, name string, value int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	prev, err := s.client.GetSet(ctx, name, value).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("getset", name, err)
	}
	return prev, nil
}

func (s *RedisStore) GetAll(ctx context.Context, prefix string) (map[string]int64, error) {
	var keys []string
	it := s.client.Scan(ctx, 0, escapePattern(prefix)+"*", scanCount).Iterator()
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return nil, unavailable("scan", prefix, err)
	}

	out := make(map[string]int64, len(keys))
	for i := 0; i < len(keys); i += scanCount {
		chunk := keys[i:min(i+scanCount, len(keys))]
		vals, err := s.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, unavailable("mget", prefix, err)
		}
		for j, v := range vals {
			str, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			n, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("counter %q holds non-integer %q: %w", chunk[j], str, err)
			}
			out[strings.TrimPrefix(chunk[j], prefix)] = n
		}
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.client.Del(ctx, name).Err(); err != nil {
		return unavailable("del", name, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}
