package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisOpTimeout = 5 * time.Second

// RedisCache implements GenericCache on a key prefix of a shared redis
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string // "<backend prefix>:<partition>:"
}

func redisCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

func (r *RedisCache) Get(key string) ([]byte, error) {
	ctx, cancel := redisCtx()
	defer cancel()

	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	return b, nil
}

func (r *RedisCache) Set(key string, value []byte) error {
	ctx, cancel := redisCtx()
	defer cancel()

	return r.rdb.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisCache) Delete(key string) error {
	ctx, cancel := redisCtx()
	defer cancel()

	return r.rdb.Del(ctx, r.prefix+key).Err()
}

func (r *RedisCache) Keys() ([]string, error) {
	ctx, cancel := redisCtx()
	defer cancel()

	keys, err := scanKeys(ctx, r.rdb, r.prefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, r.prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisCache) Init() error { return nil }

func scanKeys(ctx context.Context, rdb redis.UniversalClient, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rdb.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// RedisBackend stores partitions as key prefixes and tracks their names in a set
type RedisBackend struct {
	rdb         redis.UniversalClient
	prefix      string
	closeClient bool
}

// NewRedisBackend wraps an existing client. The client is not closed by Close.
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

// DialRedisBackend connects to redisURL and owns the resulting client
func DialRedisBackend(redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := redisCtx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Partitions degrade to network-only until redis is reachable
		logrus.Errorf("Failed to connect to redis at %s: %v", opts.Addr, err)
	}

	return &RedisBackend{rdb: client, prefix: prefix, closeClient: true}, nil
}

func (b *RedisBackend) registry() string {
	return b.prefix + ":partitions"
}

func (b *RedisBackend) Open(name string) (GenericCache, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}

	ctx, cancel := redisCtx()
	defer cancel()
	if err := b.rdb.SAdd(ctx, b.registry(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register partition %s: %w", name, err)
	}
	return &RedisCache{rdb: b.rdb, prefix: b.prefix + ":" + name + ":"}, nil
}

func (b *RedisBackend) List() ([]string, error) {
	ctx, cancel := redisCtx()
	defer cancel()

	names, err := b.rdb.SMembers(ctx, b.registry()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *RedisBackend) Remove(name string) error {
	ctx, cancel := redisCtx()
	defer cancel()

	keys, err := scanKeys(ctx, b.rdb, b.prefix+":"+name+":*")
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to remove partition %s: %w", name, err)
		}
	}

	// Unregister last so a failed delete leaves the partition listed for the next purge
	removed, err := b.rdb.SRem(ctx, b.registry(), name).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister partition %s: %w", name, err)
	}

	if removed == 0 && len(keys) == 0 {
		return fmt.Errorf("%w: %s", ErrPartitionNotFound, name)
	}
	return nil
}

// Close releases the client only when this backend dialed it
func (b *RedisBackend) Close() error {
	if !b.closeClient {
		return nil
	}
	if err := b.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
