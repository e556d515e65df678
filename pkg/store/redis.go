package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisNamespace = "tilesync:"

type redisBackend struct {
	rdb *redis.Client
}

func openRedis(ctx context.Context, addr string) (*redisBackend, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &redisBackend{rdb: rdb}, nil
}

func (b *redisBackend) Put(ctx context.Context, key string, value []byte) error {
	return b.rdb.Set(ctx, redisNamespace+key, value, 0).Err()
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, redisNamespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, redisNamespace+key).Err()
}

func (b *redisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := redisNamespace + globEscape(prefix) + "*"
	var keys []string
	iter := b.rdb.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), redisNamespace))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *redisBackend) Close() error {
	return b.rdb.Close()
}

// globEscape quotes the characters SCAN MATCH treats as patterns.
func globEscape(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
