package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend maps sets onto Redis sets and maps onto Redis hashes.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func ConnectRedis(ctx context.Context, addr string, password string, db int, prefix string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackend(rdb, prefix), nil
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(kind string, k string) string {
	if r.prefix == "" {
		return kind + ":" + k
	}
	return r.prefix + ":" + kind + ":" + k
}

func (r *RedisBackend) Set(key string) Set {
	return &redisSet{client: r.client, key: r.key("set", key)}
}

func (r *RedisBackend) Map(key string) Map {
	return &redisMap{client: r.client, key: r.key("map", key)}
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close(ctx context.Context) error {
	return r.client.Close()
}

type redisSet struct {
	client *redis.Client
	key    string
}

func (s *redisSet) Add(ctx context.Context, member string) error {
	if err := s.client.SAdd(ctx, s.key, member).Err(); err != nil {
		return fmt.Errorf("failed to add %q to redis set: %w", member, err)
	}
	return nil
}

func (s *redisSet) Remove(ctx context.Context, member string) error {
	if err := s.client.SRem(ctx, s.key, member).Err(); err != nil {
		return fmt.Errorf("failed to remove %q from redis set: %w", member, err)
	}
	return nil
}

func (s *redisSet) Contains(ctx context.Context, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up %q in redis set: %w", member, err)
	}
	return ok, nil
}

func (s *redisSet) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list redis set: %w", err)
	}
	return members, nil
}

type redisMap struct {
	client *redis.Client
	key    string
}

func (m *redisMap) Put(ctx context.Context, field string, value string) error {
	if err := m.client.HSet(ctx, m.key, field, value).Err(); err != nil {
		return fmt.Errorf("failed to put %q in redis hash: %w", field, err)
	}
	return nil
}

func (m *redisMap) Get(ctx context.Context, field string) (string, bool, error) {
	val, err := m.client.HGet(ctx, m.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q from redis hash: %w", field, err)
	}
	return val, true, nil
}

func (m *redisMap) Delete(ctx context.Context, field string) error {
	if err := m.client.HDel(ctx, m.key, field).Err(); err != nil {
		return fmt.Errorf("failed to delete %q from redis hash: %w", field, err)
	}
	return nil
}

func (m *redisMap) Entries(ctx context.Context) (map[string]string, error) {
	entries, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list redis hash: %w", err)
	}
	return entries, nil
}
