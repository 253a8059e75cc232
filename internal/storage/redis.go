package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on redis. The TTL cache maps directly onto
// redis key expiry, which makes it the natural home for the OAuth transient.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "credbroker:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisStore) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) GetCredential(ctx context.Context, name string) (map[string]interface{}, error) {
	return r.getRecord(ctx, "cred:", name)
}

func (r *RedisStore) SetCredential(ctx context.Context, name string, data map[string]interface{}) error {
	return r.setRecord(ctx, "cred:", name, data)
}

func (r *RedisStore) DeleteCredential(ctx context.Context, name string) error {
	return r.client.Del(ctx, r.prefix+"cred:"+name).Err()
}

func (r *RedisStore) ListCredentials(ctx context.Context) ([]string, error) {
	return r.listRecords(ctx, "cred:")
}

func (r *RedisStore) GetBackend(ctx context.Context, name string) (map[string]interface{}, error) {
	return r.getRecord(ctx, "backend:", name)
}

func (r *RedisStore) SetBackend(ctx context.Context, name string, data map[string]interface{}) error {
	return r.setRecord(ctx, "backend:", name, data)
}

func (r *RedisStore) DeleteBackend(ctx context.Context, name string) error {
	return r.client.Del(ctx, r.prefix+"backend:"+name).Err()
}

func (r *RedisStore) ListBackends(ctx context.Context) ([]string, error) {
	return r.listRecords(ctx, "backend:")
}

func (r *RedisStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+"cache:"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	return data, nil
}

func (r *RedisStore) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+"cache:"+key, value, ttl).Err()
}

func (r *RedisStore) DeleteCache(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+"cache:"+key).Err()
}

func (r *RedisStore) getRecord(ctx context.Context, kind, name string) (map[string]interface{}, error) {
	data, err := r.client.Get(ctx, r.prefix+kind+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &ErrNotFound{Key: name}
		}
		return nil, err
	}
	var record map[string]interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", name, err)
	}
	return record, nil
}

func (r *RedisStore) setRecord(ctx context.Context, kind, name string, data map[string]interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", name, err)
	}
	return r.client.Set(ctx, r.prefix+kind+name, payload, 0).Err()
}

func (r *RedisStore) listRecords(ctx context.Context, kind string) ([]string, error) {
	pattern := r.prefix + kind + "*"
	var names []string

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		names = append(names, key[len(r.prefix+kind):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
