// This file implements the Redis client wrapper shared by every store in the
// syncer. It adds key namespacing, connect-time health checking, and helpers
// for the RedisJSON commands used against the conscious-state document.
//
// The conscious-state document and per-task mirrors are RedisJSON values; the
// go-redis v8 API has no typed bindings for the JSON.* command family, so the
// helpers below issue them through Do. Mapping tables, queues and sidecars use
// plain hashes, lists and strings.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides namespaced Redis access for syncer components.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number (0-15)
	Namespace string // Optional key namespace prefix
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with the specified options and
// verifies connectivity with a ping.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}
	if opts.DB != 0 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", ErrRedisUnavailable)
	}

	if opts.Logger != nil {
		opts.Logger.Debug("Redis client connected", map[string]interface{}{
			"db":        redisOpt.DB,
			"namespace": opts.Namespace,
		})
	}

	return &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// NewRedisClientFromExisting wraps an already-connected client. Used by tests
// that run against miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Key returns the namespaced form of a key.
func (r *RedisClient) Key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Client exposes the underlying go-redis client for pipelines, transactions
// and pub/sub subscriptions.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", ErrRedisUnavailable)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// JSONGet reads a JSONPath from a RedisJSON document. Returns ErrTaskNotFound
// when the key or path does not exist.
func (r *RedisClient) JSONGet(ctx context.Context, key, path string) (string, error) {
	res, err := r.client.Do(ctx, "JSON.GET", r.Key(key), path).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("JSON.GET %s %s: %w", key, path, err)
	}
	s, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("JSON.GET %s %s: unexpected reply type %T", key, path, res)
	}
	return s, nil
}

// JSONSet writes a value at a JSONPath inside a RedisJSON document. The value
// is marshalled to JSON. Path-scoped writes let concurrent writers editing
// disjoint sub-paths avoid conflicting.
func (r *RedisClient) JSONSet(ctx context.Context, key, path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s: %w", key, err)
	}
	if err := r.client.Do(ctx, "JSON.SET", r.Key(key), path, string(data)).Err(); err != nil {
		return fmt.Errorf("JSON.SET %s %s: %w", key, path, err)
	}
	return nil
}

// JSONSetNX writes a value only if the path does not exist yet.
func (r *RedisClient) JSONSetNX(ctx context.Context, key, path string, value interface{}) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to serialize value for %s: %w", key, err)
	}
	res, err := r.client.Do(ctx, "JSON.SET", r.Key(key), path, string(data), "NX").Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("JSON.SET NX %s %s: %w", key, path, err)
	}
	return res != nil, nil
}

// JSONDel removes a JSONPath from a RedisJSON document. Deleting a missing
// path is not an error.
func (r *RedisClient) JSONDel(ctx context.Context, key, path string) error {
	if err := r.client.Do(ctx, "JSON.DEL", r.Key(key), path).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("JSON.DEL %s %s: %w", key, path, err)
	}
	return nil
}

// ScanKeys returns all keys matching a pattern, already stripped of the
// namespace prefix. Uses SCAN, never KEYS.
func (r *RedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.Key(pattern), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("SCAN %s: %w", pattern, err)
		}
		for _, k := range batch {
			if r.namespace != "" {
				k = k[len(r.namespace)+1:]
			}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Publish sends a JSON-encoded payload on a pub/sub channel.
func (r *RedisClient) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for %s: %w", channel, err)
	}
	if err := r.client.Publish(ctx, r.Key(channel), data).Err(); err != nil {
		return fmt.Errorf("PUBLISH %s: %w", channel, err)
	}
	return nil
}

// JSONArrAppend appends a value to a JSON array inside a document.
func (r *RedisClient) JSONArrAppend(ctx context.Context, key, path string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for %s: %w", key, err)
	}
	if err := r.client.Do(ctx, "JSON.ARRAPPEND", r.Key(key), path, string(data)).Err(); err != nil {
		return fmt.Errorf("JSON.ARRAPPEND %s %s: %w", key, path, err)
	}
	return nil
}
