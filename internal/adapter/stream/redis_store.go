// Package stream is the Redis Streams substrate of the transport.
//
// Every method maps onto one Redis command and is atomic on its own. No
// client-side transaction spans several of them; the small races this leaves
// between cleanup and a concurrent subscribe are accepted.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// EntryField is the single field every stream entry carries.
const EntryField = "data"

// ErrNotFound is returned by GetValue for a missing or expired key.
var ErrNotFound = errors.New("stream: key not found")

// RedisStore implements stream and key-value storage on one Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses redisURL, connects and pings the server.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Append adds data to the stream at key, creating it when absent, and trims
// the stream to roughly maxLen entries.
func (s *RedisStore) Append(ctx context.Context, key string, data []byte, maxLen int64) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: []any{EntryField, data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", key, err)
	}
	return id, nil
}

// EnsureGroup creates group on key at "$", creating the stream as well.
// An existing group is not an error: created is false.
func (s *RedisStore) EnsureGroup(ctx context.Context, key, group string) (bool, error) {
	err := s.client.XGroupCreateMkStream(ctx, key, group, "$").Err()
	if err == nil {
		return true, nil
	}
	if isBusyGroup(err) {
		return false, nil
	}
	return false, fmt.Errorf("create group %s on %s: %w", group, key, err)
}

// DestroyGroup removes group from key.
func (s *RedisStore) DestroyGroup(ctx context.Context, key, group string) error {
	if err := s.client.XGroupDestroy(ctx, key, group).Err(); err != nil {
		return fmt.Errorf("destroy group %s on %s: %w", group, key, err)
	}
	return nil
}

// GroupCount returns the number of consumer groups still attached to key.
func (s *RedisStore) GroupCount(ctx context.Context, key string) (int, error) {
	// XINFO GROUPS is read raw: only the number of groups matters here.
	groups, err := s.client.Do(ctx, "XINFO", "GROUPS", key).Slice()
	if err != nil {
		return 0, fmt.Errorf("list groups on %s: %w", key, err)
	}
	return len(groups), nil
}

// Trim cuts the stream at key down to exactly maxLen entries.
func (s *RedisStore) Trim(ctx context.Context, key string, maxLen int64) (int64, error) {
	n, err := s.client.XTrimMaxLen(ctx, key, maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("trim stream %s: %w", key, err)
	}
	return n, nil
}

// Delete removes keys outright.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Len returns the number of entries held by the stream at key.
func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("length of stream %s: %w", key, err)
	}
	return n, nil
}

// ReadGroup performs one blocking multi-key XREADGROUP with ">" for every
// key. A read that times out without data returns (nil, nil).
func (s *RedisStore) ReadGroup(ctx context.Context, group, consumer string, keys []string, count int64, block time.Duration) ([]model.StreamEntry, error) {
	streams := make([]string, 0, len(keys)*2)
	streams = append(streams, keys...)
	for range keys {
		streams = append(streams, ">")
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", group, err)
	}

	var entries []model.StreamEntry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, model.StreamEntry{
				Stream: st.Stream,
				ID:     msg.ID,
				Data:   entryData(msg.Values),
			})
		}
	}
	return entries, nil
}

// Ack acknowledges delivered entries so the group's pending list stays empty.
func (s *RedisStore) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries on %s: %w", len(ids), key, err)
	}
	return nil
}

// SetValue stores value under key for ttl.
func (s *RedisStore) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetValue returns the value at key or ErrNotFound.
func (s *RedisStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// DeleteValue removes key; a missing key is not an error.
func (s *RedisStore) DeleteValue(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// entryData extracts the payload field. Entries written by other producers
// without the field yield nil and fail to decode downstream.
func entryData(values map[string]any) []byte {
	switch v := values[EntryField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}
