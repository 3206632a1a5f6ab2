// Package session mirrors live websocket sessions into Redis so presence can
// be answered across processes.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per user: members are connection ids,
// scores are the unix-millisecond instant the entry stops counting.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed presence store
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:user:",
		now:    time.Now,
	}
}

func (s *RedisStore) key(userID int64) string {
	return s.prefix + strconv.FormatInt(userID, 10)
}

// Track records connID as live for userID until ttl elapses. Calling it again
// extends the lease.
func (s *RedisStore) Track(ctx context.Context, userID int64, connID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	key := s.key(userID)
	expiresAt := s.now().Add(ttl).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt), Member: connID})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track connection: %w", err)
	}
	return nil
}

// Untrack removes connID; removing an unknown connection is not an error.
func (s *RedisStore) Untrack(ctx context.Context, userID int64, connID string) error {
	if err := s.client.ZRem(ctx, s.key(userID), connID).Err(); err != nil {
		return fmt.Errorf("untrack connection: %w", err)
	}
	return nil
}

// Connections prunes expired leases and returns how many remain for userID.
func (s *RedisStore) Connections(ctx context.Context, userID int64) (int, error) {
	key := s.key(userID)
	cutoff := strconv.FormatInt(s.now().UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return int(card.Val()), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
