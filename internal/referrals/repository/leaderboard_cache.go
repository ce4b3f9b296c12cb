package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// LeaderboardCache stores ranked leaderboard pages keyed by page size
type LeaderboardCache interface {
	Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, bool, error)
	Set(ctx context.Context, limit int, entries []models.LeaderboardEntry) error
}

// MemoryLeaderboardCache keeps leaderboard pages in an in-process expiring LRU
type MemoryLeaderboardCache struct {
	lru *expirable.LRU[int, []models.LeaderboardEntry]
}

// NewMemoryLeaderboardCache creates a cache holding up to size pages for ttl
func NewMemoryLeaderboardCache(size int, ttl time.Duration) *MemoryLeaderboardCache {
	if size <= 0 {
		size = 16
	}
	return &MemoryLeaderboardCache{
		lru: expirable.NewLRU[int, []models.LeaderboardEntry](size, nil, ttl),
	}
}

func (c *MemoryLeaderboardCache) Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, bool, error) {
	entries, ok := c.lru.Get(limit)
	if !ok {
		return nil, false, nil
	}
	return append([]models.LeaderboardEntry(nil), entries...), true, nil
}

func (c *MemoryLeaderboardCache) Set(ctx context.Context, limit int, entries []models.LeaderboardEntry) error {
	c.lru.Add(limit, append([]models.LeaderboardEntry(nil), entries...))
	return nil
}

// RedisLeaderboardCache shares leaderboard pages between service replicas
type RedisLeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLeaderboardCache creates a cache backed by Redis
func NewRedisLeaderboardCache(addr, password string, db int, ttl time.Duration) *RedisLeaderboardCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLeaderboardCache{client: rdb, ttl: ttl}
}

func leaderboardKey(limit int) string {
	return fmt.Sprintf("referrals:leaderboard:%d", limit)
}

func (c *RedisLeaderboardCache) Get(ctx context.Context, limit int) ([]models.LeaderboardEntry, bool, error) {
	raw, err := c.client.Get(ctx, leaderboardKey(limit)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis leaderboard get: %w", err)
	}

	var entries []models.LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false, fmt.Errorf("decode cached leaderboard: %w", err)
	}
	return entries, true, nil
}

func (c *RedisLeaderboardCache) Set(ctx context.Context, limit int, entries []models.LeaderboardEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, leaderboardKey(limit), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis leaderboard set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool
func (c *RedisLeaderboardCache) Close() error {
	return c.client.Close()
}
