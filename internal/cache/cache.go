// Package cache keeps each driver's last known position in redis so map and
// dashboard reads avoid scanning the positions table.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleet-mission-service/internal/model"
)

// ErrMiss is returned when no position is cached for the driver.
var ErrMiss = errors.New("cache miss")

type PositionCache interface {
	Put(ctx context.Context, sample *model.PositionSample) error
	Last(ctx context.Context, driverID uuid.UUID) (*model.PositionSample, error)
}

func positionKey(driverID uuid.UUID) string {
	return fmt.Sprintf("driver:%s:position", driverID)
}

type RedisPositionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPositionCache(rdb *redis.Client, ttl time.Duration) *RedisPositionCache {
	return &RedisPositionCache{rdb: rdb, ttl: ttl}
}

// Put stores sample unless a newer one is already cached for the driver.
func (c *RedisPositionCache) Put(ctx context.Context, sample *model.PositionSample) error {
	if current, err := c.Last(ctx, sample.DriverID); err == nil && current.CapturedAt.After(sample.CapturedAt) {
		return nil
	}
	b, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, positionKey(sample.DriverID), b, c.ttl).Err()
}

func (c *RedisPositionCache) Last(ctx context.Context, driverID uuid.UUID) (*model.PositionSample, error) {
	raw, err := c.rdb.Get(ctx, positionKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var sample model.PositionSample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, fmt.Errorf("decode cached position: %w", err)
	}
	return &sample, nil
}

// Memory is an in-process PositionCache. It backs the service when redis is
// not configured and stands in for redis in tests.
type Memory struct {
	mu   sync.Mutex
	last map[uuid.UUID]model.PositionSample
}

func NewMemory() *Memory {
	return &Memory{last: make(map[uuid.UUID]model.PositionSample)}
}

func (m *Memory) Put(ctx context.Context, sample *model.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.last[sample.DriverID]; ok && current.CapturedAt.After(sample.CapturedAt) {
		return nil
	}
	m.last[sample.DriverID] = *sample
	return nil
}

func (m *Memory) Last(ctx context.Context, driverID uuid.UUID) (*model.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample, ok := m.last[driverID]
	if !ok {
		return nil, ErrMiss
	}
	return &sample, nil
}

// New returns a redis-backed cache when addr is set and an in-memory one
// otherwise. The redis connection is checked once with ctx.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (PositionCache, *redis.Client, error) {
	if addr == "" {
		return NewMemory(), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPositionCache(rdb, ttl), rdb, nil
}
