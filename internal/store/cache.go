package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rangebreak/rangebreak/internal/domain"
)

const (
	scanKey        = "rangebreak:scan:latest"
	defaultScanTTL = 90 * time.Second
)

// ScanCache keeps the latest scan results hot in Redis so the control API
// and external dashboards can read them without touching the engine.
type ScanCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewScanCache connects to Redis and verifies the connection
func NewScanCache(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*ScanCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return newScanCache(client, logger), nil
}

func newScanCache(client *redis.Client, logger zerolog.Logger) *ScanCache {
	return &ScanCache{
		client: client,
		ttl:    defaultScanTTL,
		log:    logger.With().Str("component", "scan_cache").Logger(),
	}
}

// Close releases the Redis connection
func (c *ScanCache) Close() error {
	return c.client.Close()
}

// StoreScan replaces the cached scan with this cycle's results
func (c *ScanCache) StoreScan(ctx context.Context, results []*domain.ScanResult) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal scan results: %w", err)
	}
	if err := c.client.Set(ctx, scanKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache scan results: %w", err)
	}
	return nil
}

// LatestScan returns the cached scan, or nil when none is cached or the
// TTL has lapsed
func (c *ScanCache) LatestScan(ctx context.Context) ([]*domain.ScanResult, error) {
	payload, err := c.client.Get(ctx, scanKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached scan: %w", err)
	}
	var out []*domain.ScanResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode cached scan: %w", err)
	}
	return out, nil
}
