package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/devicepoll/device"
)

const (
	latestKeyPrefix = "device:last:"
	latestTTL       = 24 * time.Hour
)

func latestKey(deviceID int64) string {
	return fmt.Sprintf("%s%d", latestKeyPrefix, deviceID)
}

// CachedHistory decorates a [HistoryStore] with a Redis read-through cache
// of each device's latest record.
//
// The wrapped store stays authoritative. Cache failures are logged and
// never fail the call.
type CachedHistory struct {
	HistoryStore

	rdb    *redis.Client
	logger *slog.Logger
}

// NewCachedHistory wraps inner with a cache on rdb.
func NewCachedHistory(inner HistoryStore, rdb *redis.Client, logger *slog.Logger) *CachedHistory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedHistory{HistoryStore: inner, rdb: rdb, logger: logger}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}
	return rdb, nil
}

// Append writes through to the wrapped store, then caches rec if it is newer
// than the cached record.
func (c *CachedHistory) Append(ctx context.Context, rec *device.HistoryRecord) error {
	if err := c.HistoryStore.Append(ctx, rec); err != nil {
		return err
	}
	if cached, ok := c.cached(ctx, rec.DeviceID); ok && cached.Timestamp.After(rec.Timestamp) {
		return nil
	}
	c.store(ctx, rec)
	return nil
}

// Latest serves from the cache, falling back to the wrapped store on a miss.
func (c *CachedHistory) Latest(ctx context.Context, deviceID int64) (*device.HistoryRecord, error) {
	if rec, ok := c.cached(ctx, deviceID); ok {
		return rec, nil
	}
	rec, err := c.HistoryStore.Latest(ctx, deviceID)
	if err != nil || rec == nil {
		return rec, err
	}
	c.store(ctx, rec)
	return rec, nil
}

// PurgeOlderThan purges the wrapped store and drops every cached latest
// record when anything was deleted.
func (c *CachedHistory) PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	n, err := c.HistoryStore.PurgeOlderThan(ctx, horizon)
	if err != nil || n == 0 {
		return n, err
	}

	iter := c.rdb.Scan(ctx, 0, latestKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", "error", err)
		return n, nil
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			c.logger.Warn("cache invalidation failed", "keys", len(keys), "error", err)
		}
	}
	return n, nil
}

// PurgeDevice purges the wrapped store and the device's cached record.
func (c *CachedHistory) PurgeDevice(ctx context.Context, deviceID int64) (int64, error) {
	n, err := c.HistoryStore.PurgeDevice(ctx, deviceID)
	if err != nil {
		return n, err
	}
	if err := c.rdb.Del(ctx, latestKey(deviceID)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", "device_id", deviceID, "error", err)
	}
	return n, nil
}

func (c *CachedHistory) cached(ctx context.Context, deviceID int64) (*device.HistoryRecord, bool) {
	raw, err := c.rdb.Get(ctx, latestKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed", "device_id", deviceID, "error", err)
		return nil, false
	}
	var rec device.HistoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("cache entry corrupt", "device_id", deviceID, "error", err)
		return nil, false
	}
	return &rec, true
}

func (c *CachedHistory) store(ctx context.Context, rec *device.HistoryRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("cache encode failed", "device_id", rec.DeviceID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, latestKey(rec.DeviceID), raw, latestTTL).Err(); err != nil {
		c.logger.Warn("cache write failed", "device_id", rec.DeviceID, "error", err)
	}
}
