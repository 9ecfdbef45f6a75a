package catalog

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "catalog:version"

// Source is the authoritative ownership check.
type Source interface {
	Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error
}

// Cache remembers positive ownership answers in Redis. Negative answers are
// never cached, so a product created a moment ago resolves on the next call.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached answer, e.g. after a product changes tenant.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *Cache) key(ctx context.Context, tenantID, warehouseID, productID int64) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{"catalog", "owns", formatInt(tenantID), formatInt(warehouseID), formatInt(productID), formatInt(ver)}, ":"), nil
}

// Lookup is the cached catalog port used by the inventory engine.
type Lookup struct {
	source Source
	cache  *Cache
	logger *slog.Logger
}

// NewLookup wires source behind cache. A nil cache disables caching.
func NewLookup(source Source, cache *Cache, logger *slog.Logger) *Lookup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{source: source, cache: cache, logger: logger}
}

// Resolve answers from the cache when possible. Cache failures degrade to a
// direct lookup.
func (l *Lookup) Resolve(ctx context.Context, tenantID, warehouseID, productID int64) error {
	if l.cache == nil || l.cache.client == nil {
		return l.source.Resolve(ctx, tenantID, warehouseID, productID)
	}
	key, err := l.cache.key(ctx, tenantID, warehouseID, productID)
	if err == nil {
		var hit int64
		hit, err = l.cache.client.Exists(ctx, key).Result()
		if err == nil && hit > 0 {
			return nil
		}
	}
	if err != nil {
		l.logger.Warn("catalog cache read failed", slog.Any("error", err))
	}
	if err := l.source.Resolve(ctx, tenantID, warehouseID, productID); err != nil {
		return err
	}
	if key != "" {
		if err := l.cache.client.Set(ctx, key, 1, l.cache.ttl).Err(); err != nil {
			l.logger.Warn("catalog cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
