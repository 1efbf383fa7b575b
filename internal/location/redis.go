package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	rediswrap "schoolbus-tracking/internal/redis"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// KEYS: позиция, recorded_at текущей позиции, last seen.
// ARGV: json записи, recorded_at (ms), now (ms), ttl (ms), retention (ms).
var putScript = redis.NewScript(`
local seen = redis.call('GET', KEYS[3])
if not seen or tonumber(seen) < tonumber(ARGV[3]) then
	redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[5])
end
local current = redis.call('GET', KEYS[2])
if current and tonumber(current) > tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[5])
return 1
`)

// RedisCache кеш позиций в Redis, общий для всех воркеров приема
type RedisCache struct {
	client    *redis.Client
	log       *logger.Logger
	ttl       time.Duration
	retention time.Duration
}

// NewRedisCache создает кеш поверх клиента Redis
func NewRedisCache(client *rediswrap.Client, log *logger.Logger, ttl, retention time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retention < ttl {
		retention = 24 * time.Hour
	}
	return &RedisCache{
		client:    client.GetClient(),
		log:       log,
		ttl:       ttl,
		retention: retention,
	}
}

func positionKey(driverID uuid.UUID) string {
	return rediswrap.GenerateKey(rediswrap.KeyPrefixLocation, driverID.String(), "position")
}

func recordedKey(driverID uuid.UUID) string {
	return rediswrap.GenerateKey(rediswrap.KeyPrefixLocation, driverID.String(), "recorded")
}

func seenKey(driverID uuid.UUID) string {
	return rediswrap.GenerateKey(rediswrap.KeyPrefixLocation, driverID.String(), "seen")
}

// Put атомарно сохраняет позицию, если она не старше текущей
func (c *RedisCache) Put(ctx context.Context, pos models.Position, now time.Time) (bool, error) {
	if err := pos.Validate(); err != nil {
		return false, err
	}

	data, err := json.Marshal(Entry{Position: pos, CachedAt: now})
	if err != nil {
		return false, fmt.Errorf("failed to marshal position: %w", err)
	}

	keys := []string{positionKey(pos.DriverID), recordedKey(pos.DriverID), seenKey(pos.DriverID)}
	applied, err := putScript.Run(ctx, c.client, keys,
		data,
		pos.RecordedAt.UnixMilli(),
		now.UnixMilli(),
		c.ttl.Milliseconds(),
		c.retention.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to put position for driver %s: %w", pos.DriverID, err)
	}

	if applied == 0 {
		c.log.WithField("driver_id", pos.DriverID).
			WithField("recorded_at", pos.RecordedAt).
			Debug("Stale position ignored by cache")
	}
	return applied == 1, nil
}

// Get возвращает свежую позицию водителя
func (c *RedisCache) Get(ctx context.Context, driverID uuid.UUID, now time.Time) (*Entry, bool, error) {
	val, err := c.client.Get(ctx, positionKey(driverID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get position for driver %s: %w", driverID, err)
	}

	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal position for driver %s: %w", driverID, err)
	}

	// TTL ключа приблизителен, окончательно решает сравнение с now
	if !entry.Fresh(now, c.ttl) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// LastSeen возвращает время последнего контакта
func (c *RedisCache) LastSeen(ctx context.Context, driverID uuid.UUID) (time.Time, bool, error) {
	val, err := c.client.Get(ctx, seenKey(driverID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get last seen for driver %s: %w", driverID, err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupted last seen for driver %s: %w", driverID, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
