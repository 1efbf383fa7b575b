package location

import (
	"context"
	"sync"
	"time"

	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// MemoryCache потокобезопасный кеш позиций в памяти процесса
type MemoryCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	entries  map[uuid.UUID]Entry
	lastSeen map[uuid.UUID]time.Time
}

// NewMemoryCache создает кеш с заданным TTL отображения
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:      ttl,
		entries:  make(map[uuid.UUID]Entry),
		lastSeen: make(map[uuid.UUID]time.Time),
	}
}

// Put сохраняет позицию водителя
func (c *MemoryCache) Put(_ context.Context, pos models.Position, now time.Time) (bool, error) {
	if err := pos.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.lastSeen[pos.DriverID]; !ok || now.After(seen) {
		c.lastSeen[pos.DriverID] = now
	}

	if current, ok := c.entries[pos.DriverID]; ok && current.RecordedAt.After(pos.RecordedAt) {
		return false, nil
	}

	c.entries[pos.DriverID] = Entry{Position: pos, CachedAt: now}
	return true, nil
}

// Get возвращает свежую позицию водителя
func (c *MemoryCache) Get(_ context.Context, driverID uuid.UUID, now time.Time) (*Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[driverID]
	c.mu.RUnlock()

	if !ok || !entry.Fresh(now, c.ttl) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// LastSeen возвращает время последнего контакта
func (c *MemoryCache) LastSeen(_ context.Context, driverID uuid.UUID) (time.Time, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen, ok := c.lastSeen[driverID]
	return seen, ok, nil
}
