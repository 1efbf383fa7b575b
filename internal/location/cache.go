// Package location хранит последнюю известную позицию каждого водителя.
//
// Кеш отвечает на два разных вопроса:
//   - Get: "где автобус сейчас" для отображения; запись старше TTL считается промахом;
//   - LastSeen: "когда водитель последний раз выходил на связь" для детектора
//     аномалий; не подчиняется TTL отображения.
package location

import (
	"context"
	"time"

	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// DefaultTTL окно свежести позиции для отображения
const DefaultTTL = 15 * time.Second

// Entry закешированная позиция с моментом записи
type Entry struct {
	models.Position
	CachedAt time.Time `json:"cached_at"`
}

// Fresh сообщает, свежа ли запись в момент now
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CachedAt) <= ttl
}

// Cache последняя известная позиция водителей
type Cache interface {
	// Put сохраняет позицию; более старая по RecordedAt отметка не заменяет
	// текущую (applied=false), но момент последнего контакта обновляется всегда
	Put(ctx context.Context, pos models.Position, now time.Time) (applied bool, err error)
	// Get возвращает позицию, если она свежее TTL
	Get(ctx context.Context, driverID uuid.UUID, now time.Time) (*Entry, bool, error)
	// LastSeen возвращает время последнего Put независимо от TTL
	LastSeen(ctx context.Context, driverID uuid.UUID) (time.Time, bool, error)
}
