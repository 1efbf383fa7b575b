package distress

import (
	"context"
	"time"

	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

//go:generate mockgen -source=deps.go -destination=mocks/mock.go

// AlertStore хранилище тревог. CreateAlert возвращает apperr.ErrConflict,
// если у водителя уже есть открытая тревога; Mark* выполняют
// compare-and-set по статусу и сообщают, был ли переход применён.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.DistressAlert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*models.DistressAlert, error)
	FindOpenAlert(ctx context.Context, driverID uuid.UUID) (*models.DistressAlert, error)
	AddAlertNearby(ctx context.Context, id uuid.UUID, driverIDs []uuid.UUID) ([]uuid.UUID, error)
	MarkAlertBroadcast(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkAlertResponded(ctx context.Context, id, responderID uuid.UUID, at time.Time) (bool, error)
	MarkAlertResolved(ctx context.Context, id, resolverID uuid.UUID, at time.Time) (bool, error)
}

// ActiveDrivers водители с сессией в статусе in_progress
type ActiveDrivers interface {
	ActiveDriverIDs(ctx context.Context) ([]uuid.UUID, error)
}

// PositionReader свежие позиции из кеша (семантика отображения)
type PositionReader interface {
	Get(ctx context.Context, driverID uuid.UUID, now time.Time) (*location.Entry, bool, error)
}

// Notifier отправка уведомлений
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error
}

// Realtime публикация в канал реального времени
type Realtime interface {
	Publish(topic string, payload interface{}) error
}

// EventPublisher публикация события о новой тревоге
type EventPublisher interface {
	PublishDistressTriggered(ctx context.Context, evt models.DistressTriggeredEvent) error
}
