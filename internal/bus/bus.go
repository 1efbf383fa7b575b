// Package bus описывает шину событий между компонентами трекинга.
// Транспорт выбирается конфигурацией: Kafka, RabbitMQ или очередь в памяти.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
)

// ErrClosed возвращается при публикации в остановленную шину
var ErrClosed = errors.New("bus is closed")

// Handler обработчик события
type Handler func(ctx context.Context, event *models.Event) error

// Publisher публикует события в топик
type Publisher interface {
	Publish(ctx context.Context, topic string, event *models.Event) error
}

// Bus шина событий с подпиской по типу события
type Bus interface {
	Publisher
	RegisterHandler(eventType models.EventType, handler Handler)
	Start() error
	Stop() error
}

// Registry хранит обработчики по типу события
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.EventType]Handler
	log      *logger.Logger
}

// NewRegistry создает пустой реестр обработчиков
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handlers: make(map[models.EventType]Handler),
		log:      log,
	}
}

// Register регистрирует обработчик для типа события
func (r *Registry) Register(eventType models.EventType, handler Handler) {
	r.mu.Lock()
	r.handlers[eventType] = handler
	r.mu.Unlock()

	r.log.WithField("event_type", eventType).Info("Event handler registered")
}

// Dispatch вызывает обработчик события. Событие без обработчика пропускается.
func (r *Registry) Dispatch(ctx context.Context, event *models.Event) error {
	r.mu.RLock()
	handler, exists := r.handlers[event.Type]
	r.mu.RUnlock()

	if !exists {
		r.log.WithField("event_type", event.Type).Warn("No handler registered for event type")
		return nil
	}

	if err := handler(ctx, event); err != nil {
		return fmt.Errorf("handler failed for event type %s: %w", event.Type, err)
	}

	r.log.WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		Debug("Event processed successfully")

	return nil
}
