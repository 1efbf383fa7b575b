// Package dispatch связывает доменные события с шиной: типизированная
// публикация и именованные обработчики для каждого типа события.
package dispatch

import (
	"context"
	"fmt"

	"schoolbus-tracking/internal/bus"
	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
)

// Publisher публикует доменные события в топики шины
type Publisher struct {
	bus    bus.Publisher
	topics config.Topics
	log    *logger.Logger
}

// NewPublisher создает типизированный publisher
func NewPublisher(b bus.Publisher, topics config.Topics, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, topics: topics, log: log}
}

// PublishLocationUpdated публикует событие обновления местоположения
func (p *Publisher) PublishLocationUpdated(ctx context.Context, ev models.LocationUpdatedEvent) error {
	return p.publish(ctx, p.topics.Locations, models.EventTypeLocationUpdated, ev)
}

// PublishDistressTriggered публикует событие тревоги
func (p *Publisher) PublishDistressTriggered(ctx context.Context, ev models.DistressTriggeredEvent) error {
	return p.publish(ctx, p.topics.Alerts, models.EventTypeDistressTriggered, ev)
}

// PublishWebhookReceived публикует принятое уведомление провайдера
func (p *Publisher) PublishWebhookReceived(ctx context.Context, ev models.WebhookReceivedEvent) error {
	return p.publish(ctx, p.topics.Payments, models.EventTypeWebhookReceived, ev)
}

// PublishStudentReady публикует сигнал о готовности ученика
func (p *Publisher) PublishStudentReady(ctx context.Context, ev models.StudentReadyForPickupEvent) error {
	return p.publish(ctx, p.topics.Routes, models.EventTypeStudentReadyForPickup, ev)
}

// PublishStopStatusChanged публикует событие изменения статуса остановки
func (p *Publisher) PublishStopStatusChanged(ctx context.Context, ev models.StopStatusChangedEvent) error {
	return p.publish(ctx, p.topics.Routes, models.EventTypeStopStatusChanged, ev)
}

// PublishNotification публикует уведомление для канала доставки
func (p *Publisher) PublishNotification(ctx context.Context, ev models.NotificationEvent) error {
	return p.publish(ctx, p.topics.Notifications, models.EventTypeNotification, ev)
}

func (p *Publisher) publish(ctx context.Context, topic string, eventType models.EventType, payload interface{}) error {
	event, err := models.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}
