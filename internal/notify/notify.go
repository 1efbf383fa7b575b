// Package notify доставляет уведомления водителям, родителям и
// администрации. Доставка всегда best-effort.
package notify

import (
	"context"
	"time"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
)

// Notifier отправляет уведомление получателю
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error
}

// EventPublisher публикует уведомление в шину
type EventPublisher interface {
	PublishNotification(ctx context.Context, ev models.NotificationEvent) error
}

// LogNotifier пишет уведомления в лог. Используется как конечная точка
// доставки, пока внешний канал не подключен.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier создает LogNotifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify записывает уведомление в лог
func (n *LogNotifier) Notify(_ context.Context, recipientID, title, body string, metadata map[string]string) error {
	entry := n.log.WithField("recipient_id", recipientID).WithField("title", title)
	for k, v := range metadata {
		entry = entry.WithField(k, v)
	}
	entry.WithField("body", body).Info("Notification delivered")
	return nil
}

// BusNotifier отправляет уведомление событием в шину
type BusNotifier struct {
	events EventPublisher
}

// NewBusNotifier создает BusNotifier
func NewBusNotifier(events EventPublisher) *BusNotifier {
	return &BusNotifier{events: events}
}

// Notify публикует notification событие
func (n *BusNotifier) Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error {
	return n.events.PublishNotification(ctx, models.NotificationEvent{
		RecipientID: recipientID,
		Title:       title,
		Body:        body,
		Metadata:    metadata,
	})
}

// BestEffort ограничивает доставку по времени, логирует и подавляет ошибки
type BestEffort struct {
	next    Notifier
	timeout time.Duration
	log     *logger.Logger
}

// NewBestEffort оборачивает notifier
func NewBestEffort(next Notifier, timeout time.Duration, log *logger.Logger) *BestEffort {
	return &BestEffort{next: next, timeout: timeout, log: log}
}

// Notify никогда не возвращает ошибку
func (n *BestEffort) Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	if err := n.next.Notify(ctx, recipientID, title, body, metadata); err != nil {
		n.log.WithError(err).
			WithField("recipient_id", recipientID).
			WithField("title", title).
			Warn("Notification delivery failed")
	}
	return nil
}
