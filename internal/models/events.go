package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType представляет тип события
type EventType string

const (
	EventTypeLocationUpdated       EventType = "location.updated"
	EventTypeDistressTriggered     EventType = "distress.triggered"
	EventTypeWebhookReceived       EventType = "payment.webhook_received"
	EventTypeStudentReadyForPickup EventType = "student.ready_for_pickup"
	EventTypeStopStatusChanged     EventType = "stop.status_changed"
	EventTypeNotification          EventType = "notification"
)

// Event представляет базовое событие
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent упаковывает полезную нагрузку в конверт события
func NewEvent(eventType EventType, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode распаковывает полезную нагрузку события в dest
func (e *Event) Decode(dest interface{}) error {
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// LocationUpdatedEvent представляет событие обновления местоположения
type LocationUpdatedEvent struct {
	DriverID   uuid.UUID  `json:"driver_id"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// DistressTriggeredEvent представляет событие создания тревоги
type DistressTriggeredEvent struct {
	AlertID  uuid.UUID   `json:"alert_id"`
	DriverID uuid.UUID   `json:"driver_id"`
	Source   AlertSource `json:"source"`
	Lat      float64     `json:"lat"`
	Lon      float64     `json:"lon"`
}

// WebhookReceivedEvent представляет принятое уведомление платёжного провайдера
type WebhookReceivedEvent struct {
	Notification WebhookNotification `json:"notification"`
	RawPayload   json.RawMessage     `json:"raw_payload"`
	ReceivedAt   time.Time           `json:"received_at"`
}

// StudentReadyForPickupEvent представляет сигнал родителя о готовности ученика
type StudentReadyForPickupEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	StudentID uuid.UUID `json:"student_id"`
}

// StopStatusChangedEvent представляет событие изменения статуса остановки
type StopStatusChangedEvent struct {
	SessionID uuid.UUID  `json:"session_id"`
	StopID    uuid.UUID  `json:"stop_id"`
	OldStatus StopStatus `json:"old_status"`
	NewStatus StopStatus `json:"new_status"`
	Timestamp time.Time  `json:"timestamp"`
}

// NotificationEvent уведомление для внешнего канала доставки
type NotificationEvent struct {
	RecipientID string            `json:"recipient_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
