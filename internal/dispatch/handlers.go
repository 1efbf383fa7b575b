package dispatch

import (
	"context"
	"errors"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/bus"
	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/geofence"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/routing"

	"github.com/google/uuid"
)

// PositionHandler оценивает геозоны по новой позиции
type PositionHandler interface {
	HandlePosition(ctx context.Context, driverID uuid.UUID, point geo.Point, recordedAt time.Time) ([]geofence.Transition, error)
}

// AlertBroadcaster рассылает тревогу ближайшим водителям
type AlertBroadcaster interface {
	BroadcastToNearby(ctx context.Context, alertID uuid.UUID, radiusKm float64) ([]geo.Nearby, error)
}

// WebhookProcessor применяет уведомление провайдера к платежу
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, ev models.WebhookReceivedEvent) error
}

// RouteReoptimizer перестраивает порядок остановок сессии
type RouteReoptimizer interface {
	OptimizeSession(ctx context.Context, sessionID uuid.UUID) (*routing.Result, error)
}

// NotificationSink доставляет уведомление получателю
type NotificationSink interface {
	Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error
}

// Handlers обработчики событий шины
type Handlers struct {
	Positions        PositionHandler
	Alerts           AlertBroadcaster
	Webhooks         WebhookProcessor
	Routes           RouteReoptimizer
	Notifications    NotificationSink
	DistressRadiusKm float64
	Log              *logger.Logger
}

// Register подписывает обработчики на шину. Незаданные зависимости пропускаются.
func (h *Handlers) Register(b bus.Bus) {
	if h.Positions != nil {
		b.RegisterHandler(models.EventTypeLocationUpdated, h.wrap("location_updated", h.onLocationUpdated))
	}
	if h.Alerts != nil {
		b.RegisterHandler(models.EventTypeDistressTriggered, h.wrap("distress_triggered", h.onDistressTriggered))
	}
	if h.Webhooks != nil {
		b.RegisterHandler(models.EventTypeWebhookReceived, h.wrap("webhook_received", h.onWebhookReceived))
	}
	if h.Routes != nil {
		b.RegisterHandler(models.EventTypeStudentReadyForPickup, h.wrap("student_ready", h.onStudentReady))
	}
	if h.Notifications != nil {
		b.RegisterHandler(models.EventTypeNotification, h.wrap("notification", h.onNotification))
	}
	b.RegisterHandler(models.EventTypeStopStatusChanged, h.wrap("stop_status_changed", h.onStopStatusChanged))
}

// wrap отбрасывает события, основная сущность которых уже не существует:
// повторная доставка не поможет
func (h *Handlers) wrap(name string, fn bus.Handler) bus.Handler {
	return func(ctx context.Context, event *models.Event) error {
		err := fn(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrNotFound) {
			h.Log.WithError(err).
				WithField("handler", name).
				WithField("event_id", event.ID).
				Warn("Event refers to a missing entity, discarded")
			return nil
		}
		return err
	}
}

func (h *Handlers) onLocationUpdated(ctx context.Context, event *models.Event) error {
	var ev models.LocationUpdatedEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	_, err := h.Positions.HandlePosition(ctx, ev.DriverID, geo.Point{Lat: ev.Lat, Lon: ev.Lon}, ev.RecordedAt)
	return err
}

func (h *Handlers) onDistressTriggered(ctx context.Context, event *models.Event) error {
	var ev models.DistressTriggeredEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	_, err := h.Alerts.BroadcastToNearby(ctx, ev.AlertID, h.DistressRadiusKm)
	return err
}

func (h *Handlers) onWebhookReceived(ctx context.Context, event *models.Event) error {
	var ev models.WebhookReceivedEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	return h.Webhooks.ProcessWebhook(ctx, ev)
}

func (h *Handlers) onStudentReady(ctx context.Context, event *models.Event) error {
	var ev models.StudentReadyForPickupEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	_, err := h.Routes.OptimizeSession(ctx, ev.SessionID)
	return err
}

func (h *Handlers) onNotification(ctx context.Context, event *models.Event) error {
	var ev models.NotificationEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	return h.Notifications.Notify(ctx, ev.RecipientID, ev.Title, ev.Body, ev.Metadata)
}

func (h *Handlers) onStopStatusChanged(_ context.Context, event *models.Event) error {
	var ev models.StopStatusChangedEvent
	if err := event.Decode(&ev); err != nil {
		return err
	}
	h.Log.WithSession(ev.SessionID).
		WithField("stop_id", ev.StopID).
		WithField("from", ev.OldStatus).
		WithField("to", ev.NewStatus).
		Info("Stop status changed")
	return nil
}
