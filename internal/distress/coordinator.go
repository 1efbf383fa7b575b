// Package distress ведёт жизненный цикл сигналов тревоги водителей
// и оповещает ближайших водителей.
package distress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// AlertsTopic канал реального времени для тревог
const AlertsTopic = "alerts"

// TriggerRequest параметры создания тревоги
type TriggerRequest struct {
	DriverID  uuid.UUID
	SessionID *uuid.UUID
	Location  geo.Point
	Source    models.AlertSource
}

// Coordinator управляет тревогами
type Coordinator struct {
	store        AlertStore
	drivers      ActiveDrivers
	positions    PositionReader
	notifier     Notifier
	realtime     Realtime
	events       EventPublisher
	adminChannel string
	radiusKm     float64
	log          *logger.Logger
	now          func() time.Time
}

// NewCoordinator создает координатор тревог
func NewCoordinator(
	store AlertStore,
	drivers ActiveDrivers,
	positions PositionReader,
	notifier Notifier,
	realtime Realtime,
	events EventPublisher,
	adminChannel string,
	radiusKm float64,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		store:        store,
		drivers:      drivers,
		positions:    positions,
		notifier:     notifier,
		realtime:     realtime,
		events:       events,
		adminChannel: adminChannel,
		radiusKm:     radiusKm,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Trigger создает тревогу в статусе pending
func (c *Coordinator) Trigger(ctx context.Context, req TriggerRequest) (uuid.UUID, error) {
	const op = "distress.Trigger"

	if req.DriverID == uuid.Nil {
		return uuid.Nil, apperr.Errorf(op, apperr.ErrInvalidArgument, "driver id is required")
	}
	if !req.Location.Valid() {
		return uuid.Nil, apperr.Errorf(op, apperr.ErrInvalidArgument, "invalid location %v", req.Location)
	}
	if req.Source == "" {
		req.Source = models.AlertSourceDriver
	}

	if open, err := c.store.FindOpenAlert(ctx, req.DriverID); err == nil {
		return uuid.Nil, apperr.Errorf(op, apperr.ErrConflict, "driver %s already has open alert %s", req.DriverID, open.ID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return uuid.Nil, apperr.Wrap(op, err)
	}

	alert := &models.DistressAlert{
		ID:                 uuid.New(),
		DistressedDriverID: req.DriverID,
		SessionID:          req.SessionID,
		Source:             req.Source,
		Status:             models.AlertStatusPending,
		Lat:                req.Location.Lat,
		Lon:                req.Location.Lon,
		NearbyDriverIDs:    []uuid.UUID{},
		TriggeredAt:        c.now(),
	}
	// уникальный индекс по открытым тревогам закрывает гонку между проверкой и вставкой
	if err := c.store.CreateAlert(ctx, alert); err != nil {
		return uuid.Nil, apperr.Wrap(op, err)
	}

	c.log.WithField("alert_id", alert.ID).
		WithField("driver_id", alert.DistressedDriverID).
		WithField("source", alert.Source).
		Warn("Distress alert triggered")

	c.publish(alert)

	evt := models.DistressTriggeredEvent{
		AlertID:  alert.ID,
		DriverID: alert.DistressedDriverID,
		Source:   alert.Source,
		Lat:      alert.Lat,
		Lon:      alert.Lon,
	}
	if err := c.events.PublishDistressTriggered(ctx, evt); err != nil {
		// без события рассылки не будет, поэтому рассылаем сразу
		c.log.WithError(err).WithField("alert_id", alert.ID).Error("Failed to publish distress event, broadcasting inline")
		if _, err := c.BroadcastToNearby(ctx, alert.ID, c.radiusKm); err != nil {
			c.log.WithError(err).WithField("alert_id", alert.ID).Error("Inline distress broadcast failed")
		}
	}

	return alert.ID, nil
}

// BroadcastToNearby находит водителей в радиусе и оповещает их.
// Повторная доставка не сужает множество оповещённых и не дублирует уведомления.
func (c *Coordinator) BroadcastToNearby(ctx context.Context, alertID uuid.UUID, radiusKm float64) ([]geo.Nearby, error) {
	const op = "distress.BroadcastToNearby"

	if radiusKm <= 0 {
		radiusKm = c.radiusKm
	}

	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if alert.Status != models.AlertStatusPending {
		c.log.WithField("alert_id", alertID).
			WithField("status", alert.Status).
			Info("Alert no longer pending, broadcast skipped")
		return nil, nil
	}

	driverIDs, err := c.drivers.ActiveDriverIDs(ctx)
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	now := c.now()
	located := make([]geo.Located, 0, len(driverIDs))
	for _, id := range driverIDs {
		if id == alert.DistressedDriverID {
			continue
		}
		entry, ok, err := c.positions.Get(ctx, id, now)
		if err != nil {
			c.log.WithError(err).WithField("driver_id", id).Warn("Failed to read cached position")
			continue
		}
		if !ok {
			continue
		}
		located = append(located, geo.Located{ID: id.String(), Point: entry.Point()})
	}

	nearby := geo.NearbyFrom(located, alert.Point(), radiusKm)

	fresh := make([]geo.Nearby, 0, len(nearby))
	freshIDs := make([]uuid.UUID, 0, len(nearby))
	for _, n := range nearby {
		id, err := uuid.Parse(n.ID)
		if err != nil {
			continue
		}
		if alert.WasNotified(id) {
			continue
		}
		freshIDs = append(freshIDs, id)
		fresh = append(fresh, n)
	}

	// множество только растет: параллельная повторная доставка не затирает
	// водителей, оповещённых другим обработчиком
	if len(freshIDs) > 0 {
		merged, err := c.store.AddAlertNearby(ctx, alert.ID, freshIDs)
		if err != nil {
			return nil, apperr.Wrap(op, err)
		}
		alert.NearbyDriverIDs = merged
	}

	for _, n := range fresh {
		c.notify(ctx, n.ID, "Driver in distress nearby",
			fmt.Sprintf("A driver %.1f km from you has triggered a distress alert", n.DistanceKm),
			map[string]string{
				"alert_id":    alert.ID.String(),
				"distance_km": fmt.Sprintf("%.3f", n.DistanceKm),
				"lat":         fmt.Sprintf("%.6f", alert.Lat),
				"lon":         fmt.Sprintf("%.6f", alert.Lon),
			})
	}

	if alert.BroadcastAt == nil {
		first, err := c.store.MarkAlertBroadcast(ctx, alert.ID, now)
		if err != nil {
			return nil, apperr.Wrap(op, err)
		}
		if first {
			alert.BroadcastAt = &now
			c.notify(ctx, c.adminChannel, "Distress alert",
				fmt.Sprintf("Driver %s triggered a distress alert, %d drivers nearby", alert.DistressedDriverID, len(nearby)),
				map[string]string{
					"alert_id":  alert.ID.String(),
					"driver_id": alert.DistressedDriverID.String(),
					"source":    string(alert.Source),
				})
		}
	}

	c.publish(alert)

	c.log.WithField("alert_id", alert.ID).
		WithField("nearby", len(nearby)).
		WithField("newly_notified", len(fresh)).
		Info("Distress alert broadcast")

	return nearby, nil
}

// Respond фиксирует, что оповещённый водитель едет на помощь
func (c *Coordinator) Respond(ctx context.Context, alertID, driverID uuid.UUID) error {
	const op = "distress.Respond"

	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return apperr.Wrap(op, err)
	}
	if alert.Status != models.AlertStatusPending {
		return apperr.Errorf(op, apperr.ErrInvalidState, "alert %s is %s", alertID, alert.Status)
	}
	if !alert.WasNotified(driverID) {
		return apperr.Errorf(op, apperr.ErrForbidden, "driver %s was not notified of alert %s", driverID, alertID)
	}

	now := c.now()
	ok, err := c.store.MarkAlertResponded(ctx, alertID, driverID, now)
	if err != nil {
		return apperr.Wrap(op, err)
	}
	if !ok {
		return apperr.Errorf(op, apperr.ErrInvalidState, "alert %s changed concurrently", alertID)
	}

	alert.Status = models.AlertStatusResponded
	alert.RespondingDriverID = &driverID
	alert.RespondedAt = &now

	c.notify(ctx, alert.DistressedDriverID.String(), "Help is on the way",
		"A nearby driver is responding to your distress alert",
		map[string]string{"alert_id": alertID.String(), "responder_id": driverID.String()})
	c.publish(alert)

	c.log.WithField("alert_id", alertID).WithField("driver_id", driverID).Info("Distress alert responded")
	return nil
}

// Resolve закрывает тревогу окончательно
func (c *Coordinator) Resolve(ctx context.Context, alertID, callerID uuid.UUID, isAdmin bool) error {
	const op = "distress.Resolve"

	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return apperr.Wrap(op, err)
	}
	if alert.Status.IsFinal() {
		return apperr.Errorf(op, apperr.ErrInvalidState, "alert %s already resolved", alertID)
	}

	isResponder := alert.RespondingDriverID != nil && *alert.RespondingDriverID == callerID
	if !isAdmin && callerID != alert.DistressedDriverID && !isResponder {
		return apperr.Errorf(op, apperr.ErrForbidden, "caller %s may not resolve alert %s", callerID, alertID)
	}

	now := c.now()
	ok, err := c.store.MarkAlertResolved(ctx, alertID, callerID, now)
	if err != nil {
		return apperr.Wrap(op, err)
	}
	if !ok {
		return apperr.Errorf(op, apperr.ErrInvalidState, "alert %s already resolved", alertID)
	}

	alert.Status = models.AlertStatusResolved
	alert.ResolvedBy = &callerID
	alert.ResolvedAt = &now

	meta := map[string]string{"alert_id": alertID.String(), "resolved_by": callerID.String()}
	participants := []uuid.UUID{alert.DistressedDriverID}
	if alert.RespondingDriverID != nil {
		participants = append(participants, *alert.RespondingDriverID)
	}
	for _, p := range participants {
		if p == callerID {
			continue
		}
		c.notify(ctx, p.String(), "Distress alert resolved", "The distress alert has been resolved", meta)
	}
	c.publish(alert)

	c.log.WithField("alert_id", alertID).WithField("resolved_by", callerID).Info("Distress alert resolved")
	return nil
}

// Get возвращает тревогу по ID
func (c *Coordinator) Get(ctx context.Context, alertID uuid.UUID) (*models.DistressAlert, error) {
	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, apperr.Wrap("distress.Get", err)
	}
	return alert, nil
}

// HasOpenAlert сообщает, есть ли у водителя открытая тревога
func (c *Coordinator) HasOpenAlert(ctx context.Context, driverID uuid.UUID) (bool, error) {
	_, err := c.store.FindOpenAlert(ctx, driverID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return false, apperr.Wrap("distress.HasOpenAlert", err)
}

func (c *Coordinator) notify(ctx context.Context, recipient, title, body string, meta map[string]string) {
	if err := c.notifier.Notify(ctx, recipient, title, body, meta); err != nil {
		c.log.WithError(err).WithField("recipient_id", recipient).Warn("Failed to send distress notification")
	}
}

func (c *Coordinator) publish(alert *models.DistressAlert) {
	if err := c.realtime.Publish(AlertsTopic, alert); err != nil {
		c.log.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to publish alert to realtime channel")
	}
}
