package geofence

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

// SessionStore доступ к сессиям, нужный трекеру
type SessionStore interface {
	FindActiveSessionByDriver(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error)
	TransitionStop(ctx context.Context, stopID uuid.UUID, from, to models.StopStatus, at time.Time) (bool, error)
	StopRecipients(ctx context.Context, stopID uuid.UUID) ([]string, error)
}

// Notifier отправка уведомлений родителям
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error
}

// Realtime публикация в канал реального времени
type Realtime interface {
	Publish(topic string, payload interface{}) error
}

// EventPublisher публикация доменных событий
type EventPublisher interface {
	PublishStopStatusChanged(ctx context.Context, evt models.StopStatusChangedEvent) error
}

// Tracker применяет решения Engine к хранилищу и рассылает уведомления
type Tracker struct {
	engine   Engine
	store    SessionStore
	notifier Notifier
	realtime Realtime
	events   EventPublisher
	log      *logger.Logger
}

// NewTracker создает трекер геозон
func NewTracker(engine Engine, store SessionStore, notifier Notifier, realtime Realtime, events EventPublisher, log *logger.Logger) *Tracker {
	return &Tracker{
		engine:   engine,
		store:    store,
		notifier: notifier,
		realtime: realtime,
		events:   events,
		log:      log,
	}
}

// SessionTopic канал реального времени для сессии
func SessionTopic(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}

// HandlePosition оценивает позицию водителя для его активной сессии и
// сохраняет переходы. Возвращает только реально применённые переходы.
func (t *Tracker) HandlePosition(ctx context.Context, driverID uuid.UUID, point geo.Point, recordedAt time.Time) ([]Transition, error) {
	session, err := t.store.FindActiveSessionByDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load active session for driver %s: %w", driverID, err)
	}

	transitions := t.engine.Evaluate(session, point)
	if len(transitions) == 0 {
		return nil, nil
	}

	applied := make([]Transition, 0, len(transitions))
	for _, tr := range transitions {
		ok, err := t.store.TransitionStop(ctx, tr.StopID, tr.From, tr.To, recordedAt)
		if err != nil {
			return applied, fmt.Errorf("failed to transition stop %s: %w", tr.StopID, err)
		}
		if !ok {
			// другой воркер уже продвинул остановку
			t.log.WithField("stop_id", tr.StopID).
				WithField("from", tr.From).
				WithField("to", tr.To).
				Debug("Stop transition lost compare-and-set")
			break
		}

		applied = append(applied, tr)
		t.log.WithField("session_id", session.ID).
			WithField("stop_id", tr.StopID).
			WithField("status", tr.To).
			WithField("distance_m", tr.DistanceMeters).
			Info("Stop status changed by geofence")

		t.announce(ctx, session, tr, recordedAt)
	}

	return applied, nil
}

func (t *Tracker) announce(ctx context.Context, session *models.RouteSession, tr Transition, at time.Time) {
	stop, _ := session.FindStop(tr.StopID)

	var title, body string
	switch tr.To {
	case models.StopStatusApproaching:
		title = "Bus approaching"
		body = fmt.Sprintf("The school bus is approaching %s", stopName(stop))
	case models.StopStatusArrived:
		title = "Bus arriving"
		body = fmt.Sprintf("The school bus has arrived at %s", stopName(stop))
	}

	if title != "" {
		recipients, err := t.store.StopRecipients(ctx, tr.StopID)
		if err != nil {
			t.log.WithError(err).WithField("stop_id", tr.StopID).Warn("Failed to load stop recipients")
		}
		meta := map[string]string{
			"session_id": session.ID.String(),
			"stop_id":    tr.StopID.String(),
			"status":     string(tr.To),
		}
		for _, r := range recipients {
			if err := t.notifier.Notify(ctx, r, title, body, meta); err != nil {
				t.log.WithError(err).WithField("recipient_id", r).Warn("Failed to notify stop recipient")
			}
		}
	}

	evt := models.StopStatusChangedEvent{
		SessionID: session.ID,
		StopID:    tr.StopID,
		OldStatus: tr.From,
		NewStatus: tr.To,
		Timestamp: at,
	}
	if err := t.realtime.Publish(SessionTopic(session.ID), evt); err != nil {
		t.log.WithError(err).WithField("session_id", session.ID).Warn("Failed to publish stop status to realtime channel")
	}
	if err := t.events.PublishStopStatusChanged(ctx, evt); err != nil {
		t.log.WithError(err).WithField("stop_id", tr.StopID).Warn("Failed to publish stop status event")
	}
}

func stopName(stop models.RouteStop) string {
	if stop.Name != "" {
		return stop.Name
	}
	return fmt.Sprintf("stop #%d", stop.Order)
}
