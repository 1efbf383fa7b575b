package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/geofence"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// SessionStore доступ к сессиям маршрутов
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.RouteSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	FindActiveSessionByDriver(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error)
	StartSession(ctx context.Context, id uuid.UUID, at time.Time) error
	FinishSession(ctx context.Context, id uuid.UUID, to models.SessionStatus, at time.Time) error
	TransitionStop(ctx context.Context, stopID uuid.UUID, from, to models.StopStatus, at time.Time) (bool, error)
	StopRecipients(ctx context.Context, stopID uuid.UUID) ([]string, error)
	LinkGuardian(ctx context.Context, studentID, guardianID uuid.UUID) error
}

// SessionEvents события жизненного цикла сессии
type SessionEvents interface {
	PublishStopStatusChanged(ctx context.Context, evt models.StopStatusChangedEvent) error
	PublishStudentReady(ctx context.Context, ev models.StudentReadyForPickupEvent) error
}

// Notifier отправка уведомлений
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body string, metadata map[string]string) error
}

// SessionService управляет рейсами и ручными отметками на остановках
type SessionService struct {
	store    SessionStore
	events   SessionEvents
	notifier Notifier
	realtime Realtime
	log      *logger.Logger
	now      func() time.Time
}

// NewSessionService создает сервис сессий
func NewSessionService(store SessionStore, events SessionEvents, notifier Notifier, realtime Realtime, log *logger.Logger) *SessionService {
	return &SessionService{
		store:    store,
		events:   events,
		notifier: notifier,
		realtime: realtime,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession планирует рейс с остановками в заданном порядке
func (s *SessionService) CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.RouteSession, error) {
	if len(req.Stops) == 0 {
		return nil, fmt.Errorf("session needs at least one stop: %w", apperr.ErrInvalidArgument)
	}

	now := s.now()
	serviceDate := models.ServiceDay(now)
	if req.ServiceDate != nil {
		serviceDate = models.ServiceDay(*req.ServiceDate)
	}

	session := &models.RouteSession{
		ID:          uuid.New(),
		RouteID:     req.RouteID,
		DriverID:    req.DriverID,
		Status:      models.SessionStatusScheduled,
		ServiceDate: serviceDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, st := range req.Stops {
		kind := st.Kind
		if kind == "" {
			kind = models.StopKindPickup
		}
		session.Stops = append(session.Stops, models.RouteStop{
			ID:                   uuid.New(),
			SessionID:            session.ID,
			Order:                i + 1,
			Name:                 st.Name,
			Lat:                  st.Lat,
			Lon:                  st.Lon,
			GeofenceRadiusMeters: st.GeofenceRadiusMeters,
			Kind:                 kind,
			Status:               models.StopStatusPending,
			StudentIDs:           st.StudentIDs,
			UpdatedAt:            now,
		})
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.log.WithSession(session.ID).
		WithField("driver_id", session.DriverID).
		WithField("stops", len(session.Stops)).
		Info("Route session scheduled")

	return session, nil
}

// GetSession возвращает сессию с остановками
func (s *SessionService) GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error) {
	return s.store.GetSession(ctx, id)
}

// ActiveSession возвращает рейс водителя, который сейчас выполняется
func (s *SessionService) ActiveSession(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error) {
	return s.store.FindActiveSessionByDriver(ctx, driverID)
}

// StartSession запускает рейс. Второй активный рейс водителя за день дает Conflict.
func (s *SessionService) StartSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error) {
	if err := s.store.StartSession(ctx, id, s.now()); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log.WithSession(id).WithField("driver_id", session.DriverID).Info("Route session started")
	s.publishSession(session, "session.started")
	return session, nil
}

// CompleteSession завершает выполняющийся рейс
func (s *SessionService) CompleteSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error) {
	return s.finish(ctx, id, models.SessionStatusCompleted)
}

// CancelSession отменяет запланированный или выполняющийся рейс
func (s *SessionService) CancelSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error) {
	return s.finish(ctx, id, models.SessionStatusCancelled)
}

func (s *SessionService) finish(ctx context.Context, id uuid.UUID, to models.SessionStatus) (*models.RouteSession, error) {
	if err := s.store.FinishSession(ctx, id, to, s.now()); err != nil {
		return nil, err
	}
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.log.WithSession(id).WithField("status", to).Info("Route session finished")
	s.publishSession(session, "session."+string(to))
	return session, nil
}

// RecordAttendance отмечает посадку или высадку учеников на остановке.
// Допустимо только после прибытия автобуса (arrived).
func (s *SessionService) RecordAttendance(ctx context.Context, sessionID, stopID uuid.UUID) (*models.RouteStop, error) {
	session, stop, err := s.loadStop(ctx, sessionID, stopID)
	if err != nil {
		return nil, err
	}
	if stop.Status != models.StopStatusArrived {
		return nil, apperr.Errorf("sessions.RecordAttendance", apperr.ErrInvalidState,
			"stop %s is %s, attendance requires arrived", stopID, stop.Status)
	}
	return s.transition(ctx, session, stop, stop.AttendanceStatus())
}

// SkipStop пропускает остановку из любого незавершенного статуса
func (s *SessionService) SkipStop(ctx context.Context, sessionID, stopID uuid.UUID) (*models.RouteStop, error) {
	session, stop, err := s.loadStop(ctx, sessionID, stopID)
	if err != nil {
		return nil, err
	}
	if stop.Status.IsResolved() {
		return nil, apperr.Errorf("sessions.SkipStop", apperr.ErrInvalidState, "stop %s is already %s", stopID, stop.Status)
	}
	return s.transition(ctx, session, stop, models.StopStatusSkipped)
}

// MarkStudentReady сигнал родителя: ученик ждет на остановке
func (s *SessionService) MarkStudentReady(ctx context.Context, sessionID, studentID uuid.UUID) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsFinal() {
		return apperr.Errorf("sessions.MarkStudentReady", apperr.ErrInvalidState, "session %s is %s", sessionID, session.Status)
	}

	found := false
	for _, stop := range session.Stops {
		for _, id := range stop.StudentIDs {
			if id == studentID && !stop.Status.IsResolved() {
				found = true
			}
		}
	}
	if !found {
		return apperr.Errorf("sessions.MarkStudentReady", apperr.ErrNotFound, "student %s has no pending stop in session %s", studentID, sessionID)
	}

	return s.events.PublishStudentReady(ctx, models.StudentReadyForPickupEvent{
		SessionID: sessionID,
		StudentID: studentID,
	})
}

// LinkGuardian подписывает опекуна на уведомления об остановках ученика
func (s *SessionService) LinkGuardian(ctx context.Context, studentID, guardianID uuid.UUID) error {
	return s.store.LinkGuardian(ctx, studentID, guardianID)
}

func (s *SessionService) loadStop(ctx context.Context, sessionID, stopID uuid.UUID) (*models.RouteSession, models.RouteStop, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, models.RouteStop{}, err
	}
	stop, ok := session.FindStop(stopID)
	if !ok {
		return nil, models.RouteStop{}, apperr.Errorf("sessions.loadStop", apperr.ErrNotFound, "stop %s in session %s", stopID, sessionID)
	}
	if session.Status != models.SessionStatusInProgress {
		return nil, models.RouteStop{}, apperr.Errorf("sessions.loadStop", apperr.ErrInvalidState, "session %s is %s", sessionID, session.Status)
	}
	return session, stop, nil
}

func (s *SessionService) transition(ctx context.Context, session *models.RouteSession, stop models.RouteStop, to models.StopStatus) (*models.RouteStop, error) {
	now := s.now()
	ok, err := s.store.TransitionStop(ctx, stop.ID, stop.Status, to, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Errorf("sessions.transition", apperr.ErrConflict, "stop %s changed concurrently", stop.ID)
	}

	from := stop.Status
	stop.Status = to
	stop.UpdatedAt = now
	stop.ResolvedAt = &now

	s.log.WithSession(session.ID).
		WithField("stop_id", stop.ID).
		WithField("from", from).
		WithField("to", to).
		Info("Stop status changed manually")

	evt := models.StopStatusChangedEvent{
		SessionID: session.ID,
		StopID:    stop.ID,
		OldStatus: from,
		NewStatus: to,
		Timestamp: now,
	}
	if err := s.events.PublishStopStatusChanged(ctx, evt); err != nil {
		s.log.WithSession(session.ID).WithError(err).Error("Failed to publish stop status change")
	}
	if err := s.realtime.Publish(geofence.SessionTopic(session.ID), evt); err != nil {
		s.log.WithSession(session.ID).WithError(err).Warn("Failed to publish stop update")
	}
	s.notifyGuardians(ctx, session, stop)

	s.completeIfDone(ctx, session.ID)
	return &stop, nil
}

func (s *SessionService) notifyGuardians(ctx context.Context, session *models.RouteSession, stop models.RouteStop) {
	var title, body string
	switch stop.Status {
	case models.StopStatusPickedUp:
		title, body = "Student picked up", "Your child boarded the school bus"
	case models.StopStatusDroppedOff:
		title, body = "Student dropped off", "Your child left the school bus"
	case models.StopStatusSkipped:
		title, body = "Stop skipped", "The school bus will not stop at your stop today"
	default:
		return
	}

	recipients, err := s.store.StopRecipients(ctx, stop.ID)
	if err != nil {
		s.log.WithSession(session.ID).WithError(err).Warn("Failed to load stop recipients")
		return
	}
	meta := map[string]string{
		"session_id": session.ID.String(),
		"stop_id":    stop.ID.String(),
		"status":     string(stop.Status),
	}
	for _, recipient := range recipients {
		if err := s.notifier.Notify(ctx, recipient, title, body, meta); err != nil {
			s.log.WithSession(session.ID).
				WithError(err).
				WithField("recipient_id", recipient).
				Warn("Failed to notify guardian")
		}
	}
}

// completeIfDone завершает рейс, когда решены все остановки
func (s *SessionService) completeIfDone(ctx context.Context, sessionID uuid.UUID) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.WithSession(sessionID).WithError(err).Warn("Failed to reload session")
		return
	}
	if session.Status != models.SessionStatusInProgress || !session.AllStopsResolved() {
		return
	}

	err = s.store.FinishSession(ctx, sessionID, models.SessionStatusCompleted, s.now())
	if err != nil {
		// параллельная отметка могла завершить рейс первой
		if !errors.Is(err, apperr.ErrInvalidState) {
			s.log.WithSession(sessionID).WithError(err).Error("Failed to auto-complete session")
		}
		return
	}

	s.log.WithSession(sessionID).Info("All stops resolved, session completed")
	session.Status = models.SessionStatusCompleted
	s.publishSession(session, "session.completed")
}

func (s *SessionService) publishSession(session *models.RouteSession, kind string) {
	payload := map[string]interface{}{
		"event":   kind,
		"session": session,
	}
	if err := s.realtime.Publish(geofence.SessionTopic(session.ID), payload); err != nil {
		s.log.WithSession(session.ID).WithError(err).Warn("Failed to publish session update")
	}
}
