package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// TrackingStore доступ к хранилищу, нужный приему GPS-отметок
type TrackingStore interface {
	AppendPosition(ctx context.Context, pos models.Position) error
	FindActiveSessionByDriver(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error)
	UpdateSessionPosition(ctx context.Context, id uuid.UUID, lat, lon float64, at time.Time) error
}

// FixLimiter ограничение частоты отметок водителя
type FixLimiter interface {
	CheckLimit(ctx context.Context, driverID uuid.UUID) (*RateLimitResult, error)
}

// LocationEvents публикация событий о новых позициях
type LocationEvents interface {
	PublishLocationUpdated(ctx context.Context, ev models.LocationUpdatedEvent) error
}

// Realtime публикация в канал реального времени
type Realtime interface {
	Publish(topic string, payload interface{}) error
}

// IngestResult итог приема одной отметки
type IngestResult struct {
	Position  models.Position `json:"position"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
	// Applied ложно, если в кеше уже лежит более свежая отметка
	Applied bool `json:"applied"`
}

// BatchResult итог приема пакета отметок
type BatchResult struct {
	Accepted int            `json:"accepted"`
	Applied  int            `json:"applied"`
	Results  []IngestResult `json:"results"`
}

// RateLimitError отказ по лимиту отметок. errors.Is(err, apperr.ErrRateLimited) истинно.
type RateLimitError struct {
	DriverID uuid.UUID
	Result   RateLimitResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tracking.Ingest: driver %s, retry after %ds: %v", e.DriverID, e.Result.RetryAfter, apperr.ErrRateLimited)
}

func (e *RateLimitError) Unwrap() error {
	return apperr.ErrRateLimited
}

// TrackingService принимает GPS-отметки водителей
type TrackingService struct {
	store    TrackingStore
	cache    location.Cache
	limiter  FixLimiter
	events   LocationEvents
	realtime Realtime
	log      *logger.Logger
	now      func() time.Time
}

// NewTrackingService создает сервис приема отметок. limiter может быть nil.
func NewTrackingService(store TrackingStore, cache location.Cache, limiter FixLimiter, events LocationEvents, realtime Realtime, log *logger.Logger) *TrackingService {
	return &TrackingService{
		store:    store,
		cache:    cache,
		limiter:  limiter,
		events:   events,
		realtime: realtime,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BusTopic канал реального времени с позицией автобуса
func BusTopic(driverID uuid.UUID) string {
	return "bus:" + driverID.String()
}

// Ingest принимает одну отметку
func (s *TrackingService) Ingest(ctx context.Context, fix models.PositionFix) (*IngestResult, error) {
	if err := s.checkLimit(ctx, fix.DriverID); err != nil {
		return nil, err
	}
	return s.ingest(ctx, fix, s.now())
}

// IngestBatch принимает накопленные офлайн отметки одного водителя.
// Отметки применяются по возрастанию RecordedAt; лимит учитывает пакет как один запрос.
func (s *TrackingService) IngestBatch(ctx context.Context, driverID uuid.UUID, fixes []models.PositionFix) (*BatchResult, error) {
	if len(fixes) == 0 {
		return nil, fmt.Errorf("empty batch: %w", apperr.ErrInvalidArgument)
	}
	for i := range fixes {
		if fixes[i].DriverID == uuid.Nil {
			fixes[i].DriverID = driverID
		}
		if fixes[i].DriverID != driverID {
			return nil, fmt.Errorf("fix %d belongs to driver %s: %w", i, fixes[i].DriverID, apperr.ErrInvalidArgument)
		}
		if fixes[i].RecordedAt == nil {
			return nil, fmt.Errorf("fix %d has no recorded_at: %w", i, apperr.ErrInvalidArgument)
		}
	}
	if err := s.checkLimit(ctx, driverID); err != nil {
		return nil, err
	}

	sorted := make([]models.PositionFix, len(fixes))
	copy(sorted, fixes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(*sorted[j].RecordedAt)
	})

	now := s.now()
	batch := &BatchResult{Results: make([]IngestResult, 0, len(sorted))}
	for _, fix := range sorted {
		res, err := s.ingest(ctx, fix, now)
		if err != nil {
			return batch, err
		}
		batch.Accepted++
		if res.Applied {
			batch.Applied++
		}
		batch.Results = append(batch.Results, *res)
	}

	s.log.WithDriver(driverID.String()).
		WithField("accepted", batch.Accepted).
		WithField("applied", batch.Applied).
		Info("Position batch ingested")

	return batch, nil
}

func (s *TrackingService) checkLimit(ctx context.Context, driverID uuid.UUID) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.CheckLimit(ctx, driverID)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &RateLimitError{DriverID: driverID, Result: *res}
	}
	return nil
}

func (s *TrackingService) ingest(ctx context.Context, fix models.PositionFix, now time.Time) (*IngestResult, error) {
	pos := models.Position{
		DriverID:   fix.DriverID,
		SessionID:  fix.SessionID,
		Lat:        fix.Lat,
		Lon:        fix.Lon,
		Speed:      fix.Speed,
		Heading:    fix.Heading,
		Accuracy:   fix.Accuracy,
		RecordedAt: now,
	}
	if fix.RecordedAt != nil {
		pos.RecordedAt = fix.RecordedAt.UTC()
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	var session *models.RouteSession
	if pos.SessionID == nil {
		active, err := s.store.FindActiveSessionByDriver(ctx, pos.DriverID)
		switch {
		case err == nil:
			session = active
			pos.SessionID = &active.ID
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, fmt.Errorf("failed to resolve active session: %w", err)
		}
	}

	if err := s.store.AppendPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to append position: %w", err)
	}

	applied, err := s.cache.Put(ctx, pos, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cache position: %w", err)
	}

	result := &IngestResult{Position: pos, SessionID: pos.SessionID, Applied: applied}
	if !applied {
		s.log.WithDriver(pos.DriverID.String()).
			WithField("recorded_at", pos.RecordedAt).
			Debug("Stale position kept in log only")
		return result, nil
	}

	if pos.SessionID != nil {
		if err := s.store.UpdateSessionPosition(ctx, *pos.SessionID, pos.Lat, pos.Lon, pos.RecordedAt); err != nil {
			if session != nil || !errors.Is(err, apperr.ErrNotFound) {
				return nil, fmt.Errorf("failed to update session position: %w", err)
			}
			// клиент прислал несуществующую сессию
			s.log.WithDriver(pos.DriverID.String()).
				WithField("session_id", pos.SessionID).
				Warn("Position references unknown session")
		}
	}

	if err := s.realtime.Publish(BusTopic(pos.DriverID), pos); err != nil {
		s.log.WithDriver(pos.DriverID.String()).WithError(err).Warn("Failed to publish bus position")
	}

	evt := models.LocationUpdatedEvent{
		DriverID:   pos.DriverID,
		SessionID:  pos.SessionID,
		Lat:        pos.Lat,
		Lon:        pos.Lon,
		RecordedAt: pos.RecordedAt,
	}
	if err := s.events.PublishLocationUpdated(ctx, evt); err != nil {
		// отметка уже сохранена; геозоны догонят по следующей
		s.log.WithDriver(pos.DriverID.String()).WithError(err).Error("Failed to publish location update")
	}

	return result, nil
}

// LastKnown возвращает свежую позицию водителя из кеша
func (s *TrackingService) LastKnown(ctx context.Context, driverID uuid.UUID) (*location.Entry, error) {
	entry, ok, err := s.cache.Get(ctx, driverID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read cached position: %w", err)
	}
	if !ok {
		return nil, apperr.Errorf("tracking.LastKnown", apperr.ErrNotFound, "no fresh position for driver %s", driverID)
	}
	return entry, nil
}
