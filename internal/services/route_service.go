package services

import (
	"context"
	"fmt"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/geofence"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/routing"

	"github.com/google/uuid"
)

// RouteStore доступ к порядку остановок сессии
type RouteStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	ReorderStops(ctx context.Context, sessionID uuid.UUID, stopIDs []uuid.UUID) error
}

// RouteService перестраивает порядок объезда остановок
type RouteService struct {
	store     RouteStore
	optimizer *routing.Optimizer
	realtime  Realtime
	log       *logger.Logger
}

// NewRouteService создает сервис маршрутов
func NewRouteService(store RouteStore, optimizer *routing.Optimizer, realtime Realtime, log *logger.Logger) *RouteService {
	return &RouteService{
		store:     store,
		optimizer: optimizer,
		realtime:  realtime,
		log:       log,
	}
}

// Optimize строит порядок для произвольного набора точек без сохранения
func (s *RouteService) Optimize(req routing.Request) routing.Result {
	return s.optimizer.Optimize(req)
}

// OptimizeSession переупорядочивает нерешенные остановки сессии.
// Последняя нерешенная остановка (обычно школа) остается конечной точкой.
// Остановка в статусе arrived остается первой: автобус уже стоит на ней.
// Старт: текущая позиция автобуса, если она известна, иначе первая нерешенная остановка.
func (s *RouteService) OptimizeSession(ctx context.Context, sessionID uuid.UUID) (*routing.Result, error) {
	const op = "routes.OptimizeSession"

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsFinal() {
		return nil, apperr.Errorf(op, apperr.ErrInvalidState, "session %s is %s", sessionID, session.Status)
	}

	open := make([]models.RouteStop, 0, len(session.Stops))
	for _, stop := range session.Stops {
		if !stop.Status.IsResolved() {
			open = append(open, stop)
		}
	}
	if len(open) == 0 {
		return &routing.Result{Order: []string{}, Segments: []routing.Segment{}}, nil
	}

	last := open[len(open)-1]
	start, ok := session.CurrentPoint()
	if !ok {
		start = open[0].Point()
	}

	var pinned []models.RouteStop
	if len(open) > 1 && open[0].Status == models.StopStatusArrived {
		pinned = open[:1]
		open = open[1:]
		start = pinned[0].Point()
	}

	req := routing.Request{Start: start, End: last.Point()}
	for _, stop := range open[:len(open)-1] {
		req.Stops = append(req.Stops, routing.Stop{ID: stop.ID.String(), Lat: stop.Lat, Lon: stop.Lon})
	}

	result := s.optimizer.Optimize(req)
	if result.Infeasible {
		return nil, apperr.Errorf(op, apperr.ErrInvalidArgument, "%s", result.Reason)
	}

	order := make([]uuid.UUID, 0, len(open)+len(pinned))
	for _, stop := range pinned {
		order = append(order, stop.ID)
	}
	for _, id := range result.Order {
		stopID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%s: optimizer returned foreign id %q: %w", op, id, err)
		}
		order = append(order, stopID)
	}
	order = append(order, last.ID)
	result.Order = append(result.Order, last.ID.String())
	if len(pinned) > 0 {
		result.Order = append([]string{pinned[0].ID.String()}, result.Order...)
	}

	if err := s.store.ReorderStops(ctx, sessionID, order); err != nil {
		return nil, err
	}

	s.log.WithSession(sessionID).
		WithField("stops", len(order)).
		WithField("distance_m", result.TotalDistanceMeters).
		Info("Session stops reordered")

	payload := map[string]interface{}{
		"event": "route.reordered",
		"route": result,
	}
	if err := s.realtime.Publish(geofence.SessionTopic(sessionID), payload); err != nil {
		s.log.WithSession(sessionID).WithError(err).Warn("Failed to publish reordered route")
	}

	return &result, nil
}
