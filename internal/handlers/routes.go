package handlers

import (
	"context"
	"net/http"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/routing"

	"github.com/google/uuid"
)

// RoutePlanner оптимизация порядка остановок
type RoutePlanner interface {
	Optimize(req routing.Request) routing.Result
	OptimizeSession(ctx context.Context, sessionID uuid.UUID) (*routing.Result, error)
}

// RouteHandler обрабатывает запросы оптимизации маршрута
type RouteHandler struct {
	routes RoutePlanner
	log    *logger.Logger
}

// NewRouteHandler создает новый RouteHandler
func NewRouteHandler(routes RoutePlanner, log *logger.Logger) *RouteHandler {
	return &RouteHandler{
		routes: routes,
		log:    log,
	}
}

// Optimize строит порядок объезда для переданных точек без сохранения.
// Невыполнимый запрос возвращается как 422 с причиной в теле.
func (h *RouteHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req routing.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.routes.Optimize(req)
	if result.Infeasible {
		writeJSONResponse(w, http.StatusUnprocessableEntity, result)
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}

// OptimizeSession переупорядочивает оставшиеся остановки рейса
func (h *RouteHandler) OptimizeSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.routes.OptimizeSession(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to optimize session route")
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}
