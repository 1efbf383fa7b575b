package handlers

import (
	"context"
	"net/http"

	"schoolbus-tracking/internal/distress"
	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// AlertCoordinator операции над тревогами
type AlertCoordinator interface {
	Trigger(ctx context.Context, req distress.TriggerRequest) (uuid.UUID, error)
	Respond(ctx context.Context, alertID, driverID uuid.UUID) error
	Resolve(ctx context.Context, alertID, callerID uuid.UUID, isAdmin bool) error
	Get(ctx context.Context, alertID uuid.UUID) (*models.DistressAlert, error)
}

// AlertHandler обрабатывает тревожную кнопку водителя
type AlertHandler struct {
	alerts AlertCoordinator
	log    *logger.Logger
}

// NewAlertHandler создает новый AlertHandler
func NewAlertHandler(alerts AlertCoordinator, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		log:    log,
	}
}

// Trigger создает тревогу
func (h *AlertHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	alertID, err := h.alerts.Trigger(r.Context(), distress.TriggerRequest{
		DriverID:  req.DriverID,
		SessionID: req.SessionID,
		Location:  geo.Point{Lat: req.Lat, Lon: req.Lon},
		Source:    models.AlertSourceDriver,
	})
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to trigger alert")
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"alert_id": alertID,
		"status":   models.AlertStatusPending,
	})
}

// GetAlert возвращает тревогу
func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := h.alerts.Get(r.Context(), alertID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get alert")
		return
	}

	writeJSONResponse(w, http.StatusOK, alert)
}

// Respond оповещённый водитель берет тревогу на себя
func (h *AlertHandler) Respond(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	driverID, err := callerDriverID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := h.alerts.Respond(r.Context(), alertID, driverID); err != nil {
		writeServiceError(w, h.log, err, "Failed to respond to alert")
		return
	}

	h.writeAlert(w, r, alertID)
}

// Resolve закрывает тревогу
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	callerID, err := callerDriverID(r)
	if err != nil {
		writeErrorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}

	if err := h.alerts.Resolve(r.Context(), alertID, callerID, callerIsAdmin(r)); err != nil {
		writeServiceError(w, h.log, err, "Failed to resolve alert")
		return
	}

	h.writeAlert(w, r, alertID)
}

func (h *AlertHandler) writeAlert(w http.ResponseWriter, r *http.Request, alertID uuid.UUID) {
	alert, err := h.alerts.Get(r.Context(), alertID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get alert")
		return
	}
	writeJSONResponse(w, http.StatusOK, alert)
}
