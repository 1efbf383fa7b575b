package handlers

import (
	"context"
	"errors"
	"net/http"

	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/services"

	"github.com/google/uuid"
)

// PositionIngester прием GPS-отметок
type PositionIngester interface {
	Ingest(ctx context.Context, fix models.PositionFix) (*services.IngestResult, error)
	IngestBatch(ctx context.Context, driverID uuid.UUID, fixes []models.PositionFix) (*services.BatchResult, error)
	LastKnown(ctx context.Context, driverID uuid.UUID) (*location.Entry, error)
}

// TrackingHandler обрабатывает GPS-отметки водителей
type TrackingHandler struct {
	tracking PositionIngester
	log      *logger.Logger
}

// NewTrackingHandler создает новый TrackingHandler
func NewTrackingHandler(tracking PositionIngester, log *logger.Logger) *TrackingHandler {
	return &TrackingHandler{
		tracking: tracking,
		log:      log,
	}
}

// PostPosition принимает одну отметку
func (h *TrackingHandler) PostPosition(w http.ResponseWriter, r *http.Request) {
	var fix models.PositionFix
	if err := decodeJSON(w, r, &fix); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.tracking.Ingest(r.Context(), fix)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, result)
}

// PostBatch принимает накопленные офлайн отметки одного водителя
func (h *TrackingHandler) PostBatch(w http.ResponseWriter, r *http.Request) {
	var batch models.PositionBatch
	if err := decodeJSON(w, r, &batch); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	driverID := batch.Fixes[0].DriverID
	result, err := h.tracking.IngestBatch(r.Context(), driverID, batch.Fixes)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusAccepted, result)
}

// GetDriverPosition возвращает свежую позицию водителя
func (h *TrackingHandler) GetDriverPosition(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := h.tracking.LastKnown(r.Context(), driverID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to read driver position")
		return
	}

	writeJSONResponse(w, http.StatusOK, entry)
}

func (h *TrackingHandler) writeIngestError(w http.ResponseWriter, err error) {
	var rle *services.RateLimitError
	if errors.As(err, &rle) {
		writeRateLimited(w, &rle.Result)
		return
	}
	writeServiceError(w, h.log, err, "Failed to ingest position")
}
