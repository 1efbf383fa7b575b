package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/services"

	"github.com/google/uuid"
)

// DriverLimits чтение и сброс лимита отметок
type DriverLimits interface {
	GetStatus(ctx context.Context, driverID uuid.UUID) (*services.RateLimitResult, error)
	ResetLimit(ctx context.Context, driverID uuid.UUID) error
}

// RateLimitHandler обрабатывает запросы связанные с rate limiting
type RateLimitHandler struct {
	rateLimiter DriverLimits
	log         *logger.Logger
}

// NewRateLimitHandler создает новый RateLimitHandler
func NewRateLimitHandler(rateLimiter DriverLimits, log *logger.Logger) *RateLimitHandler {
	return &RateLimitHandler{
		rateLimiter: rateLimiter,
		log:         log,
	}
}

// GetStatus возвращает текущий статус лимита водителя без инкремента счетчика
func (h *RateLimitHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.rateLimiter.GetStatus(r.Context(), driverID)
	if err != nil {
		h.log.WithDriver(driverID.String()).WithError(err).Error("Failed to get rate limit status")
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to get rate limit status")
		return
	}

	response := map[string]interface{}{
		"driver_id": driverID,
		"limit":     result.Limit,
		"remaining": result.Remaining,
		"limited":   !result.Allowed,
	}
	if !result.ResetAt.IsZero() {
		response["reset_at"] = result.ResetAt.Format(time.RFC3339)
	}

	writeJSONResponse(w, http.StatusOK, response)
}

// Reset сбрасывает счетчик водителя. Только для администратора.
func (h *RateLimitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if !callerIsAdmin(r) {
		writeErrorResponse(w, http.StatusForbidden, "Admin access required")
		return
	}
	driverID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.rateLimiter.ResetLimit(r.Context(), driverID); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to reset rate limit")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeRateLimited отвечает 429 с заголовками X-RateLimit-*
func writeRateLimited(w http.ResponseWriter, result *services.RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
	if !result.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", result.ResetAt.Format(time.RFC3339))
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfter))

	writeJSONResponse(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate_limit_exceeded",
		"message":     "Too many position fixes, retry later",
		"limit":       result.Limit,
		"retry_after": result.RetryAfter,
	})
}
