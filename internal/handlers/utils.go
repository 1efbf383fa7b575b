package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/logger"

	"github.com/google/uuid"
)

// Заголовки, через которые внешний шлюз авторизации передает участника запроса
const (
	headerDriverID = "X-Driver-ID"
	headerAdmin    = "X-Admin"
)

const maxBodyBytes = 1 << 20

// ErrorResponse представляет структуру ответа с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSONResponse отправляет JSON ответ
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// writeErrorResponse отправляет ответ с ошибкой
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	writeJSONResponse(w, statusCode, response)
}

// statusFromError переводит доменную ошибку в HTTP статус
func statusFromError(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError отправляет ошибку сервиса. Клиентские ошибки уходят
// с текстом, серверные логируются и скрываются за message.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, message string) {
	status := statusFromError(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error(message)
		writeErrorResponse(w, status, message)
		return
	}
	writeErrorResponse(w, status, err.Error())
}

// decodeJSON читает тело запроса и проверяет его теги validate
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON format: %w", err)
	}
	return validateStruct(dst)
}

// pathUUID извлекает UUID из параметра маршрута
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s in path", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}

// callerDriverID водитель, от имени которого выполняется запрос
func callerDriverID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get(headerDriverID))
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s header is required", headerDriverID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s header: %w", headerDriverID, err)
	}
	return id, nil
}

func callerIsAdmin(r *http.Request) bool {
	admin, _ := strconv.ParseBool(r.Header.Get(headerAdmin))
	return admin
}
