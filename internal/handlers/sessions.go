package handlers

import (
	"context"
	"net/http"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// SessionManager операции над рейсами
type SessionManager interface {
	CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.RouteSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	ActiveSession(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error)
	StartSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	CompleteSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	CancelSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	RecordAttendance(ctx context.Context, sessionID, stopID uuid.UUID) (*models.RouteStop, error)
	SkipStop(ctx context.Context, sessionID, stopID uuid.UUID) (*models.RouteStop, error)
	MarkStudentReady(ctx context.Context, sessionID, studentID uuid.UUID) error
	LinkGuardian(ctx context.Context, studentID, guardianID uuid.UUID) error
}

// SessionHandler обрабатывает запросы по рейсам
type SessionHandler struct {
	sessions SessionManager
	log      *logger.Logger
}

// NewSessionHandler создает новый SessionHandler
func NewSessionHandler(sessions SessionManager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log,
	}
}

// CreateSession планирует рейс
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create session")
		return
	}

	writeJSONResponse(w, http.StatusCreated, session)
}

// GetSession возвращает рейс с остановками
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get session")
		return
	}

	writeJSONResponse(w, http.StatusOK, session)
}

// GetActiveSession возвращает текущий рейс водителя
func (h *SessionHandler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	driverID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.sessions.ActiveSession(r.Context(), driverID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get active session")
		return
	}

	writeJSONResponse(w, http.StatusOK, session)
}

// StartSession переводит рейс в in_progress
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.sessions.StartSession)
}

// CompleteSession завершает рейс
func (h *SessionHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.sessions.CompleteSession)
}

// CancelSession отменяет рейс
func (h *SessionHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.sessions.CancelSession)
}

func (h *SessionHandler) changeStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*models.RouteSession, error)) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to update session status")
		return
	}

	writeJSONResponse(w, http.StatusOK, session)
}

// RecordAttendance отмечает посадку/высадку на остановке
func (h *SessionHandler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	h.changeStop(w, r, h.sessions.RecordAttendance)
}

// SkipStop пропускает остановку
func (h *SessionHandler) SkipStop(w http.ResponseWriter, r *http.Request) {
	h.changeStop(w, r, h.sessions.SkipStop)
}

func (h *SessionHandler) changeStop(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, uuid.UUID) (*models.RouteStop, error)) {
	sessionID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	stopID, err := pathUUID(r, "stopID")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stop, err := fn(r.Context(), sessionID, stopID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to update stop")
		return
	}

	writeJSONResponse(w, http.StatusOK, stop)
}

// MarkStudentReady принимает сигнал готовности ученика
func (h *SessionHandler) MarkStudentReady(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var req models.StudentReadyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.MarkStudentReady(r.Context(), sessionID, req.StudentID); err != nil {
		writeServiceError(w, h.log, err, "Failed to mark student ready")
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// LinkGuardian подписывает опекуна на уведомления ученика
func (h *SessionHandler) LinkGuardian(w http.ResponseWriter, r *http.Request) {
	studentID, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	var req models.LinkGuardianRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.LinkGuardian(r.Context(), studentID, req.GuardianID); err != nil {
		writeServiceError(w, h.log, err, "Failed to link guardian")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
