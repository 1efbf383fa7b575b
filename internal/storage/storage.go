// Package storage описывает доменное хранилище. Реализации: postgres
// (основная) и memory (локальный запуск и тесты).
package storage

import (
	"context"
	"time"

	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// SessionStore сессии маршрутов и их остановки
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.RouteSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error)
	FindActiveSessionByDriver(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error)
	ListInProgressSessions(ctx context.Context) ([]*models.RouteSession, error)
	ActiveDriverIDs(ctx context.Context) ([]uuid.UUID, error)
	StartSession(ctx context.Context, id uuid.UUID, at time.Time) error
	FinishSession(ctx context.Context, id uuid.UUID, to models.SessionStatus, at time.Time) error
	UpdateSessionPosition(ctx context.Context, id uuid.UUID, lat, lon float64, at time.Time) error
	TransitionStop(ctx context.Context, stopID uuid.UUID, from, to models.StopStatus, at time.Time) (bool, error)
	ReorderStops(ctx context.Context, sessionID uuid.UUID, stopIDs []uuid.UUID) error
	StopRecipients(ctx context.Context, stopID uuid.UUID) ([]string, error)
	LinkGuardian(ctx context.Context, studentID, guardianID uuid.UUID) error
}

// PositionLog журнал GPS-отметок
type PositionLog interface {
	AppendPosition(ctx context.Context, pos models.Position) error
	RecentPositions(ctx context.Context, driverID uuid.UUID, limit int) ([]models.Position, error)
}

// AlertStore тревоги водителей
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.DistressAlert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*models.DistressAlert, error)
	FindOpenAlert(ctx context.Context, driverID uuid.UUID) (*models.DistressAlert, error)
	AddAlertNearby(ctx context.Context, id uuid.UUID, driverIDs []uuid.UUID) ([]uuid.UUID, error)
	MarkAlertBroadcast(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkAlertResponded(ctx context.Context, id, responderID uuid.UUID, at time.Time) (bool, error)
	MarkAlertResolved(ctx context.Context, id, resolverID uuid.UUID, at time.Time) (bool, error)
}

// PaymentStore платежи, их журнал и ключи идемпотентности
type PaymentStore interface {
	CreatePaymentIdempotent(ctx context.Context, p *models.Payment, expiresAt, now time.Time) (*models.Payment, bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByProvider(ctx context.Context, providerID string) (*models.Payment, error)
	SetPaymentProvider(ctx context.Context, id uuid.UUID, providerID, checkoutURL string) error
	UpdatePaymentStatus(ctx context.Context, upd models.PaymentUpdate) (bool, error)
	AppendPaymentTransaction(ctx context.Context, txn models.PaymentTransaction) error
	ListPaymentTransactions(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentTransaction, error)
}

// Store полное доменное хранилище
type Store interface {
	SessionStore
	PositionLog
	AlertStore
	PaymentStore
	Ping(ctx context.Context) error
}
