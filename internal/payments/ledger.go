// Package payments ведёт учёт платежей: идемпотентное создание,
// монотонное применение статусов из вебхуков и возвраты.
package payments

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL срок действия ключа идемпотентности
const DefaultIdempotencyTTL = 24 * time.Hour

// сколько раз перечитывать платеж при проигранном compare-and-set
const maxCASAttempts = 3

// Store хранилище платежей
type Store interface {
	CreatePaymentIdempotent(ctx context.Context, p *models.Payment, expiresAt, now time.Time) (*models.Payment, bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, upd models.PaymentUpdate) (bool, error)
	AppendPaymentTransaction(ctx context.Context, txn models.PaymentTransaction) error
	ListPaymentTransactions(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentTransaction, error)
}

// CreateRequest параметры создания платежа
type CreateRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	PayerID        uuid.UUID
	PayeeDriverID  *uuid.UUID
	Description    string
}

// Ledger платёжный реестр
type Ledger struct {
	store Store
	ttl   time.Duration
	log   *logger.Logger
	now   func() time.Time
}

// NewLedger создает реестр
func NewLedger(store Store, ttl time.Duration, log *logger.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Ledger{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreatePayment создает платеж в статусе pending. Повтор с тем же ключом в
// течение срока действия возвращает исходный результат (replayed=true).
func (l *Ledger) CreatePayment(ctx context.Context, req CreateRequest) (*models.Payment, bool, error) {
	const op = "payments.CreatePayment"

	key := strings.TrimSpace(req.IdempotencyKey)
	switch {
	case key == "" || len(key) > 255:
		return nil, false, apperr.Errorf(op, apperr.ErrInvalidArgument, "idempotency key must be 1..255 characters")
	case req.Amount <= 0:
		return nil, false, apperr.Errorf(op, apperr.ErrInvalidArgument, "amount must be positive, got %d", req.Amount)
	case len(req.Currency) != 3:
		return nil, false, apperr.Errorf(op, apperr.ErrInvalidArgument, "currency must be an ISO 4217 code, got %q", req.Currency)
	case req.PayerID == uuid.Nil:
		return nil, false, apperr.Errorf(op, apperr.ErrInvalidArgument, "payer id is required")
	}

	now := l.now()
	p := &models.Payment{
		ID:             uuid.New(),
		IdempotencyKey: key,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Status:         models.PaymentStatusPending,
		PayerID:        req.PayerID,
		PayeeDriverID:  req.PayeeDriverID,
		Description:    req.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, replayed, err := l.store.CreatePaymentIdempotent(ctx, p, now.Add(l.ttl), now)
	if err != nil {
		return nil, false, apperr.Wrap(op, err)
	}

	entry := l.log.WithField("payment_id", created.ID).WithField("idempotency_key", key)
	if replayed {
		entry.Info("Idempotent payment request replayed")
	} else {
		entry.WithField("amount", created.Amount).WithField("currency", created.Currency).Info("Payment created")
	}
	return created, replayed, nil
}

// Get возвращает платеж по ID
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, apperr.Wrap("payments.Get", err)
	}
	return p, nil
}

// History журнал операций по платежу
func (l *Ledger) History(ctx context.Context, id uuid.UUID) ([]models.PaymentTransaction, error) {
	txns, err := l.store.ListPaymentTransactions(ctx, id)
	if err != nil {
		return nil, apperr.Wrap("payments.History", err)
	}
	return txns, nil
}

// ApplyWebhookUpdate применяет состояние из уведомления провайдера, только
// если оно продвигает платеж вперёд. Каждая попытка попадает в журнал;
// повтор и откат назад записываются как неприменённые.
func (l *Ledger) ApplyWebhookUpdate(ctx context.Context, p *models.Payment, report models.PaymentReport, raw json.RawMessage) (*models.Payment, error) {
	const op = "payments.ApplyWebhookUpdate"

	if !report.Status.Valid() {
		return nil, apperr.Errorf(op, apperr.ErrInvalidArgument, "unknown payment status %q", report.Status)
	}

	current := p
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := l.now()
		status, refunded, advances := webhookTarget(current, report)
		txn := models.PaymentTransaction{
			ID:         uuid.New(),
			PaymentID:  current.ID,
			Kind:       models.TransactionKindWebhook,
			FromStatus: current.Status,
			ToStatus:   status,
			RawPayload: raw,
			CreatedAt:  now,
		}

		if !advances {
			if err := l.store.AppendPaymentTransaction(ctx, txn); err != nil {
				return nil, apperr.Wrap(op, err)
			}
			l.log.WithField("payment_id", current.ID).
				WithField("status", current.Status).
				WithField("reported", report.Status).
				Info("Webhook status does not advance payment, ignored")
			return current, nil
		}

		txn.Applied = true
		txn.Amount = refunded - current.RefundedAmount

		ok, err := l.store.UpdatePaymentStatus(ctx, models.PaymentUpdate{
			PaymentID:    current.ID,
			FromStatus:   current.Status,
			FromRefunded: current.RefundedAmount,
			ToStatus:     status,
			ToRefunded:   refunded,
			At:           now,
			Transaction:  txn,
		})
		if err != nil {
			return nil, apperr.Wrap(op, err)
		}
		if ok {
			updated := *current
			updated.Status = status
			updated.RefundedAmount = refunded
			updated.UpdatedAt = now
			l.log.WithField("payment_id", current.ID).
				WithField("from", current.Status).
				WithField("to", status).
				WithField("refunded", refunded).
				Info("Payment status advanced by webhook")
			return &updated, nil
		}

		// платеж изменился параллельно: перечитываем и решаем заново
		if current, err = l.store.GetPayment(ctx, p.ID); err != nil {
			return nil, apperr.Wrap(op, err)
		}
	}

	return nil, apperr.Errorf(op, apperr.ErrConflict, "payment %s keeps changing concurrently", p.ID)
}

// webhookTarget вычисляет состояние, к которому ведет отчёт провайдера.
// Частичный возврат без суммы ничего не продвигает: остаток не вычислить.
func webhookTarget(current *models.Payment, report models.PaymentReport) (models.PaymentStatus, int64, bool) {
	status, refunded := report.Status, current.RefundedAmount

	switch status {
	case models.PaymentStatusRefunded:
		refunded = current.Amount
	case models.PaymentStatusPartiallyRefunded:
		if report.RefundedAmount == nil {
			return status, refunded, false
		}
		if *report.RefundedAmount >= current.Amount {
			status, refunded = models.PaymentStatusRefunded, current.Amount
		} else if *report.RefundedAmount > refunded {
			refunded = *report.RefundedAmount
		}
		if status == models.PaymentStatusPartiallyRefunded && refunded == 0 {
			return status, refunded, false
		}
	}

	if status == current.Status {
		return status, refunded, status == models.PaymentStatusPartiallyRefunded && refunded > current.RefundedAmount
	}
	return status, refunded, models.CanAdvancePayment(current.Status, status)
}

// CheckRefund проверяет возможность возврата и возвращает сумму к возврату.
// nil означает весь остаток.
func CheckRefund(p *models.Payment, amount *int64) (int64, error) {
	const op = "payments.CheckRefund"

	if !p.Status.IsRefundable() {
		return 0, apperr.Errorf(op, apperr.ErrInvalidState, "payment %s is %s", p.ID, p.Status)
	}
	remaining := p.Refundable()
	if amount == nil {
		if remaining <= 0 {
			return 0, apperr.Errorf(op, apperr.ErrInvalidArgument, "nothing left to refund")
		}
		return remaining, nil
	}
	if *amount <= 0 {
		return 0, apperr.Errorf(op, apperr.ErrInvalidArgument, "refund amount must be positive, got %d", *amount)
	}
	if *amount > remaining {
		return 0, apperr.Errorf(op, apperr.ErrInvalidArgument, "refund %d exceeds remaining %d", *amount, remaining)
	}
	return *amount, nil
}

// Refund увеличивает сумму возврата и переводит платеж в
// partially_refunded или refunded
func (l *Ledger) Refund(ctx context.Context, p *models.Payment, amount *int64) (*models.Payment, error) {
	const op = "payments.Refund"

	current := p
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		refund, err := CheckRefund(current, amount)
		if err != nil {
			return nil, err
		}

		updated, err := l.applyRefund(ctx, current, refund)
		if err != nil || updated != nil {
			return updated, apperr.Wrap(op, err)
		}

		if current, err = l.store.GetPayment(ctx, p.ID); err != nil {
			return nil, apperr.Wrap(op, err)
		}
	}

	return nil, apperr.Errorf(op, apperr.ErrConflict, "payment %s keeps changing concurrently", p.ID)
}

// RecordProviderRefund фиксирует возврат, уже проведённый у провайдера.
// Итоговая сумма возврата считается от снимка p: если вебхук провайдера
// успел учесть этот возврат, повторно он не добавляется.
func (l *Ledger) RecordProviderRefund(ctx context.Context, p *models.Payment, refund int64) (*models.Payment, error) {
	const op = "payments.RecordProviderRefund"

	if refund <= 0 {
		return nil, apperr.Errorf(op, apperr.ErrInvalidArgument, "refund amount must be positive, got %d", refund)
	}
	target := p.RefundedAmount + refund
	if target > p.Amount {
		target = p.Amount
	}

	current := p
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if current.RefundedAmount >= target {
			l.log.WithField("payment_id", current.ID).
				WithField("refunded_total", current.RefundedAmount).
				Info("Provider refund already recorded")
			return current, nil
		}
		if !current.Status.IsRefundable() {
			return nil, apperr.Errorf(op, apperr.ErrInvalidState, "payment %s is %s", p.ID, current.Status)
		}

		updated, err := l.applyRefund(ctx, current, target-current.RefundedAmount)
		if err != nil || updated != nil {
			return updated, apperr.Wrap(op, err)
		}

		if current, err = l.store.GetPayment(ctx, p.ID); err != nil {
			return nil, apperr.Wrap(op, err)
		}
	}

	return nil, apperr.Errorf(op, apperr.ErrConflict, "payment %s keeps changing concurrently", p.ID)
}

// applyRefund добавляет refund к сумме возврата через compare-and-set.
// nil без ошибки означает, что платеж изменился параллельно.
func (l *Ledger) applyRefund(ctx context.Context, current *models.Payment, refund int64) (*models.Payment, error) {
	refunded := current.RefundedAmount + refund
	status := models.PaymentStatusPartiallyRefunded
	if refunded == current.Amount {
		status = models.PaymentStatusRefunded
	}

	now := l.now()
	ok, err := l.store.UpdatePaymentStatus(ctx, models.PaymentUpdate{
		PaymentID:    current.ID,
		FromStatus:   current.Status,
		FromRefunded: current.RefundedAmount,
		ToStatus:     status,
		ToRefunded:   refunded,
		At:           now,
		Transaction: models.PaymentTransaction{
			ID:         uuid.New(),
			PaymentID:  current.ID,
			Kind:       models.TransactionKindRefund,
			FromStatus: current.Status,
			ToStatus:   status,
			Amount:     refund,
			Applied:    true,
			CreatedAt:  now,
		},
	})
	if err != nil || !ok {
		return nil, err
	}

	updated := *current
	updated.Status = status
	updated.RefundedAmount = refunded
	updated.UpdatedAt = now
	l.log.WithField("payment_id", current.ID).
		WithField("refund", refund).
		WithField("refunded_total", refunded).
		WithField("status", status).
		Info("Payment refunded")
	return &updated, nil
}
