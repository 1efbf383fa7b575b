package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus представляет статус платежа
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusProcessing        PaymentStatus = "processing"
	PaymentStatusApproved          PaymentStatus = "approved"
	PaymentStatusRejected          PaymentStatus = "rejected"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

// Допустимые движения вперёд. Вебхук может перескочить processing.
var paymentTransitions = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentStatusPending: {
		PaymentStatusProcessing: {},
		PaymentStatusApproved:   {},
		PaymentStatusRejected:   {},
		PaymentStatusCancelled:  {},
	},
	PaymentStatusProcessing: {
		PaymentStatusApproved:  {},
		PaymentStatusRejected:  {},
		PaymentStatusCancelled: {},
	},
	PaymentStatusApproved: {
		PaymentStatusPartiallyRefunded: {},
		PaymentStatusRefunded:          {},
	},
	PaymentStatusPartiallyRefunded: {
		PaymentStatusRefunded: {},
	},
	PaymentStatusRejected:  {},
	PaymentStatusCancelled: {},
	PaymentStatusRefunded:  {},
}

// Valid проверяет, что статус известен
func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// IsFinal сообщает, что платёж больше не может измениться
func (s PaymentStatus) IsFinal() bool {
	switch s {
	case PaymentStatusRejected, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// IsRefundable сообщает, можно ли вернуть средства по платежу
func (s PaymentStatus) IsRefundable() bool {
	return s == PaymentStatusApproved || s == PaymentStatusPartiallyRefunded
}

// CanAdvancePayment сообщает, является ли переход движением вперёд
func CanAdvancePayment(from, to PaymentStatus) bool {
	allowed, ok := paymentTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Payment представляет платёж за подписку на перевозку
type Payment struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	IdempotencyKey string        `json:"idempotency_key" db:"idempotency_key"`
	Amount         int64         `json:"amount" db:"amount"`
	Currency       string        `json:"currency" db:"currency"`
	Status         PaymentStatus `json:"status" db:"status"`
	RefundedAmount int64         `json:"refunded_amount" db:"refunded_amount"`
	ProviderID     *string       `json:"provider_id,omitempty" db:"provider_id"`
	CheckoutURL    *string       `json:"checkout_url,omitempty" db:"checkout_url"`
	PayerID        uuid.UUID     `json:"payer_id" db:"payer_id"`
	PayeeDriverID  *uuid.UUID    `json:"payee_driver_id,omitempty" db:"payee_driver_id"`
	Description    string        `json:"description" db:"description"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Refundable возвращает остаток, доступный к возврату
func (p Payment) Refundable() int64 {
	return p.Amount - p.RefundedAmount
}

// TransactionKind тип записи в журнале платежа
type TransactionKind string

const (
	TransactionKindCreate  TransactionKind = "create"
	TransactionKindWebhook TransactionKind = "webhook"
	TransactionKindRefund  TransactionKind = "refund"
)

// PaymentTransaction запись журнала платежа (только добавление)
type PaymentTransaction struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	PaymentID  uuid.UUID       `json:"payment_id" db:"payment_id"`
	Kind       TransactionKind `json:"kind" db:"kind"`
	FromStatus PaymentStatus   `json:"from_status" db:"from_status"`
	ToStatus   PaymentStatus   `json:"to_status" db:"to_status"`
	Amount     int64           `json:"amount" db:"amount"`
	Applied    bool            `json:"applied" db:"applied"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PaymentUpdate описывает условное (compare-and-set) изменение платежа
type PaymentUpdate struct {
	PaymentID    uuid.UUID
	FromStatus   PaymentStatus
	FromRefunded int64
	ToStatus     PaymentStatus
	ToRefunded   int64
	At           time.Time
	Transaction  PaymentTransaction
}

// IdempotencyRecord запоминает результат первого запроса с ключом
type IdempotencyRecord struct {
	Key          string          `json:"key" db:"key"`
	PaymentID    uuid.UUID       `json:"payment_id" db:"payment_id"`
	CachedResult json.RawMessage `json:"cached_result" db:"cached_result"`
	ExpiresAt    time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Active сообщает, действует ли запись в момент now
func (r IdempotencyRecord) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// CreatePaymentRequest представляет запрос на создание платежа
type CreatePaymentRequest struct {
	Amount        int64      `json:"amount" validate:"gt=0"`
	Currency      string     `json:"currency" validate:"required,len=3"`
	PayerID       uuid.UUID  `json:"payer_id" validate:"required"`
	PayeeDriverID *uuid.UUID `json:"payee_driver_id,omitempty"`
	Description   string     `json:"description" validate:"max=255"`
}

// RefundRequest представляет запрос на возврат; пустая сумма означает весь остаток
type RefundRequest struct {
	Amount *int64 `json:"amount,omitempty" validate:"omitempty,gt=0"`
}

// PaymentReport состояние платежа по данным провайдера. RefundedAmount
// задается, когда провайдер сообщает сумму возврата.
type PaymentReport struct {
	Status         PaymentStatus `json:"status"`
	RefundedAmount *int64        `json:"refunded_amount,omitempty"`
}

// WebhookNotification нормализованное уведомление платёжного провайдера
type WebhookNotification struct {
	PaymentID      *uuid.UUID    `json:"payment_id,omitempty"`
	ProviderID     string        `json:"provider_id,omitempty"`
	Status         PaymentStatus `json:"status"`
	RefundedAmount *int64        `json:"refunded_amount,omitempty"`
}

// Report состояние платежа из тела уведомления
func (n WebhookNotification) Report() PaymentReport {
	return PaymentReport{Status: n.Status, RefundedAmount: n.RefundedAmount}
}
