package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

const (
	headerIdempotencyKey  = "Idempotency-Key"
	headerReplayed        = "Idempotent-Replayed"
	headerSignature       = "X-Signature"
	headerStripeSignature = "Stripe-Signature"

	maxIdempotencyKeyLen = 255
)

// Billing платежи за подписку
type Billing interface {
	CreatePayment(ctx context.Context, key string, req *models.CreatePaymentRequest) (*models.Payment, bool, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	History(ctx context.Context, id uuid.UUID) ([]models.PaymentTransaction, error)
	Refund(ctx context.Context, paymentID uuid.UUID, amount *int64) (*models.Payment, error)
	ReceiveWebhook(ctx context.Context, payload []byte, signature string) error
	ReceiveStripeWebhook(ctx context.Context, payload []byte, signature string) error
}

// PaymentHandler обрабатывает платежи и вебхуки провайдера
type PaymentHandler struct {
	billing Billing
	log     *logger.Logger
}

// NewPaymentHandler создает новый PaymentHandler
func NewPaymentHandler(billing Billing, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		billing: billing,
		log:     log,
	}
}

// CreatePayment создает платеж. Заголовок Idempotency-Key обязателен;
// повтор с тем же ключом возвращает тот же платеж со статусом 200.
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" || len(key) > maxIdempotencyKeyLen {
		writeErrorResponse(w, http.StatusBadRequest, "Idempotency-Key header is required (up to 255 characters)")
		return
	}

	var req models.CreatePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	payment, replayed, err := h.billing.CreatePayment(r.Context(), key, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create payment")
		return
	}

	status := http.StatusCreated
	if replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}
	writeJSONResponse(w, status, payment)
}

// GetPayment возвращает платеж
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	payment, err := h.billing.GetPayment(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get payment")
		return
	}

	writeJSONResponse(w, http.StatusOK, payment)
}

// GetHistory возвращает журнал платежа
func (h *PaymentHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.billing.History(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get payment history")
		return
	}

	writeJSONResponse(w, http.StatusOK, history)
}

// Refund возвращает средства. Пустое тело означает полный возврат остатка.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req models.RefundRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	payment, err := h.billing.Refund(r.Context(), id, req.Amount)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to refund payment")
		return
	}

	writeJSONResponse(w, http.StatusOK, payment)
}

// Webhook принимает уведомление провайдера с подписью X-Signature
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, headerSignature, h.billing.ReceiveWebhook)
}

// StripeWebhook принимает уведомление Stripe
func (h *PaymentHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, headerStripeSignature, h.billing.ReceiveStripeWebhook)
}

func (h *PaymentHandler) receive(w http.ResponseWriter, r *http.Request, header string, fn func(context.Context, []byte, string) error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if err := fn(r.Context(), payload, r.Header.Get(header)); err != nil {
		writeServiceError(w, h.log, err, "Failed to accept webhook")
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
