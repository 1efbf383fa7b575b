package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/gateway"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/payments"

	"github.com/google/uuid"
)

// PaymentGateway платёжный провайдер
type PaymentGateway interface {
	CreatePreference(ctx context.Context, p *models.Payment) (gateway.Preference, error)
	FetchStatus(ctx context.Context, providerID string) (models.PaymentReport, error)
	Refund(ctx context.Context, providerID string, amount *int64) (gateway.RefundResult, error)
}

// WebhookVerifier проверяет подпись уведомления провайдера и нормализует его.
// relevant=false для событий, которые не меняют платеж.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (n models.WebhookNotification, relevant bool, err error)
}

// PaymentLookup чтение и привязка платежей к провайдеру
type PaymentLookup interface {
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByProvider(ctx context.Context, providerID string) (*models.Payment, error)
	SetPaymentProvider(ctx context.Context, id uuid.UUID, providerID, checkoutURL string) error
}

// WebhookEvents постановка уведомлений в очередь обработки
type WebhookEvents interface {
	PublishWebhookReceived(ctx context.Context, ev models.WebhookReceivedEvent) error
}

// BillingService платежи за подписку: создание, вебхуки, возвраты
type BillingService struct {
	ledger        *payments.Ledger
	payments      PaymentLookup
	gateway       PaymentGateway
	verifier      WebhookVerifier
	events        WebhookEvents
	webhookSecret []byte
	log           *logger.Logger
	now           func() time.Time
}

// NewBillingService создает сервис. gateway и verifier могут быть nil:
// тогда платежи ведутся только во внутреннем реестре.
func NewBillingService(
	ledger *payments.Ledger,
	lookup PaymentLookup,
	gw PaymentGateway,
	verifier WebhookVerifier,
	events WebhookEvents,
	webhookSecret string,
	log *logger.Logger,
) *BillingService {
	return &BillingService{
		ledger:        ledger,
		payments:      lookup,
		gateway:       gw,
		verifier:      verifier,
		events:        events,
		webhookSecret: []byte(webhookSecret),
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreatePayment создает платеж по ключу идемпотентности. Платёжная страница
// создается только вместе с платежом; повтор с тем же ключом ее не создает,
// если только первая попытка не закончилась ошибкой провайдера.
func (s *BillingService) CreatePayment(ctx context.Context, key string, req *models.CreatePaymentRequest) (*models.Payment, bool, error) {
	p, replayed, err := s.ledger.CreatePayment(ctx, payments.CreateRequest{
		IdempotencyKey: key,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PayerID:        req.PayerID,
		PayeeDriverID:  req.PayeeDriverID,
		Description:    req.Description,
	})
	if err != nil {
		return nil, false, err
	}

	if replayed && p.ProviderID == nil {
		// снимок ключа сделан до привязки к провайдеру
		if current, err := s.payments.GetPayment(ctx, p.ID); err == nil {
			p.ProviderID, p.CheckoutURL = current.ProviderID, current.CheckoutURL
		}
	}
	if s.gateway == nil || p.ProviderID != nil {
		return p, replayed, nil
	}

	pref, err := s.gateway.CreatePreference(ctx, p)
	if err != nil {
		s.log.WithField("payment_id", p.ID).WithError(err).Error("Failed to create checkout preference")
		return p, replayed, err
	}
	if err := s.payments.SetPaymentProvider(ctx, p.ID, pref.ProviderID, pref.CheckoutURL); err != nil {
		return p, replayed, fmt.Errorf("failed to attach provider to payment %s: %w", p.ID, err)
	}
	p.ProviderID = &pref.ProviderID
	p.CheckoutURL = &pref.CheckoutURL

	s.log.WithField("payment_id", p.ID).
		WithField("provider_id", pref.ProviderID).
		Info("Checkout preference created")

	return p, replayed, nil
}

// GetPayment возвращает платеж
func (s *BillingService) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.ledger.Get(ctx, id)
}

// History журнал платежа
func (s *BillingService) History(ctx context.Context, id uuid.UUID) ([]models.PaymentTransaction, error) {
	return s.ledger.History(ctx, id)
}

// Sign подпись тела вебхука: hex(HMAC-SHA256(secret, body))
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ReceiveWebhook проверяет подпись X-Signature и ставит уведомление в очередь.
// Сам платеж меняется асинхронно в ProcessWebhook.
func (s *BillingService) ReceiveWebhook(ctx context.Context, payload []byte, signature string) error {
	const op = "billing.ReceiveWebhook"

	if len(s.webhookSecret) == 0 {
		return apperr.Errorf(op, apperr.ErrForbidden, "webhook secret is not configured")
	}
	expected := Sign(s.webhookSecret, payload)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return apperr.Errorf(op, apperr.ErrForbidden, "signature mismatch")
	}

	var n models.WebhookNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return apperr.Errorf(op, apperr.ErrInvalidArgument, "malformed payload: %v", err)
	}
	if n.PaymentID == nil && n.ProviderID == "" {
		return apperr.Errorf(op, apperr.ErrInvalidArgument, "payment_id or provider_id is required")
	}
	if !n.Status.Valid() {
		return apperr.Errorf(op, apperr.ErrInvalidArgument, "unknown status %q", n.Status)
	}

	return s.enqueue(ctx, n, payload)
}

// ReceiveStripeWebhook принимает уведомление Stripe (заголовок Stripe-Signature)
func (s *BillingService) ReceiveStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.verifier == nil {
		return apperr.Errorf("billing.ReceiveStripeWebhook", apperr.ErrNotFound, "stripe is not configured")
	}
	n, relevant, err := s.verifier.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}
	if !relevant {
		s.log.Debug("Ignoring irrelevant Stripe event")
		return nil
	}
	return s.enqueue(ctx, n, payload)
}

func (s *BillingService) enqueue(ctx context.Context, n models.WebhookNotification, payload []byte) error {
	ev := models.WebhookReceivedEvent{
		Notification: n,
		RawPayload:   json.RawMessage(payload),
		ReceivedAt:   s.now(),
	}
	if !json.Valid(payload) {
		ev.RawPayload = nil
	}
	if err := s.events.PublishWebhookReceived(ctx, ev); err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}

	s.log.WithField("provider_id", n.ProviderID).
		WithField("status", n.Status).
		Info("Payment webhook accepted")
	return nil
}

// ProcessWebhook применяет уведомление к платежу. Если платеж привязан к
// провайдеру, статус подтверждается запросом к провайдеру: тело вебхука
// может устареть к моменту обработки.
func (s *BillingService) ProcessWebhook(ctx context.Context, ev models.WebhookReceivedEvent) error {
	p, err := s.resolvePayment(ctx, ev.Notification)
	if err != nil {
		return err
	}

	reported := ev.Notification.Report()
	if s.gateway != nil && p.ProviderID != nil {
		confirmed, err := s.gateway.FetchStatus(ctx, *p.ProviderID)
		if err != nil {
			return fmt.Errorf("failed to confirm status of payment %s: %w", p.ID, err)
		}
		if confirmed.Status != reported.Status {
			s.log.WithField("payment_id", p.ID).
				WithField("reported", reported.Status).
				WithField("confirmed", confirmed.Status).
				Info("Provider status differs from webhook body")
		}
		reported = confirmed
	}

	updated, err := s.ledger.ApplyWebhookUpdate(ctx, p, reported, ev.RawPayload)
	if err != nil {
		return err
	}

	s.log.WithField("payment_id", p.ID).
		WithField("status", updated.Status).
		Debug("Webhook processed")
	return nil
}

func (s *BillingService) resolvePayment(ctx context.Context, n models.WebhookNotification) (*models.Payment, error) {
	if n.PaymentID != nil {
		p, err := s.payments.GetPayment(ctx, *n.PaymentID)
		if err == nil || !errors.Is(err, apperr.ErrNotFound) || n.ProviderID == "" {
			return p, err
		}
	}
	if n.ProviderID == "" {
		return nil, apperr.Errorf("billing.resolvePayment", apperr.ErrInvalidArgument, "notification names no payment")
	}
	return s.payments.FindPaymentByProvider(ctx, n.ProviderID)
}

// Refund возвращает средства: сначала у провайдера, затем в реестре.
// nil amount означает весь остаток.
func (s *BillingService) Refund(ctx context.Context, paymentID uuid.UUID, amount *int64) (*models.Payment, error) {
	p, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	value, err := payments.CheckRefund(p, amount)
	if err != nil {
		return nil, err
	}

	if s.gateway != nil && p.ProviderID != nil {
		res, err := s.gateway.Refund(ctx, *p.ProviderID, &value)
		if err != nil {
			s.log.WithField("payment_id", p.ID).WithError(err).Error("Provider refund failed")
			return nil, err
		}
		s.log.WithField("payment_id", p.ID).
			WithField("refund_id", res.ID).
			WithField("refund_status", res.Status).
			Info("Provider refund created")

		// вебхук о возврате мог обогнать запись в реестре
		return s.ledger.RecordProviderRefund(ctx, p, value)
	}

	return s.ledger.Refund(ctx, p, &value)
}
