// Package stripegw реализует платёжный шлюз на Stripe Checkout.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/gateway"
	"schoolbus-tracking/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Gateway адаптер Stripe Checkout
type Gateway struct {
	client        *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// Config параметры шлюза
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Backends переопределяет API Stripe (для тестов)
	Backends *stripe.Backends
}

// New создает шлюз
func New(cfg Config) *Gateway {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, cfg.Backends)

	return &Gateway{
		client:        sc,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

// CreatePreference создает Checkout Session на сумму платежа
func (g *Gateway) CreatePreference(ctx context.Context, p *models.Payment) (gateway.Preference, error) {
	name := p.Description
	if name == "" {
		name = "School transport"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(p.ID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(p.Currency)),
					UnitAmount: stripe.Int64(p.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID.String())
	params.SetIdempotencyKey("preference-" + p.ID.String())

	session, err := g.client.CheckoutSessions.New(params)
	if err != nil {
		return gateway.Preference{}, upstream("stripegw.CreatePreference", err)
	}

	return gateway.Preference{ProviderID: session.ID, CheckoutURL: session.URL}, nil
}

// FetchStatus запрашивает актуальный статус платежа у Stripe
func (g *Gateway) FetchStatus(ctx context.Context, providerID string) (models.PaymentReport, error) {
	session, err := g.session(ctx, providerID)
	if err != nil {
		return models.PaymentReport{}, upstream("stripegw.FetchStatus", err)
	}
	return ReportFromSession(session), nil
}

// Refund возвращает сумму по платежу. nil означает весь остаток.
func (g *Gateway) Refund(ctx context.Context, providerID string, amount *int64) (gateway.RefundResult, error) {
	const op = "stripegw.Refund"

	session, err := g.session(ctx, providerID)
	if err != nil {
		return gateway.RefundResult{}, upstream(op, err)
	}
	if session.PaymentIntent == nil {
		return gateway.RefundResult{}, apperr.Errorf(op, apperr.ErrInvalidState, "checkout session %s has no payment", providerID)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(session.PaymentIntent.ID),
	}
	if amount != nil {
		params.Amount = stripe.Int64(*amount)
	}
	params.Context = ctx

	refund, err := g.client.Refunds.New(params)
	if err != nil {
		return gateway.RefundResult{}, upstream(op, err)
	}

	return gateway.RefundResult{
		ID:     refund.ID,
		Status: string(refund.Status),
		Amount: refund.Amount,
	}, nil
}

func (g *Gateway) session(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.latest_charge")
	return g.client.CheckoutSessions.Get(id, params)
}

// ParseWebhook проверяет подпись Stripe-Signature и приводит событие
// Checkout к нормализованному уведомлению. ok=false для событий, не
// влияющих на статус платежа.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (models.WebhookNotification, bool, error) {
	const op = "stripegw.ParseWebhook"

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return models.WebhookNotification{}, false, apperr.Errorf(op, apperr.ErrForbidden, "signature verification failed: %v", err)
	}

	var status models.PaymentStatus
	switch event.Type {
	case "checkout.session.completed":
		// статус берется из самой сессии
	case "checkout.session.async_payment_succeeded":
		status = models.PaymentStatusApproved
	case "checkout.session.async_payment_failed":
		status = models.PaymentStatusRejected
	case "checkout.session.expired":
		status = models.PaymentStatusCancelled
	default:
		return models.WebhookNotification{}, false, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return models.WebhookNotification{}, false, apperr.Errorf(op, apperr.ErrInvalidArgument, "malformed checkout session: %v", err)
	}
	if status == "" {
		status = StatusFromSession(&session)
	}

	n := models.WebhookNotification{ProviderID: session.ID, Status: status}
	n.RefundedAmount = ReportFromSession(&session).RefundedAmount
	return n, true, nil
}

// StatusFromSession отображает состояние Checkout Session на статус платежа
func StatusFromSession(s *stripe.CheckoutSession) models.PaymentStatus {
	if s.Status == stripe.CheckoutSessionStatusExpired {
		return models.PaymentStatusCancelled
	}

	if pi := s.PaymentIntent; pi != nil {
		if charge := pi.LatestCharge; charge != nil && charge.AmountRefunded > 0 {
			if charge.Refunded {
				return models.PaymentStatusRefunded
			}
			return models.PaymentStatusPartiallyRefunded
		}
		switch pi.Status {
		case stripe.PaymentIntentStatusCanceled:
			return models.PaymentStatusCancelled
		case stripe.PaymentIntentStatusProcessing:
			return models.PaymentStatusProcessing
		}
	}

	switch s.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return models.PaymentStatusApproved
	}
	if s.Status == stripe.CheckoutSessionStatusComplete {
		// асинхронный способ оплаты: сессия завершена, деньги ещё в пути
		return models.PaymentStatusProcessing
	}
	return models.PaymentStatusPending
}

func upstream(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return apperr.Errorf(op, apperr.ErrNotFound, "%s", stripeErr.Msg)
	}
	return fmt.Errorf("%s: %v: %w", op, err, apperr.ErrUpstream)
}

// ReportFromSession статус Checkout Session вместе с суммой возврата
func ReportFromSession(s *stripe.CheckoutSession) models.PaymentReport {
	report := models.PaymentReport{Status: StatusFromSession(s)}
	if pi := s.PaymentIntent; pi != nil && pi.LatestCharge != nil && pi.LatestCharge.AmountRefunded > 0 {
		refunded := pi.LatestCharge.AmountRefunded
		report.RefundedAmount = &refunded
	}
	return report
}
