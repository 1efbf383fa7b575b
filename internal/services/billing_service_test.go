package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/payments"
	"schoolbus-tracking/internal/storage/memory"

	"github.com/google/uuid"
)

const testSecret = "whsec_test"

func newBilling(t *testing.T, gw PaymentGateway) (*BillingService, *memory.Store, *recordingEvents) {
	t.Helper()
	store := memory.New()
	ledger := payments.NewLedger(store, time.Hour, logger.NewNop()).
		WithClock(func() time.Time { return testNow })
	events := &recordingEvents{}
	svc := NewBillingService(ledger, store, gw, nil, events, testSecret, logger.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, store, events
}

func paymentRequest() *models.CreatePaymentRequest {
	return &models.CreatePaymentRequest{
		Amount:      10000,
		Currency:    "usd",
		PayerID:     uuid.New(),
		Description: "October transport",
	}
}

func TestCreatePaymentCreatesPreferenceOnce(t *testing.T) {
	gw := &fakeGateway{}
	svc, _, _ := newBilling(t, gw)
	ctx := context.Background()
	req := paymentRequest()

	first, replayed, err := svc.CreatePayment(ctx, "key-1", req)
	if err != nil || replayed {
		t.Fatalf("first create replayed=%v err=%v", replayed, err)
	}
	if first.CheckoutURL == nil || first.ProviderID == nil {
		t.Fatalf("checkout not attached: %+v", first)
	}

	again, replayed, err := svc.CreatePayment(ctx, "key-1", req)
	if err != nil || !replayed {
		t.Fatalf("replay replayed=%v err=%v", replayed, err)
	}
	if again.ID != first.ID || again.CheckoutURL == nil || *again.CheckoutURL != *first.CheckoutURL {
		t.Fatalf("replay returned %+v", again)
	}
	if gw.preferences != 1 {
		t.Fatalf("gateway called %d times, want 1", gw.preferences)
	}
}

func TestCreatePaymentRetriesFailedPreference(t *testing.T) {
	gw := &fakeGateway{prefErr: fmt.Errorf("timeout: %w", apperr.ErrUpstream)}
	svc, _, _ := newBilling(t, gw)
	ctx := context.Background()
	req := paymentRequest()

	p, _, err := svc.CreatePayment(ctx, "key-2", req)
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if p == nil || p.ProviderID != nil {
		t.Fatalf("payment should exist without provider: %+v", p)
	}

	gw.prefErr = nil
	retried, replayed, err := svc.CreatePayment(ctx, "key-2", req)
	if err != nil || !replayed || retried.ID != p.ID {
		t.Fatalf("retry replayed=%v err=%v payment=%+v", replayed, err, retried)
	}
	if retried.ProviderID == nil || gw.preferences != 2 {
		t.Fatalf("preference not created on retry: calls=%d", gw.preferences)
	}
}

func TestCreatePaymentWithoutGateway(t *testing.T) {
	svc, _, _ := newBilling(t, nil)
	p, _, err := svc.CreatePayment(context.Background(), "key-3", paymentRequest())
	if err != nil || p.ProviderID != nil {
		t.Fatalf("create: %+v err=%v", p, err)
	}
}

func TestReceiveWebhookSignature(t *testing.T) {
	svc, _, events := newBilling(t, nil)
	ctx := context.Background()
	id := uuid.New()
	body := []byte(fmt.Sprintf(`{"payment_id":%q,"status":"approved"}`, id))

	if err := svc.ReceiveWebhook(ctx, body, "deadbeef"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("bad signature: expected forbidden, got %v", err)
	}
	if len(events.webhooks) != 0 {
		t.Fatal("unsigned webhook must not be enqueued")
	}

	if err := svc.ReceiveWebhook(ctx, body, Sign([]byte(testSecret), body)); err != nil {
		t.Fatalf("signed webhook: %v", err)
	}
	if len(events.webhooks) != 1 || *events.webhooks[0].Notification.PaymentID != id {
		t.Fatalf("webhooks = %+v", events.webhooks)
	}

	bad := []byte(`{"provider_id":"x","status":"teleported"}`)
	if err := svc.ReceiveWebhook(ctx, bad, Sign([]byte(testSecret), bad)); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("unknown status: expected invalid argument, got %v", err)
	}
}

func TestReceiveWebhookWithoutSecret(t *testing.T) {
	svc, _, _ := newBilling(t, nil)
	svc.webhookSecret = nil
	body := []byte(`{}`)
	if err := svc.ReceiveWebhook(context.Background(), body, Sign(nil, body)); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.ReceiveStripeWebhook(context.Background(), body, "sig"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("stripe without verifier: expected not found, got %v", err)
	}
}

func TestProcessWebhookConfirmsWithGateway(t *testing.T) {
	gw := &fakeGateway{status: models.PaymentStatusApproved}
	svc, store, _ := newBilling(t, gw)
	ctx := context.Background()

	p, _, err := svc.CreatePayment(ctx, "key-4", paymentRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// тело вебхука отстает от провайдера
	ev := models.WebhookReceivedEvent{
		Notification: models.WebhookNotification{ProviderID: *p.ProviderID, Status: models.PaymentStatusProcessing},
		RawPayload:   json.RawMessage(`{"status":"processing"}`),
		ReceivedAt:   testNow,
	}
	if err := svc.ProcessWebhook(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := store.GetPayment(ctx, p.ID)
	if got.Status != models.PaymentStatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	// повторная доставка ничего не меняет
	if err := svc.ProcessWebhook(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	history, _ := svc.History(ctx, p.ID)
	if len(history) != 3 || history[2].Applied {
		t.Fatalf("history = %+v", history)
	}
}

func TestProcessWebhookGatewayFailurePropagates(t *testing.T) {
	gw := &fakeGateway{statusErr: fmt.Errorf("503: %w", apperr.ErrUpstream)}
	svc, _, _ := newBilling(t, gw)
	ctx := context.Background()
	p, _, _ := svc.CreatePayment(ctx, "key-5", paymentRequest())

	ev := models.WebhookReceivedEvent{Notification: models.WebhookNotification{PaymentID: &p.ID, Status: models.PaymentStatusApproved}}
	if err := svc.ProcessWebhook(ctx, ev); !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure for redelivery, got %v", err)
	}
}

func TestProcessWebhookUnknownPayment(t *testing.T) {
	svc, _, _ := newBilling(t, nil)
	id := uuid.New()
	ev := models.WebhookReceivedEvent{Notification: models.WebhookNotification{PaymentID: &id, Status: models.PaymentStatusApproved}}
	if err := svc.ProcessWebhook(context.Background(), ev); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func approvedPayment(t *testing.T, svc *BillingService, key string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	p, _, err := svc.CreatePayment(ctx, key, paymentRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := models.WebhookReceivedEvent{Notification: models.WebhookNotification{PaymentID: &p.ID, Status: models.PaymentStatusApproved}}
	if err := svc.ProcessWebhook(ctx, ev); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return p
}

func TestRefundCallsGatewayThenLedger(t *testing.T) {
	gw := &fakeGateway{status: models.PaymentStatusApproved}
	svc, _, _ := newBilling(t, gw)
	ctx := context.Background()
	p := approvedPayment(t, svc, "key-6")

	partial := int64(4000)
	updated, err := svc.Refund(ctx, p.ID, &partial)
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if updated.Status != models.PaymentStatusPartiallyRefunded || updated.RefundedAmount != 4000 {
		t.Fatalf("after partial: %+v", updated)
	}

	over := int64(7000)
	if _, err := svc.Refund(ctx, p.ID, &over); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("over-refund: expected invalid argument, got %v", err)
	}

	rest, err := svc.Refund(ctx, p.ID, nil)
	if err != nil || rest.Status != models.PaymentStatusRefunded {
		t.Fatalf("full refund: %+v err=%v", rest, err)
	}
	if len(gw.refunds) != 2 || gw.refunds[0] != 4000 || gw.refunds[1] != 6000 {
		t.Fatalf("gateway refunds = %v", gw.refunds)
	}
}

func TestRefundAfterProviderWebhookIsNotCountedTwice(t *testing.T) {
	tests := []struct {
		name     string
		amount   *int64
		report   models.PaymentStatus
		refunded int64
		want     models.PaymentStatus
	}{
		{"full refund", nil, models.PaymentStatusRefunded, 10000, models.PaymentStatusRefunded},
		{"partial refund", int64Ptr(4000), models.PaymentStatusPartiallyRefunded, 4000, models.PaymentStatusPartiallyRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{status: models.PaymentStatusApproved}
			svc, store, _ := newBilling(t, gw)
			ctx := context.Background()
			p := approvedPayment(t, svc, "key-race-"+tt.name)

			// провайдер присылает вебхук о возврате раньше, чем реестр его запишет
			gw.status, gw.refunded = tt.report, int64Ptr(tt.refunded)
			gw.onRefund = func() {
				ev := models.WebhookReceivedEvent{Notification: models.WebhookNotification{PaymentID: &p.ID, Status: tt.report}}
				if err := svc.ProcessWebhook(ctx, ev); err != nil {
					t.Errorf("webhook: %v", err)
				}
			}

			updated, err := svc.Refund(ctx, p.ID, tt.amount)
			if err != nil {
				t.Fatalf("refund: %v", err)
			}
			if updated.Status != tt.want || updated.RefundedAmount != tt.refunded {
				t.Fatalf("after refund: %+v", updated)
			}
			got, _ := store.GetPayment(ctx, p.ID)
			if got.RefundedAmount != tt.refunded {
				t.Fatalf("stored refunded = %d, want %d", got.RefundedAmount, tt.refunded)
			}
		})
	}
}

func TestRefundGatewayFailureLeavesLedger(t *testing.T) {
	gw := &fakeGateway{status: models.PaymentStatusApproved}
	svc, store, _ := newBilling(t, gw)
	ctx := context.Background()
	p := approvedPayment(t, svc, "key-7")

	gw.refundErr = fmt.Errorf("card_declined: %w", apperr.ErrUpstream)
	if _, err := svc.Refund(ctx, p.ID, nil); !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	got, _ := store.GetPayment(ctx, p.ID)
	if got.Status != models.PaymentStatusApproved || got.RefundedAmount != 0 {
		t.Fatalf("ledger changed after failed refund: %+v", got)
	}
}

func TestRefundPendingPayment(t *testing.T) {
	svc, _, _ := newBilling(t, nil)
	p, _, _ := svc.CreatePayment(context.Background(), "key-8", paymentRequest())
	if _, err := svc.Refund(context.Background(), p.ID, nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
