package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return New(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		SuccessURL:    "http://localhost/success",
		CancelURL:     "http://localhost/cancel",
		Backends:      &stripe.Backends{API: backend, Connect: backend, Uploads: backend},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCreatePreference(t *testing.T) {
	paymentID := uuid.New()
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("client_reference_id"); got != paymentID.String() {
			t.Errorf("client_reference_id = %q", got)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "4500" {
			t.Errorf("unit_amount = %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":     "cs_test_1",
			"object": "checkout.session",
			"url":    "https://checkout.stripe.com/c/pay/cs_test_1",
		})
	})

	pref, err := g.CreatePreference(context.Background(), &models.Payment{ID: paymentID, Amount: 4500, Currency: "USD"})
	if err != nil {
		t.Fatalf("create preference: %v", err)
	}
	if pref.ProviderID != "cs_test_1" || pref.CheckoutURL == "" {
		t.Fatalf("preference = %+v", pref)
	}
}

func TestFetchStatus(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions/cs_paid" {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": map[string]string{"type": "invalid_request_error", "message": "No such checkout.session"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":             "cs_paid",
			"object":         "checkout.session",
			"status":         "complete",
			"payment_status": "paid",
		})
	})

	report, err := g.FetchStatus(context.Background(), "cs_paid")
	if err != nil || report.Status != models.PaymentStatusApproved || report.RefundedAmount != nil {
		t.Fatalf("report = %+v err=%v", report, err)
	}

	if _, err := g.FetchStatus(context.Background(), "cs_missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkout/sessions/cs_paid":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id":             "cs_paid",
				"object":         "checkout.session",
				"payment_status": "paid",
				"payment_intent": map[string]interface{}{"id": "pi_1", "object": "payment_intent", "status": "succeeded"},
			})
		case "/v1/refunds":
			r.ParseForm()
			if r.PostForm.Get("payment_intent") != "pi_1" || r.PostForm.Get("amount") != "1000" {
				t.Errorf("refund form = %v", r.PostForm)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"id": "re_1", "object": "refund", "status": "succeeded", "amount": 1000,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	amount := int64(1000)
	res, err := g.Refund(context.Background(), "cs_paid", &amount)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.ID != "re_1" || res.Amount != 1000 {
		t.Fatalf("refund result = %+v", res)
	}
}

func TestUpstreamFailure(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{"type": "api_error", "message": "boom"},
		})
	})

	if _, err := g.FetchStatus(context.Background(), "cs_any"); !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestStatusFromSession(t *testing.T) {
	tests := []struct {
		name    string
		session stripe.CheckoutSession
		want    models.PaymentStatus
	}{
		{"open", stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusOpen, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, models.PaymentStatusPending},
		{"expired", stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusExpired}, models.PaymentStatusCancelled},
		{"async pending", stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, models.PaymentStatusProcessing},
		{"paid", stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid}, models.PaymentStatusApproved},
		{"partially refunded", stripe.CheckoutSession{
			PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
			PaymentIntent: &stripe.PaymentIntent{LatestCharge: &stripe.Charge{Amount: 1000, AmountRefunded: 300}},
		}, models.PaymentStatusPartiallyRefunded},
		{"refunded", stripe.CheckoutSession{
			PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
			PaymentIntent: &stripe.PaymentIntent{LatestCharge: &stripe.Charge{Amount: 1000, AmountRefunded: 1000, Refunded: true}},
		}, models.PaymentStatusRefunded},
		{"intent cancelled", stripe.CheckoutSession{
			PaymentIntent: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled},
		}, models.PaymentStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFromSession(&tt.session); got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReportFromSessionCarriesRefundedAmount(t *testing.T) {
	session := stripe.CheckoutSession{
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		PaymentIntent: &stripe.PaymentIntent{LatestCharge: &stripe.Charge{Amount: 1000, AmountRefunded: 300}},
	}
	report := ReportFromSession(&session)
	if report.Status != models.PaymentStatusPartiallyRefunded || report.RefundedAmount == nil || *report.RefundedAmount != 300 {
		t.Fatalf("report = %+v", report)
	}

	paid := stripe.CheckoutSession{PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid}
	if report := ReportFromSession(&paid); report.RefundedAmount != nil {
		t.Fatalf("paid session reported a refund: %+v", report)
	}
}

func TestParseWebhook(t *testing.T) {
	g := New(Config{WebhookSecret: "whsec_test"})

	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_paid", "object": "checkout.session", "status": "complete", "payment_status": "paid"}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	n, ok, err := g.ParseWebhook(signed.Payload, signed.Header)
	if err != nil || !ok {
		t.Fatalf("parse webhook ok=%v err=%v", ok, err)
	}
	if n.ProviderID != "cs_paid" || n.Status != models.PaymentStatusApproved {
		t.Fatalf("notification = %+v", n)
	}

	if _, _, err := g.ParseWebhook(payload, "t=1,v1=bad"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for bad signature, got %v", err)
	}

	ignored := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{}}}`)
	signed = webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: ignored, Secret: "whsec_test", Timestamp: time.Now()})
	if _, ok, err := g.ParseWebhook(signed.Payload, signed.Header); err != nil || ok {
		t.Fatalf("unrelated event ok=%v err=%v", ok, err)
	}
}
