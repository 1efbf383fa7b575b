package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/payments"
	"schoolbus-tracking/internal/storage/memory"

	"github.com/google/uuid"
)

func newLedger(t *testing.T) (*payments.Ledger, *memory.Store, *time.Time) {
	t.Helper()
	store := memory.New()
	now := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	ledger := payments.NewLedger(store, time.Hour, logger.NewNop()).
		WithClock(func() time.Time { return now })
	return ledger, store, &now
}

func createRequest(key string) payments.CreateRequest {
	return payments.CreateRequest{
		IdempotencyKey: key,
		Amount:         10000,
		Currency:       "usd",
		PayerID:        uuid.New(),
		Description:    "September transport",
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestCreatePaymentIdempotent(t *testing.T) {
	ledger, _, now := newLedger(t)
	ctx := context.Background()
	req := createRequest("key-1")

	first, replayed, err := ledger.CreatePayment(ctx, req)
	if err != nil || replayed {
		t.Fatalf("first create replayed=%v err=%v", replayed, err)
	}
	if first.Status != models.PaymentStatusPending || first.Currency != "USD" {
		t.Fatalf("unexpected payment %+v", first)
	}

	again, replayed, err := ledger.CreatePayment(ctx, req)
	if err != nil || !replayed || again.ID != first.ID {
		t.Fatalf("replay id=%s replayed=%v err=%v", again.ID, replayed, err)
	}

	*now = now.Add(2 * time.Hour)
	fresh, replayed, err := ledger.CreatePayment(ctx, req)
	if err != nil || replayed || fresh.ID == first.ID {
		t.Fatalf("after expiry id=%s replayed=%v err=%v", fresh.ID, replayed, err)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	ledger, _, _ := newLedger(t)

	cases := map[string]func(*payments.CreateRequest){
		"empty key":     func(r *payments.CreateRequest) { r.IdempotencyKey = " " },
		"zero amount":   func(r *payments.CreateRequest) { r.Amount = 0 },
		"bad currency":  func(r *payments.CreateRequest) { r.Currency = "dollars" },
		"missing payer": func(r *payments.CreateRequest) { r.PayerID = uuid.Nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createRequest("key-" + name)
			mutate(&req)
			if _, _, err := ledger.CreatePayment(context.Background(), req); !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestApplyWebhookUpdateIsMonotonic(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	p, _, _ := ledger.CreatePayment(ctx, createRequest("key-webhook"))
	raw := json.RawMessage(`{"type":"checkout.session.completed"}`)

	p, err := ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, raw)
	if err != nil || p.Status != models.PaymentStatusApproved {
		t.Fatalf("approve: status=%s err=%v", p.Status, err)
	}

	// повтор и устаревший статус не меняют платеж
	p, err = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, raw)
	if err != nil || p.Status != models.PaymentStatusApproved {
		t.Fatalf("duplicate: status=%s err=%v", p.Status, err)
	}
	p, err = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusProcessing}, raw)
	if err != nil || p.Status != models.PaymentStatusApproved {
		t.Fatalf("stale: status=%s err=%v", p.Status, err)
	}

	history, err := ledger.History(ctx, p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected create + 3 webhook entries, got %d", len(history))
	}
	applied := 0
	for _, txn := range history[1:] {
		if txn.Kind != models.TransactionKindWebhook {
			t.Fatalf("unexpected kind %s", txn.Kind)
		}
		if txn.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied webhook, got %d", applied)
	}
}

func TestApplyWebhookRefundedSetsFullRefund(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	p, _, _ := ledger.CreatePayment(ctx, createRequest("key-full"))
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, nil)

	p, err := ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusRefunded}, nil)
	if err != nil {
		t.Fatalf("refunded webhook: %v", err)
	}
	if p.RefundedAmount != p.Amount {
		t.Fatalf("refunded = %d, want %d", p.RefundedAmount, p.Amount)
	}
}

func TestApplyWebhookPartialRefundTracksAmount(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	p, _, _ := ledger.CreatePayment(ctx, createRequest("key-partial"))
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, nil)

	// без суммы частичный возврат не применяется
	p, err := ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusPartiallyRefunded}, nil)
	if err != nil || p.Status != models.PaymentStatusApproved || p.RefundedAmount != 0 {
		t.Fatalf("amount-less partial refund: %+v err=%v", p, err)
	}

	partial := models.PaymentReport{Status: models.PaymentStatusPartiallyRefunded, RefundedAmount: int64Ptr(4000)}
	p, err = ledger.ApplyWebhookUpdate(ctx, p, partial, nil)
	if err != nil || p.Status != models.PaymentStatusPartiallyRefunded || p.RefundedAmount != 4000 {
		t.Fatalf("partial refund: %+v err=%v", p, err)
	}

	// повтор и меньшая сумма ничего не меняют, большая догоняет
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, partial, nil)
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusPartiallyRefunded, RefundedAmount: int64Ptr(1000)}, nil)
	if p.RefundedAmount != 4000 {
		t.Fatalf("refunded amount moved backwards: %d", p.RefundedAmount)
	}
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusPartiallyRefunded, RefundedAmount: int64Ptr(6000)}, nil)
	if p.RefundedAmount != 6000 {
		t.Fatalf("refunded = %d, want 6000", p.RefundedAmount)
	}

	p, err = ledger.Refund(ctx, p, nil)
	if err != nil || p.Status != models.PaymentStatusRefunded || p.RefundedAmount != p.Amount {
		t.Fatalf("remaining refund: %+v err=%v", p, err)
	}
	history, _ := ledger.History(ctx, p.ID)
	if last := history[len(history)-1]; last.Kind != models.TransactionKindRefund || last.Amount != 4000 {
		t.Fatalf("last transaction = %+v, want refund of 4000", last)
	}
}

func TestApplyWebhookUpdateReloadsStaleSnapshot(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	stale, _, _ := ledger.CreatePayment(ctx, createRequest("key-stale"))

	if _, err := ledger.ApplyWebhookUpdate(ctx, stale, models.PaymentReport{Status: models.PaymentStatusProcessing}, nil); err != nil {
		t.Fatalf("processing: %v", err)
	}
	// снимок всё ещё pending, хранилище уже processing
	p, err := ledger.ApplyWebhookUpdate(ctx, stale, models.PaymentReport{Status: models.PaymentStatusApproved}, nil)
	if err != nil || p.Status != models.PaymentStatusApproved {
		t.Fatalf("approve from stale snapshot: status=%v err=%v", p, err)
	}
}

func TestRefund(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	p, _, _ := ledger.CreatePayment(ctx, createRequest("key-refund"))

	if _, err := ledger.Refund(ctx, p, nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("refund of pending payment: %v", err)
	}
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, nil)

	if _, err := ledger.Refund(ctx, p, int64Ptr(20000)); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("over-refund: %v", err)
	}

	p, err := ledger.Refund(ctx, p, int64Ptr(2500))
	if err != nil || p.Status != models.PaymentStatusPartiallyRefunded || p.RefundedAmount != 2500 {
		t.Fatalf("partial refund: %+v err=%v", p, err)
	}

	p, err = ledger.Refund(ctx, p, nil)
	if err != nil || p.Status != models.PaymentStatusRefunded || p.RefundedAmount != p.Amount {
		t.Fatalf("remaining refund: %+v err=%v", p, err)
	}

	if _, err := ledger.Refund(ctx, p, nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("refund of refunded payment: %v", err)
	}
}

func TestConcurrentRefundsNeverExceedAmount(t *testing.T) {
	ledger, store, _ := newLedger(t)
	ctx := context.Background()
	p, _, _ := ledger.CreatePayment(ctx, createRequest("key-race"))
	p, _ = ledger.ApplyWebhookUpdate(ctx, p, models.PaymentReport{Status: models.PaymentStatusApproved}, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Refund(ctx, p, int64Ptr(1000)); err == nil {
				mu.Lock()
				succeeded += 1000
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final, err := store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if final.RefundedAmount > final.Amount {
		t.Fatalf("refunded %d exceeds amount %d", final.RefundedAmount, final.Amount)
	}
	if final.RefundedAmount != succeeded {
		t.Fatalf("refunded %d, successful refunds sum to %d", final.RefundedAmount, succeeded)
	}
}

func TestCheckRefund(t *testing.T) {
	p := &models.Payment{ID: uuid.New(), Amount: 500, RefundedAmount: 200, Status: models.PaymentStatusPartiallyRefunded}

	got, err := payments.CheckRefund(p, nil)
	if err != nil || got != 300 {
		t.Fatalf("remaining = %d err=%v", got, err)
	}
	if _, err := payments.CheckRefund(p, int64Ptr(0)); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("zero refund: %v", err)
	}
	if _, err := payments.CheckRefund(p, int64Ptr(301)); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("excess refund: %v", err)
	}
}
