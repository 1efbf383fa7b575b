package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

var day = time.Date(2024, 9, 2, 7, 0, 0, 0, time.UTC)

func newSession(driverID uuid.UUID, stops int) *models.RouteSession {
	s := &models.RouteSession{
		ID:          uuid.New(),
		RouteID:     uuid.New(),
		DriverID:    driverID,
		Status:      models.SessionStatusScheduled,
		ServiceDate: models.ServiceDay(day),
		CreatedAt:   day,
	}
	for i := 0; i < stops; i++ {
		s.Stops = append(s.Stops, models.RouteStop{
			ID:                   uuid.New(),
			SessionID:            s.ID,
			Order:                i + 1,
			Lat:                  43.2 + float64(i)*0.01,
			Lon:                  76.9,
			GeofenceRadiusMeters: 50,
			Kind:                 models.StopKindPickup,
			Status:               models.StopStatusPending,
		})
	}
	return s
}

func TestStartSessionOnePerDriverPerDay(t *testing.T) {
	ctx := context.Background()
	store := New()
	driver := uuid.New()
	first := newSession(driver, 1)
	second := newSession(driver, 1)
	store.CreateSession(ctx, first)
	store.CreateSession(ctx, second)

	if err := store.StartSession(ctx, first.ID, day); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if err := store.StartSession(ctx, second.ID, day); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.StartSession(ctx, first.ID, day); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on restart, got %v", err)
	}

	active, err := store.FindActiveSessionByDriver(ctx, driver)
	if err != nil || active.ID != first.ID {
		t.Fatalf("active = %+v err=%v", active, err)
	}
}

func TestTransitionStopCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := New()
	session := newSession(uuid.New(), 1)
	store.CreateSession(ctx, session)
	stopID := session.Stops[0].ID

	ok, err := store.TransitionStop(ctx, stopID, models.StopStatusPending, models.StopStatusApproaching, day)
	if err != nil || !ok {
		t.Fatalf("first transition ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionStop(ctx, stopID, models.StopStatusPending, models.StopStatusApproaching, day)
	if err != nil || ok {
		t.Fatalf("stale transition ok=%v err=%v", ok, err)
	}
	if _, err := store.TransitionStop(ctx, stopID, models.StopStatusArrived, models.StopStatusApproaching, day); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("backward transition should be invalid, got %v", err)
	}
}

func TestReorderStopsKeepsOrderNumbers(t *testing.T) {
	ctx := context.Background()
	store := New()
	session := newSession(uuid.New(), 3)
	store.CreateSession(ctx, session)
	a, b, c := session.Stops[0].ID, session.Stops[1].ID, session.Stops[2].ID

	if err := store.ReorderStops(ctx, session.ID, []uuid.UUID{c, b}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	got, _ := store.GetSession(ctx, session.ID)
	want := []uuid.UUID{a, c, b}
	for i, id := range want {
		if got.Stops[i].ID != id {
			t.Fatalf("stop %d = %s, want %s", i, got.Stops[i].ID, id)
		}
	}

	if err := store.ReorderStops(ctx, session.ID, []uuid.UUID{uuid.New()}); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for foreign stop, got %v", err)
	}
}

func TestStopRecipients(t *testing.T) {
	ctx := context.Background()
	store := New()
	session := newSession(uuid.New(), 1)
	student := uuid.New()
	guardian := uuid.New()
	session.Stops[0].StudentIDs = []uuid.UUID{student}
	store.CreateSession(ctx, session)
	store.LinkGuardian(ctx, student, guardian)
	store.LinkGuardian(ctx, student, guardian)

	got, err := store.StopRecipients(ctx, session.Stops[0].ID)
	if err != nil || len(got) != 1 || got[0] != guardian.String() {
		t.Fatalf("recipients = %v err=%v", got, err)
	}
}

func TestAlertOneOpenPerDriver(t *testing.T) {
	ctx := context.Background()
	store := New()
	driver := uuid.New()
	first := &models.DistressAlert{ID: uuid.New(), DistressedDriverID: driver, Status: models.AlertStatusPending}

	if err := store.CreateAlert(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &models.DistressAlert{ID: uuid.New(), DistressedDriverID: driver, Status: models.AlertStatusPending}
	if err := store.CreateAlert(ctx, second); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	ok, _ := store.MarkAlertResolved(ctx, first.ID, driver, day)
	if !ok {
		t.Fatal("resolve should apply")
	}
	if ok, _ := store.MarkAlertResolved(ctx, first.ID, driver, day); ok {
		t.Fatal("second resolve must not apply")
	}
	if err := store.CreateAlert(ctx, second); err != nil {
		t.Fatalf("new alert after resolution: %v", err)
	}
}

func TestAddAlertNearbyConcurrentUnion(t *testing.T) {
	ctx := context.Background()
	store := New()
	alert := &models.DistressAlert{ID: uuid.New(), DistressedDriverID: uuid.New(), Status: models.AlertStatusPending}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create: %v", err)
	}

	drivers := make([]uuid.UUID, 10)
	var wg sync.WaitGroup
	for i := range drivers {
		drivers[i] = uuid.New()
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			store.AddAlertNearby(ctx, alert.ID, []uuid.UUID{id})
		}(drivers[i])
	}
	wg.Wait()

	merged, err := store.AddAlertNearby(ctx, alert.ID, drivers[:3])
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(merged) != len(drivers) {
		t.Fatalf("notified set = %d drivers, want %d", len(merged), len(drivers))
	}

	if first, _ := store.MarkAlertBroadcast(ctx, alert.ID, day); !first {
		t.Fatal("first broadcast mark should apply")
	}
	if again, _ := store.MarkAlertBroadcast(ctx, alert.ID, day); again {
		t.Fatal("broadcast marked twice")
	}
	if _, err := store.AddAlertNearby(ctx, uuid.New(), drivers); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreatePaymentIdempotentConcurrent(t *testing.T) {
	ctx := context.Background()
	store := New()
	key := "sub-2024-09"

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	replays := make([]bool, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &models.Payment{ID: uuid.New(), IdempotencyKey: key, Amount: 5000, Currency: "KZT", Status: models.PaymentStatusPending}
			got, replayed, err := store.CreatePaymentIdempotent(ctx, p, day.Add(24*time.Hour), day)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = got.ID
			replays[i] = replayed
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range ids {
		if ids[i] != ids[0] {
			t.Fatalf("callers saw different payments: %s vs %s", ids[i], ids[0])
		}
		if !replays[i] {
			created++
		}
	}
	if created != 1 || len(store.payments) != 1 {
		t.Fatalf("created=%d stored=%d, want 1", created, len(store.payments))
	}
}

func TestCreatePaymentIdempotentAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := New()
	p1 := &models.Payment{ID: uuid.New(), IdempotencyKey: "k", Amount: 100, Currency: "USD", Status: models.PaymentStatusPending}
	p2 := &models.Payment{ID: uuid.New(), IdempotencyKey: "k", Amount: 100, Currency: "USD", Status: models.PaymentStatusPending}

	store.CreatePaymentIdempotent(ctx, p1, day.Add(time.Hour), day)
	got, replayed, err := store.CreatePaymentIdempotent(ctx, p2, day.Add(26*time.Hour), day.Add(2*time.Hour))
	if err != nil || replayed || got.ID != p2.ID {
		t.Fatalf("expired key should create a new payment: got=%v replayed=%v err=%v", got, replayed, err)
	}
}

func TestUpdatePaymentStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := New()
	p := &models.Payment{ID: uuid.New(), IdempotencyKey: "k", Amount: 100, Currency: "USD", Status: models.PaymentStatusPending}
	store.CreatePaymentIdempotent(ctx, p, day.Add(time.Hour), day)

	upd := models.PaymentUpdate{
		PaymentID:  p.ID,
		FromStatus: models.PaymentStatusPending,
		ToStatus:   models.PaymentStatusApproved,
		At:         day,
	}
	if ok, err := store.UpdatePaymentStatus(ctx, upd); err != nil || !ok {
		t.Fatalf("first update ok=%v err=%v", ok, err)
	}
	if ok, _ := store.UpdatePaymentStatus(ctx, upd); ok {
		t.Fatal("stale update must not apply")
	}

	txns, _ := store.ListPaymentTransactions(ctx, p.ID)
	if len(txns) != 2 {
		t.Fatalf("expected create + update transactions, got %d", len(txns))
	}
}
