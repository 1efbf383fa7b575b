package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/storage/memory"

	"github.com/google/uuid"
)

var testNow = time.Date(2024, 9, 2, 7, 30, 0, 0, time.UTC)

func newTracking(t *testing.T, limiter FixLimiter) (*TrackingService, *memory.Store, *recordingEvents, *recordingRealtime) {
	t.Helper()
	store := memory.New()
	events := &recordingEvents{}
	rt := &recordingRealtime{}
	svc := NewTrackingService(store, location.NewMemoryCache(location.DefaultTTL), limiter, events, rt, logger.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, store, events, rt
}

func startedSession(t *testing.T, store *memory.Store, driverID uuid.UUID) *models.RouteSession {
	t.Helper()
	ctx := context.Background()
	session := &models.RouteSession{
		ID:          uuid.New(),
		RouteID:     uuid.New(),
		DriverID:    driverID,
		Status:      models.SessionStatusScheduled,
		ServiceDate: models.ServiceDay(testNow),
		CreatedAt:   testNow,
		Stops: []models.RouteStop{
			{ID: uuid.New(), Order: 1, Lat: 43.2000, Lon: 76.9000, GeofenceRadiusMeters: 50, Kind: models.StopKindPickup, Status: models.StopStatusPending},
			{ID: uuid.New(), Order: 2, Lat: 43.2100, Lon: 76.9100, GeofenceRadiusMeters: 50, Kind: models.StopKindPickup, Status: models.StopStatusPending},
		},
	}
	for i := range session.Stops {
		session.Stops[i].SessionID = session.ID
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.StartSession(ctx, session.ID, testNow); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return session
}

func fixAt(driverID uuid.UUID, lat, lon float64, at time.Time) models.PositionFix {
	return models.PositionFix{DriverID: driverID, Lat: lat, Lon: lon, RecordedAt: &at}
}

func TestIngestAttachesActiveSession(t *testing.T) {
	svc, store, events, rt := newTracking(t, nil)
	driver := uuid.New()
	session := startedSession(t, store, driver)

	res, err := svc.Ingest(context.Background(), fixAt(driver, 43.21, 76.91, testNow))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Applied || res.SessionID == nil || *res.SessionID != session.ID {
		t.Fatalf("unexpected result %+v", res)
	}

	got, _ := store.GetSession(context.Background(), session.ID)
	if p, ok := got.CurrentPoint(); !ok || p.Lat != 43.21 {
		t.Fatalf("session position not updated: %+v", p)
	}
	if len(events.locations) != 1 || events.locations[0].SessionID == nil {
		t.Fatalf("expected one location event with session, got %+v", events.locations)
	}
	if len(rt.topics) != 1 || rt.topics[0] != BusTopic(driver) {
		t.Fatalf("realtime topics = %v", rt.topics)
	}

	entry, err := svc.LastKnown(context.Background(), driver)
	if err != nil || entry.Lat != 43.21 {
		t.Fatalf("last known = %+v err=%v", entry, err)
	}
}

func TestIngestStaleFixIsLoggedOnly(t *testing.T) {
	svc, store, events, _ := newTracking(t, nil)
	driver := uuid.New()
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, fixAt(driver, 43.21, 76.91, testNow)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := svc.Ingest(ctx, fixAt(driver, 43.10, 76.80, testNow.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("stale ingest: %v", err)
	}
	if res.Applied {
		t.Fatal("older fix must not replace cached position")
	}
	if len(events.locations) != 1 {
		t.Fatalf("stale fix must not be published, got %d events", len(events.locations))
	}

	logged, _ := store.RecentPositions(ctx, driver, 0)
	if len(logged) != 2 {
		t.Fatalf("position log has %d entries, want 2", len(logged))
	}
}

func TestIngestBatchSortsByRecordedAt(t *testing.T) {
	svc, _, events, _ := newTracking(t, nil)
	driver := uuid.New()

	fixes := []models.PositionFix{
		fixAt(uuid.Nil, 3, 3, testNow.Add(3*time.Second)),
		fixAt(uuid.Nil, 1, 1, testNow.Add(1*time.Second)),
		fixAt(uuid.Nil, 2, 2, testNow.Add(2*time.Second)),
	}
	res, err := svc.IngestBatch(context.Background(), driver, fixes)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Accepted != 3 || res.Applied != 3 {
		t.Fatalf("accepted=%d applied=%d", res.Accepted, res.Applied)
	}
	for i, ev := range events.locations {
		if ev.Lat != float64(i+1) {
			t.Fatalf("event %d lat=%f, batch not applied in time order", i, ev.Lat)
		}
	}
}

func TestIngestBatchRejectsForeignDriver(t *testing.T) {
	svc, _, _, _ := newTracking(t, nil)
	fixes := []models.PositionFix{fixAt(uuid.New(), 1, 1, testNow)}

	_, err := svc.IngestBatch(context.Background(), uuid.New(), fixes)
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _, events, _ := newTracking(t, nil)

	_, err := svc.Ingest(context.Background(), fixAt(uuid.New(), 91, 0, testNow))
	if !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if len(events.locations) != 0 {
		t.Fatal("invalid fix must not be published")
	}
}

func TestIngestRateLimited(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	svc, store, _, _ := newTracking(t, limiter)
	driver := uuid.New()

	_, err := svc.Ingest(context.Background(), fixAt(driver, 1, 1, testNow))
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Result.RetryAfter != 30 {
		t.Fatalf("expected RateLimitError with retry after, got %#v", err)
	}
	logged, _ := store.RecentPositions(context.Background(), driver, 0)
	if len(logged) != 0 {
		t.Fatal("rejected fix must not be logged")
	}
}

func TestIngestPublishFailureDoesNotFail(t *testing.T) {
	svc, _, events, _ := newTracking(t, &fakeLimiter{allowed: true})
	events.err = errors.New("broker down")

	res, err := svc.Ingest(context.Background(), fixAt(uuid.New(), 1, 1, testNow))
	if err != nil || !res.Applied {
		t.Fatalf("ingest must succeed when publishing fails: res=%+v err=%v", res, err)
	}
}
