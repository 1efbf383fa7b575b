package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/distress"
	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/location"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/notify"
	"schoolbus-tracking/internal/payments"
	"schoolbus-tracking/internal/realtime"
	"schoolbus-tracking/internal/routing"
	"schoolbus-tracking/internal/services"
	"schoolbus-tracking/internal/storage/memory"

	"github.com/google/uuid"
)

const webhookSecret = "whsec_handlers"

type nopEvents struct{}

func (nopEvents) PublishLocationUpdated(context.Context, models.LocationUpdatedEvent) error {
	return nil
}
func (nopEvents) PublishDistressTriggered(context.Context, models.DistressTriggeredEvent) error {
	return nil
}
func (nopEvents) PublishWebhookReceived(context.Context, models.WebhookReceivedEvent) error {
	return nil
}
func (nopEvents) PublishStudentReady(context.Context, models.StudentReadyForPickupEvent) error {
	return nil
}
func (nopEvents) PublishStopStatusChanged(context.Context, models.StopStatusChangedEvent) error {
	return nil
}

type denyLimiter struct{}

func (denyLimiter) CheckLimit(context.Context, uuid.UUID) (*services.RateLimitResult, error) {
	return &services.RateLimitResult{Allowed: false, Limit: 5, RetryAfter: 12}, nil
}

type testAPI struct {
	store   *memory.Store
	handler http.Handler
}

func newAPI(t *testing.T, limiter services.FixLimiter) *testAPI {
	t.Helper()
	log := logger.NewNop()
	store := memory.New()
	cache := location.NewMemoryCache(location.DefaultTTL)
	hub := realtime.NewHub(log)
	notifier := notify.NewLogNotifier(log)
	events := nopEvents{}

	tracking := services.NewTrackingService(store, cache, limiter, events, hub, log)
	sessions := services.NewSessionService(store, events, notifier, hub, log)
	routes := services.NewRouteService(store, routing.NewOptimizer(30, 100), hub, log)
	ledger := payments.NewLedger(store, time.Hour, log)
	billing := services.NewBillingService(ledger, store, nil, nil, events, webhookSecret, log)
	coordinator := distress.NewCoordinator(store, store, cache, notifier, hub, events, "school-admin", 5, log)

	router := Router{
		Health:   NewHealthHandler(store),
		Tracking: NewTrackingHandler(tracking, log),
		Sessions: NewSessionHandler(sessions, log),
		Routes:   NewRouteHandler(routes, log),
		Alerts:   NewAlertHandler(coordinator, log),
		Payments: NewPaymentHandler(billing, log),
		Realtime: hub.ServeWS,
	}
	return &testAPI{store: store, handler: router.Handler(log)}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func sessionBody(driverID uuid.UUID) map[string]interface{} {
	return map[string]interface{}{
		"route_id":  uuid.New(),
		"driver_id": driverID,
		"stops": []map[string]interface{}{
			{"name": "Oak st", "lat": 43.20, "lon": 76.90, "geofence_radius_meters": 50},
			{"name": "School", "lat": 43.25, "lon": 76.95, "geofence_radius_meters": 100, "kind": "dropoff"},
		},
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Errorf("op", apperr.ErrNotFound, "x"), http.StatusNotFound},
		{apperr.Errorf("op", apperr.ErrConflict, "x"), http.StatusConflict},
		{apperr.Errorf("op", apperr.ErrInvalidState, "x"), http.StatusUnprocessableEntity},
		{apperr.Errorf("op", apperr.ErrForbidden, "x"), http.StatusForbidden},
		{apperr.Errorf("op", apperr.ErrInvalidArgument, "x"), http.StatusBadRequest},
		{apperr.Errorf("op", apperr.ErrUpstream, "x"), http.StatusBadGateway},
		{apperr.Errorf("op", apperr.ErrRateLimited, "x"), http.StatusTooManyRequests},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFromError(tt.err); got != tt.want {
			t.Errorf("statusFromError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPostPosition(t *testing.T) {
	api := newAPI(t, nil)
	driver := uuid.New()

	rec := api.do(t, http.MethodPost, "/api/v1/positions", map[string]interface{}{
		"driver_id": driver, "lat": 43.2, "lon": 76.9,
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var res services.IngestResult
	decode(t, rec, &res)
	if !res.Applied || res.Position.DriverID != driver {
		t.Fatalf("unexpected result %+v", res)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/drivers/"+driver.String()+"/position", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/v1/drivers/"+uuid.NewString()+"/position", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown driver, got %d", rec.Code)
	}
}

func TestPostPositionValidation(t *testing.T) {
	api := newAPI(t, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"latitude out of range", map[string]interface{}{"driver_id": uuid.New(), "lat": 91.0, "lon": 0.0}},
		{"longitude out of range", map[string]interface{}{"driver_id": uuid.New(), "lat": 0.0, "lon": -181.0}},
		{"missing driver", map[string]interface{}{"lat": 1.0, "lon": 1.0}},
		{"malformed json", []byte(`{"lat":`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/v1/positions", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPostPositionRateLimited(t *testing.T) {
	api := newAPI(t, denyLimiter{})

	rec := api.do(t, http.MethodPost, "/api/v1/positions", map[string]interface{}{
		"driver_id": uuid.New(), "lat": 1.0, "lon": 1.0,
	}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "12" || rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Fatalf("rate limit headers missing: %v", rec.Header())
	}
}

func TestPostBatchSortsFixes(t *testing.T) {
	api := newAPI(t, nil)
	driver := uuid.New()
	now := time.Now().UTC()

	rec := api.do(t, http.MethodPost, "/api/v1/positions/batch", map[string]interface{}{
		"fixes": []map[string]interface{}{
			{"driver_id": driver, "lat": 1.2, "lon": 1.2, "recorded_at": now},
			{"driver_id": driver, "lat": 1.1, "lon": 1.1, "recorded_at": now.Add(-time.Minute)},
		},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var res services.BatchResult
	decode(t, rec, &res)
	if res.Accepted != 2 || res.Applied != 2 {
		t.Fatalf("unexpected batch result %+v", res)
	}
	if res.Results[0].Position.Lat != 1.1 {
		t.Fatalf("batch must be applied oldest first: %+v", res.Results)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	api := newAPI(t, nil)
	driver := uuid.New()

	rec := api.do(t, http.MethodPost, "/api/v1/sessions", sessionBody(driver), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var session models.RouteSession
	decode(t, rec, &session)

	base := "/api/v1/sessions/" + session.ID.String()
	if rec = api.do(t, http.MethodPost, base+"/start", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if rec = api.do(t, http.MethodPost, base+"/start", nil, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("restart must be 422, got %d", rec.Code)
	}

	other := api.do(t, http.MethodPost, "/api/v1/sessions", sessionBody(driver), nil)
	var second models.RouteSession
	decode(t, other, &second)
	if rec = api.do(t, http.MethodPost, "/api/v1/sessions/"+second.ID.String()+"/start", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second in-progress session must be 409, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/drivers/"+driver.String()+"/session", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("active session: %d", rec.Code)
	}

	stop := session.Stops[0].ID.String()
	if rec = api.do(t, http.MethodPost, base+"/stops/"+stop+"/attendance", nil, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("attendance before arrival must be 422, got %d", rec.Code)
	}
	if rec = api.do(t, http.MethodPost, base+"/stops/"+stop+"/skip", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("skip: %d %s", rec.Code, rec.Body.String())
	}

	if rec = api.do(t, http.MethodPost, base+"/cancel", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if rec = api.do(t, http.MethodGet, "/api/v1/sessions/"+uuid.NewString(), nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session must be 404, got %d", rec.Code)
	}
	if rec = api.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id must be 400, got %d", rec.Code)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	api := newAPI(t, nil)
	body := sessionBody(uuid.New())
	body["stops"] = []map[string]interface{}{{"lat": 43.2, "lon": 76.9, "geofence_radius_meters": 0}}

	rec := api.do(t, http.MethodPost, "/api/v1/sessions", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	api := newAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/routes/optimize", routing.Request{
		Start: geo.Point{Lat: 0, Lon: 0},
		End:   geo.Point{Lat: 0, Lon: 0.1},
		Stops: []routing.Stop{{ID: "b", Lat: 0, Lon: 0.06}, {ID: "a", Lat: 0, Lon: 0.02}},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res routing.Result
	decode(t, rec, &res)
	if len(res.Order) != 2 || res.Order[0] != "a" {
		t.Fatalf("unexpected order %v", res.Order)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/routes/optimize", routing.Request{
		Start: geo.Point{Lat: 95, Lon: 0},
		End:   geo.Point{Lat: 0, Lon: 0},
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("infeasible request must be 422, got %d", rec.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	api := newAPI(t, nil)
	driver := uuid.New()

	rec := api.do(t, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"driver_id": driver, "lat": 43.2, "lon": 76.9,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		AlertID uuid.UUID `json:"alert_id"`
	}
	decode(t, rec, &created)

	rec = api.do(t, http.MethodPost, "/api/v1/alerts", map[string]interface{}{
		"driver_id": driver, "lat": 43.2, "lon": 76.9,
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open alert must be 409, got %d", rec.Code)
	}

	base := "/api/v1/alerts/" + created.AlertID.String()
	if rec = api.do(t, http.MethodPost, base+"/respond", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("respond without caller must be 401, got %d", rec.Code)
	}
	stranger := map[string]string{headerDriverID: uuid.NewString()}
	if rec = api.do(t, http.MethodPost, base+"/respond", nil, stranger); rec.Code != http.StatusForbidden {
		t.Fatalf("respond by non-notified driver must be 403, got %d", rec.Code)
	}
	if rec = api.do(t, http.MethodPost, base+"/resolve", nil, stranger); rec.Code != http.StatusForbidden {
		t.Fatalf("resolve by stranger must be 403, got %d", rec.Code)
	}

	admin := map[string]string{headerDriverID: uuid.NewString(), headerAdmin: "true"}
	rec = api.do(t, http.MethodPost, base+"/resolve", nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin resolve: %d %s", rec.Code, rec.Body.String())
	}
	var alert models.DistressAlert
	decode(t, rec, &alert)
	if alert.Status != models.AlertStatusResolved {
		t.Fatalf("expected resolved alert, got %s", alert.Status)
	}
	if rec = api.do(t, http.MethodPost, base+"/resolve", nil, admin); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second resolve must be 422, got %d", rec.Code)
	}
}

func TestCreatePaymentIdempotency(t *testing.T) {
	api := newAPI(t, nil)
	body := map[string]interface{}{
		"amount": 15000, "currency": "usd", "payer_id": uuid.New(), "description": "October",
	}

	if rec := api.do(t, http.MethodPost, "/api/v1/payments", body, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key must be 400, got %d", rec.Code)
	}

	key := map[string]string{headerIdempotencyKey: "order-42"}
	first := api.do(t, http.MethodPost, "/api/v1/payments", body, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", first.Code, first.Body.String())
	}
	second := api.do(t, http.MethodPost, "/api/v1/payments", body, key)
	if second.Code != http.StatusOK || second.Header().Get(headerReplayed) != "true" {
		t.Fatalf("replay: %d headers=%v", second.Code, second.Header())
	}

	var a, b models.Payment
	decode(t, first, &a)
	decode(t, second, &b)
	if a.ID != b.ID {
		t.Fatalf("replay returned another payment: %s vs %s", a.ID, b.ID)
	}

	rec := api.do(t, http.MethodPost, "/api/v1/payments/"+a.ID.String()+"/refund", nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("refund of pending payment must be 422, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/v1/payments/"+a.ID.String()+"/history", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: %d", rec.Code)
	}
}

func TestPaymentWebhookSignature(t *testing.T) {
	api := newAPI(t, nil)
	payload := []byte(fmt.Sprintf(`{"payment_id":%q,"status":"approved"}`, uuid.NewString()))

	rec := api.do(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{headerSignature: "deadbeef"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad signature must be 403, got %d", rec.Code)
	}

	sig := services.Sign([]byte(webhookSecret), payload)
	rec = api.do(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{headerSignature: sig})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("signed webhook: %d %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/webhooks/stripe", payload, map[string]string{headerStripeSignature: "t=1,v1=x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stripe webhook without stripe config must be 404, got %d", rec.Code)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	api := newAPI(t, nil)
	if rec := api.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	h := NewHealthHandler(memory.New()).
		With("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body HealthResponse
	decode(t, rec, &body)
	if body.Services["database"] != "healthy" || body.Services["redis"] == "healthy" {
		t.Fatalf("unexpected services %v", body.Services)
	}

	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness expected 503, got %d", rec.Code)
	}
}

func TestRouterRejectsWrongMethodAndHandlesPreflight(t *testing.T) {
	api := newAPI(t, nil)

	if rec := api.do(t, http.MethodGet, "/api/v1/positions", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec := api.do(t, http.MethodOptions, "/api/v1/positions", nil, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header missing")
	}
}
