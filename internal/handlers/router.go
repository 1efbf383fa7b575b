package handlers

import (
	"net/http"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/middleware"
)

// Router набор обработчиков HTTP API. RateLimit и Realtime могут быть nil.
type Router struct {
	Health    *HealthHandler
	Tracking  *TrackingHandler
	Sessions  *SessionHandler
	Routes    *RouteHandler
	Alerts    *AlertHandler
	Payments  *PaymentHandler
	RateLimit *RateLimitHandler
	Realtime  http.HandlerFunc
}

// Handler настраивает маршруты HTTP сервера
func (rt Router) Handler(log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /health", rt.Health.Health)
	mux.HandleFunc("GET /health/readiness", rt.Health.Readiness)
	mux.HandleFunc("GET /health/liveness", rt.Health.Liveness)

	// GPS
	mux.HandleFunc("POST /api/v1/positions", rt.Tracking.PostPosition)
	mux.HandleFunc("POST /api/v1/positions/batch", rt.Tracking.PostBatch)
	mux.HandleFunc("GET /api/v1/drivers/{id}/position", rt.Tracking.GetDriverPosition)

	// Sessions
	mux.HandleFunc("POST /api/v1/sessions", rt.Sessions.CreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", rt.Sessions.GetSession)
	mux.HandleFunc("GET /api/v1/drivers/{id}/session", rt.Sessions.GetActiveSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/start", rt.Sessions.StartSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/complete", rt.Sessions.CompleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", rt.Sessions.CancelSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stops/{stopID}/attendance", rt.Sessions.RecordAttendance)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stops/{stopID}/skip", rt.Sessions.SkipStop)
	mux.HandleFunc("POST /api/v1/sessions/{id}/ready", rt.Sessions.MarkStudentReady)
	mux.HandleFunc("POST /api/v1/students/{id}/guardians", rt.Sessions.LinkGuardian)

	// Routes
	mux.HandleFunc("POST /api/v1/routes/optimize", rt.Routes.Optimize)
	mux.HandleFunc("POST /api/v1/sessions/{id}/optimize", rt.Routes.OptimizeSession)

	// Distress
	mux.HandleFunc("POST /api/v1/alerts", rt.Alerts.Trigger)
	mux.HandleFunc("GET /api/v1/alerts/{id}", rt.Alerts.GetAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/respond", rt.Alerts.Respond)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", rt.Alerts.Resolve)

	// Payments
	mux.HandleFunc("POST /api/v1/payments", rt.Payments.CreatePayment)
	mux.HandleFunc("GET /api/v1/payments/{id}", rt.Payments.GetPayment)
	mux.HandleFunc("GET /api/v1/payments/{id}/history", rt.Payments.GetHistory)
	mux.HandleFunc("POST /api/v1/payments/{id}/refund", rt.Payments.Refund)
	mux.HandleFunc("POST /webhooks/payments", rt.Payments.Webhook)
	mux.HandleFunc("POST /webhooks/stripe", rt.Payments.StripeWebhook)

	if rt.RateLimit != nil {
		mux.HandleFunc("GET /api/v1/drivers/{id}/rate-limit", rt.RateLimit.GetStatus)
		mux.HandleFunc("DELETE /api/v1/drivers/{id}/rate-limit", rt.RateLimit.Reset)
	}
	if rt.Realtime != nil {
		mux.HandleFunc("GET /ws", rt.Realtime)
	}

	return middleware.Chain(mux,
		middleware.Recover(log),
		middleware.Logging(log),
		middleware.CORS,
	)
}
