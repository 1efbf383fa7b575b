package services

import (
	"context"
	"sync"

	"schoolbus-tracking/internal/gateway"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

type recordingRealtime struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingRealtime) Publish(topic string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

// recordingEvents реализует все издатели событий, нужные сервисам
type recordingEvents struct {
	mu        sync.Mutex
	locations []models.LocationUpdatedEvent
	stops     []models.StopStatusChangedEvent
	ready     []models.StudentReadyForPickupEvent
	webhooks  []models.WebhookReceivedEvent
	err       error
}

func (e *recordingEvents) PublishLocationUpdated(_ context.Context, ev models.LocationUpdatedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locations = append(e.locations, ev)
	return e.err
}

func (e *recordingEvents) PublishStopStatusChanged(_ context.Context, ev models.StopStatusChangedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, ev)
	return e.err
}

func (e *recordingEvents) PublishStudentReady(_ context.Context, ev models.StudentReadyForPickupEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = append(e.ready, ev)
	return e.err
}

func (e *recordingEvents) PublishWebhookReceived(_ context.Context, ev models.WebhookReceivedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.webhooks = append(e.webhooks, ev)
	return e.err
}

type recordingNotifier struct {
	mu         sync.Mutex
	recipients []string
	titles     []string
	err        error
}

func (n *recordingNotifier) Notify(_ context.Context, recipientID, title, _ string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients = append(n.recipients, recipientID)
	n.titles = append(n.titles, title)
	return n.err
}

type fakeLimiter struct {
	allowed bool
	calls   int
}

func (l *fakeLimiter) CheckLimit(context.Context, uuid.UUID) (*RateLimitResult, error) {
	l.calls++
	if l.allowed {
		return &RateLimitResult{Allowed: true, Limit: 10, Remaining: 9}, nil
	}
	return &RateLimitResult{Allowed: false, Limit: 10, RetryAfter: 30}, nil
}

type fakeGateway struct {
	mu          sync.Mutex
	preferences int
	prefErr     error
	status      models.PaymentStatus
	refunded    *int64
	statusErr   error
	refunds     []int64
	refundErr   error
	onRefund    func()
}

func (g *fakeGateway) CreatePreference(_ context.Context, p *models.Payment) (gateway.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preferences++
	if g.prefErr != nil {
		return gateway.Preference{}, g.prefErr
	}
	return gateway.Preference{
		ProviderID:  "cs_" + p.ID.String(),
		CheckoutURL: "https://checkout.example/" + p.ID.String(),
	}, nil
}

func (g *fakeGateway) FetchStatus(context.Context, string) (models.PaymentReport, error) {
	return models.PaymentReport{Status: g.status, RefundedAmount: g.refunded}, g.statusErr
}

func (g *fakeGateway) Refund(_ context.Context, providerID string, amount *int64) (gateway.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return gateway.RefundResult{}, g.refundErr
	}
	g.refunds = append(g.refunds, *amount)
	if g.onRefund != nil {
		g.onRefund()
	}
	return gateway.RefundResult{ID: "re_1", Status: "succeeded", Amount: *amount}, nil
}

func int64Ptr(v int64) *int64 { return &v }
