// Package memory реализует доменное хранилище в памяти процесса.
// Все операции выполняются под одним мьютексом, поэтому проверки
// уникальности и compare-and-set атомарны так же, как в Postgres.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"
	"schoolbus-tracking/internal/storage"

	"github.com/google/uuid"
)

var _ storage.Store = (*Store)(nil)

// Store хранилище в памяти
type Store struct {
	mu sync.Mutex

	sessions  map[uuid.UUID]*models.RouteSession
	stopIndex map[uuid.UUID]uuid.UUID
	guardians map[uuid.UUID][]uuid.UUID
	positions map[uuid.UUID][]models.Position

	alerts map[uuid.UUID]*models.DistressAlert

	payments     map[uuid.UUID]*models.Payment
	providers    map[string]uuid.UUID
	transactions map[uuid.UUID][]models.PaymentTransaction
	idempotency  map[string]models.IdempotencyRecord
}

// New создает пустое хранилище
func New() *Store {
	return &Store{
		sessions:     make(map[uuid.UUID]*models.RouteSession),
		stopIndex:    make(map[uuid.UUID]uuid.UUID),
		guardians:    make(map[uuid.UUID][]uuid.UUID),
		positions:    make(map[uuid.UUID][]models.Position),
		alerts:       make(map[uuid.UUID]*models.DistressAlert),
		payments:     make(map[uuid.UUID]*models.Payment),
		providers:    make(map[string]uuid.UUID),
		transactions: make(map[uuid.UUID][]models.PaymentTransaction),
		idempotency:  make(map[string]models.IdempotencyRecord),
	}
}

// Ping всегда успешен
func (s *Store) Ping(context.Context) error {
	return nil
}

func copySession(src *models.RouteSession) *models.RouteSession {
	cp := *src
	cp.Stops = make([]models.RouteStop, len(src.Stops))
	for i, st := range src.Stops {
		st.StudentIDs = append([]uuid.UUID(nil), st.StudentIDs...)
		cp.Stops[i] = st
	}
	sort.SliceStable(cp.Stops, func(i, j int) bool { return cp.Stops[i].Order < cp.Stops[j].Order })
	return &cp
}

// CreateSession сохраняет сессию вместе с остановками
func (s *Store) CreateSession(_ context.Context, session *models.RouteSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return apperr.Errorf("memory.CreateSession", apperr.ErrConflict, "session %s exists", session.ID)
	}
	if session.Status == models.SessionStatusInProgress {
		if s.inProgressLocked(session.DriverID, session.ServiceDate, session.ID) {
			return apperr.Errorf("memory.CreateSession", apperr.ErrConflict, "driver %s already has a session in progress", session.DriverID)
		}
	}
	orders := make(map[int]struct{}, len(session.Stops))
	for _, st := range session.Stops {
		if _, dup := orders[st.Order]; dup {
			return apperr.Errorf("memory.CreateSession", apperr.ErrConflict, "duplicate stop order %d", st.Order)
		}
		orders[st.Order] = struct{}{}
	}

	s.sessions[session.ID] = copySession(session)
	for _, st := range session.Stops {
		s.stopIndex[st.ID] = session.ID
	}
	return nil
}

func (s *Store) inProgressLocked(driverID uuid.UUID, day time.Time, except uuid.UUID) bool {
	for id, other := range s.sessions {
		if id == except {
			continue
		}
		if other.DriverID == driverID && other.Status == models.SessionStatusInProgress &&
			models.ServiceDay(other.ServiceDate).Equal(models.ServiceDay(day)) {
			return true
		}
	}
	return false
}

// GetSession возвращает сессию по ID
func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.RouteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, apperr.Errorf("memory.GetSession", apperr.ErrNotFound, "session %s", id)
	}
	return copySession(session), nil
}

// FindActiveSessionByDriver возвращает сессию водителя в статусе in_progress
func (s *Store) FindActiveSessionByDriver(_ context.Context, driverID uuid.UUID) (*models.RouteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.RouteSession
	for _, session := range s.sessions {
		if session.DriverID != driverID || session.Status != models.SessionStatusInProgress {
			continue
		}
		if found == nil || session.ServiceDate.After(found.ServiceDate) {
			found = session
		}
	}
	if found == nil {
		return nil, apperr.Errorf("memory.FindActiveSessionByDriver", apperr.ErrNotFound, "driver %s", driverID)
	}
	return copySession(found), nil
}

// ListInProgressSessions возвращает все активные рейсы
func (s *Store) ListInProgressSessions(context.Context) ([]*models.RouteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.RouteSession, 0)
	for _, session := range s.sessions {
		if session.Status == models.SessionStatusInProgress {
			result = append(result, copySession(session))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	return result, nil
}

// ActiveDriverIDs водители с активным рейсом
func (s *Store) ActiveDriverIDs(ctx context.Context) ([]uuid.UUID, error) {
	sessions, _ := s.ListInProgressSessions(ctx)
	seen := make(map[uuid.UUID]struct{}, len(sessions))
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, session := range sessions {
		if _, dup := seen[session.DriverID]; dup {
			continue
		}
		seen[session.DriverID] = struct{}{}
		ids = append(ids, session.DriverID)
	}
	return ids, nil
}

// StartSession переводит сессию scheduled → in_progress
func (s *Store) StartSession(_ context.Context, id uuid.UUID, at time.Time) error {
	const op = "memory.StartSession"
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperr.Errorf(op, apperr.ErrNotFound, "session %s", id)
	}
	if !models.CanTransitionSession(session.Status, models.SessionStatusInProgress) {
		return apperr.Errorf(op, apperr.ErrInvalidState, "session %s is %s", id, session.Status)
	}
	if s.inProgressLocked(session.DriverID, session.ServiceDate, id) {
		return apperr.Errorf(op, apperr.ErrConflict, "driver %s already has a session in progress", session.DriverID)
	}

	session.Status = models.SessionStatusInProgress
	session.StartedAt = &at
	session.UpdatedAt = at
	return nil
}

// FinishSession завершает или отменяет сессию
func (s *Store) FinishSession(_ context.Context, id uuid.UUID, to models.SessionStatus, at time.Time) error {
	const op = "memory.FinishSession"
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperr.Errorf(op, apperr.ErrNotFound, "session %s", id)
	}
	if !to.IsFinal() || !models.CanTransitionSession(session.Status, to) {
		return apperr.Errorf(op, apperr.ErrInvalidState, "session %s cannot move %s -> %s", id, session.Status, to)
	}

	session.Status = to
	session.CompletedAt = &at
	session.UpdatedAt = at
	return nil
}

// UpdateSessionPosition обновляет текущую позицию, если отметка новее
func (s *Store) UpdateSessionPosition(_ context.Context, id uuid.UUID, lat, lon float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return apperr.Errorf("memory.UpdateSessionPosition", apperr.ErrNotFound, "session %s", id)
	}
	if session.LastPositionAt != nil && session.LastPositionAt.After(at) {
		return nil
	}
	session.CurrentLat = &lat
	session.CurrentLon = &lon
	session.LastPositionAt = &at
	return nil
}

func (s *Store) stopLocked(stopID uuid.UUID) (*models.RouteSession, *models.RouteStop, bool) {
	sessionID, ok := s.stopIndex[stopID]
	if !ok {
		return nil, nil, false
	}
	session := s.sessions[sessionID]
	for i := range session.Stops {
		if session.Stops[i].ID == stopID {
			return session, &session.Stops[i], true
		}
	}
	return nil, nil, false
}

// TransitionStop меняет статус остановки, если он всё ещё равен from
func (s *Store) TransitionStop(_ context.Context, stopID uuid.UUID, from, to models.StopStatus, at time.Time) (bool, error) {
	const op = "memory.TransitionStop"
	if !models.CanTransitionStop(from, to) {
		return false, apperr.Errorf(op, apperr.ErrInvalidState, "%s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, stop, ok := s.stopLocked(stopID)
	if !ok {
		return false, apperr.Errorf(op, apperr.ErrNotFound, "stop %s", stopID)
	}
	if stop.Status != from {
		return false, nil
	}

	stop.Status = to
	stop.UpdatedAt = at
	if to == models.StopStatusArrived {
		stop.ArrivedAt = &at
	}
	if to.IsResolved() {
		stop.ResolvedAt = &at
	}
	return true, nil
}

// ReorderStops присваивает остановкам порядок по списку stopIDs
func (s *Store) ReorderStops(_ context.Context, sessionID uuid.UUID, stopIDs []uuid.UUID) error {
	const op = "memory.ReorderStops"
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return apperr.Errorf(op, apperr.ErrNotFound, "session %s", sessionID)
	}
	if session.Status.IsFinal() {
		return apperr.Errorf(op, apperr.ErrInvalidState, "session %s is %s", sessionID, session.Status)
	}

	// переупорядочиваемые остановки занимают те же номера, что и раньше
	positions := make(map[uuid.UUID]int, len(session.Stops))
	for i, st := range session.Stops {
		positions[st.ID] = i
	}
	orders := make([]int, 0, len(stopIDs))
	for _, id := range stopIDs {
		idx, ok := positions[id]
		if !ok {
			return apperr.Errorf(op, apperr.ErrInvalidArgument, "stop %s does not belong to session %s", id, sessionID)
		}
		orders = append(orders, session.Stops[idx].Order)
	}
	sort.Ints(orders)
	for i, id := range stopIDs {
		session.Stops[positions[id]].Order = orders[i]
	}
	return nil
}

// StopRecipients опекуны учеников остановки
func (s *Store) StopRecipients(_ context.Context, stopID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, stop, ok := s.stopLocked(stopID)
	if !ok {
		return nil, apperr.Errorf("memory.StopRecipients", apperr.ErrNotFound, "stop %s", stopID)
	}

	seen := make(map[uuid.UUID]struct{})
	recipients := make([]string, 0)
	for _, student := range stop.StudentIDs {
		for _, g := range s.guardians[student] {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			recipients = append(recipients, g.String())
		}
	}
	sort.Strings(recipients)
	return recipients, nil
}

// LinkGuardian связывает ученика с опекуном
func (s *Store) LinkGuardian(_ context.Context, studentID, guardianID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.guardians[studentID] {
		if g == guardianID {
			return nil
		}
	}
	s.guardians[studentID] = append(s.guardians[studentID], guardianID)
	return nil
}

// AppendPosition добавляет отметку в журнал
func (s *Store) AppendPosition(_ context.Context, pos models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[pos.DriverID] = append(s.positions[pos.DriverID], pos)
	return nil
}

// RecentPositions последние отметки водителя, новые первыми
func (s *Store) RecentPositions(_ context.Context, driverID uuid.UUID, limit int) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := append([]models.Position(nil), s.positions[driverID]...)
	sort.SliceStable(log, func(i, j int) bool { return log[i].RecordedAt.After(log[j].RecordedAt) })
	if limit > 0 && len(log) > limit {
		log = log[:limit]
	}
	return log, nil
}

func copyAlert(a *models.DistressAlert) *models.DistressAlert {
	cp := *a
	cp.NearbyDriverIDs = append([]uuid.UUID{}, a.NearbyDriverIDs...)
	return &cp
}

// CreateAlert сохраняет тревогу; не больше одной открытой на водителя
func (s *Store) CreateAlert(_ context.Context, alert *models.DistressAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.alerts {
		if other.DistressedDriverID == alert.DistressedDriverID && other.Status.IsOpen() {
			return apperr.Errorf("memory.CreateAlert", apperr.ErrConflict, "driver %s has open alert %s", alert.DistressedDriverID, other.ID)
		}
	}
	s.alerts[alert.ID] = copyAlert(alert)
	return nil
}

// GetAlert возвращает тревогу по ID
func (s *Store) GetAlert(_ context.Context, id uuid.UUID) (*models.DistressAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, apperr.Errorf("memory.GetAlert", apperr.ErrNotFound, "alert %s", id)
	}
	return copyAlert(alert), nil
}

// FindOpenAlert возвращает открытую тревогу водителя
func (s *Store) FindOpenAlert(_ context.Context, driverID uuid.UUID) (*models.DistressAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, alert := range s.alerts {
		if alert.DistressedDriverID == driverID && alert.Status.IsOpen() {
			return copyAlert(alert), nil
		}
	}
	return nil, apperr.Errorf("memory.FindOpenAlert", apperr.ErrNotFound, "driver %s", driverID)
}

// AddAlertNearby объединяет множество оповещённых водителей с driverIDs
func (s *Store) AddAlertNearby(_ context.Context, id uuid.UUID, driverIDs []uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, apperr.Errorf("memory.AddAlertNearby", apperr.ErrNotFound, "alert %s", id)
	}
	for _, driverID := range driverIDs {
		if !alert.WasNotified(driverID) {
			alert.NearbyDriverIDs = append(alert.NearbyDriverIDs, driverID)
		}
	}
	return append([]uuid.UUID{}, alert.NearbyDriverIDs...), nil
}

// MarkAlertBroadcast отмечает первую рассылку
func (s *Store) MarkAlertBroadcast(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return false, apperr.Errorf("memory.MarkAlertBroadcast", apperr.ErrNotFound, "alert %s", id)
	}
	if alert.BroadcastAt != nil {
		return false, nil
	}
	alert.BroadcastAt = &at
	return true, nil
}

// MarkAlertResponded pending → responded
func (s *Store) MarkAlertResponded(_ context.Context, id, responderID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return false, apperr.Errorf("memory.MarkAlertResponded", apperr.ErrNotFound, "alert %s", id)
	}
	if alert.Status != models.AlertStatusPending {
		return false, nil
	}
	alert.Status = models.AlertStatusResponded
	alert.RespondingDriverID = &responderID
	alert.RespondedAt = &at
	return true, nil
}

// MarkAlertResolved pending|responded → resolved
func (s *Store) MarkAlertResolved(_ context.Context, id, resolverID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[id]
	if !ok {
		return false, apperr.Errorf("memory.MarkAlertResolved", apperr.ErrNotFound, "alert %s", id)
	}
	if !alert.Status.IsOpen() {
		return false, nil
	}
	alert.Status = models.AlertStatusResolved
	alert.ResolvedBy = &resolverID
	alert.ResolvedAt = &at
	return true, nil
}

// CreatePaymentIdempotent создает платеж, если для ключа нет действующей записи;
// иначе возвращает закешированный результат (replayed=true)
func (s *Store) CreatePaymentIdempotent(_ context.Context, p *models.Payment, expiresAt, now time.Time) (*models.Payment, bool, error) {
	const op = "memory.CreatePaymentIdempotent"
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idempotency[p.IdempotencyKey]; ok && rec.Active(now) {
		var cached models.Payment
		if err := json.Unmarshal(rec.CachedResult, &cached); err != nil {
			return nil, false, apperr.Wrap(op, err)
		}
		return &cached, true, nil
	}

	cached, err := json.Marshal(p)
	if err != nil {
		return nil, false, apperr.Wrap(op, err)
	}

	stored := *p
	s.payments[p.ID] = &stored
	s.transactions[p.ID] = append(s.transactions[p.ID], models.PaymentTransaction{
		ID:        uuid.New(),
		PaymentID: p.ID,
		Kind:      models.TransactionKindCreate,
		ToStatus:  p.Status,
		Amount:    p.Amount,
		Applied:   true,
		CreatedAt: now,
	})
	s.idempotency[p.IdempotencyKey] = models.IdempotencyRecord{
		Key:          p.IdempotencyKey,
		PaymentID:    p.ID,
		CachedResult: cached,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}

	out := stored
	return &out, false, nil
}

// GetPayment возвращает платеж по ID
func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, apperr.Errorf("memory.GetPayment", apperr.ErrNotFound, "payment %s", id)
	}
	cp := *p
	return &cp, nil
}

// FindPaymentByProvider ищет платеж по ID у провайдера
func (s *Store) FindPaymentByProvider(ctx context.Context, providerID string) (*models.Payment, error) {
	s.mu.Lock()
	id, ok := s.providers[providerID]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.Errorf("memory.FindPaymentByProvider", apperr.ErrNotFound, "provider id %s", providerID)
	}
	return s.GetPayment(ctx, id)
}

// SetPaymentProvider сохраняет данные платёжной сессии провайдера
func (s *Store) SetPaymentProvider(_ context.Context, id uuid.UUID, providerID, checkoutURL string) error {
	const op = "memory.SetPaymentProvider"
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return apperr.Errorf(op, apperr.ErrNotFound, "payment %s", id)
	}
	if other, taken := s.providers[providerID]; taken && other != id {
		return apperr.Errorf(op, apperr.ErrConflict, "provider id %s already linked", providerID)
	}
	p.ProviderID = &providerID
	p.CheckoutURL = &checkoutURL
	s.providers[providerID] = id
	return nil
}

// UpdatePaymentStatus применяет изменение, если статус и сумма возврата не менялись
func (s *Store) UpdatePaymentStatus(_ context.Context, upd models.PaymentUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[upd.PaymentID]
	if !ok {
		return false, apperr.Errorf("memory.UpdatePaymentStatus", apperr.ErrNotFound, "payment %s", upd.PaymentID)
	}
	if p.Status != upd.FromStatus || p.RefundedAmount != upd.FromRefunded {
		return false, nil
	}
	if upd.ToRefunded > p.Amount {
		return false, apperr.Errorf("memory.UpdatePaymentStatus", apperr.ErrInvalidArgument, "refund exceeds amount")
	}

	p.Status = upd.ToStatus
	p.RefundedAmount = upd.ToRefunded
	p.UpdatedAt = upd.At
	s.transactions[p.ID] = append(s.transactions[p.ID], upd.Transaction)
	return true, nil
}

// AppendPaymentTransaction добавляет запись в журнал платежа
func (s *Store) AppendPaymentTransaction(_ context.Context, txn models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[txn.PaymentID]; !ok {
		return apperr.Errorf("memory.AppendPaymentTransaction", apperr.ErrNotFound, "payment %s", txn.PaymentID)
	}
	s.transactions[txn.PaymentID] = append(s.transactions[txn.PaymentID], txn)
	return nil
}

// ListPaymentTransactions журнал платежа в порядке добавления
func (s *Store) ListPaymentTransactions(_ context.Context, paymentID uuid.UUID) ([]models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.PaymentTransaction(nil), s.transactions[paymentID]...), nil
}
