package models

import (
	"time"

	"schoolbus-tracking/internal/geo"

	"github.com/google/uuid"
)

// StopStatus представляет статус остановки маршрута
type StopStatus string

const (
	StopStatusPending     StopStatus = "pending"
	StopStatusApproaching StopStatus = "approaching"
	StopStatusArrived     StopStatus = "arrived"
	StopStatusPickedUp    StopStatus = "picked_up"
	StopStatusDroppedOff  StopStatus = "dropped_off"
	StopStatusSkipped     StopStatus = "skipped"
)

// StopKind определяет, забирают или высаживают учеников на остановке
type StopKind string

const (
	StopKindPickup  StopKind = "pickup"
	StopKindDropoff StopKind = "dropoff"
)

var stopTransitions = map[StopStatus]map[StopStatus]struct{}{
	StopStatusPending: {
		StopStatusApproaching: {},
		StopStatusSkipped:     {},
	},
	StopStatusApproaching: {
		StopStatusArrived: {},
		StopStatusSkipped: {},
	},
	StopStatusArrived: {
		StopStatusPickedUp:   {},
		StopStatusDroppedOff: {},
		StopStatusSkipped:    {},
	},
	StopStatusPickedUp:   {},
	StopStatusDroppedOff: {},
	StopStatusSkipped:    {},
}

// Rank возвращает порядковый номер статуса в жизненном цикле
func (s StopStatus) Rank() int {
	switch s {
	case StopStatusPending:
		return 0
	case StopStatusApproaching:
		return 1
	case StopStatusArrived:
		return 2
	case StopStatusPickedUp, StopStatusDroppedOff, StopStatusSkipped:
		return 3
	}
	return -1
}

// IsResolved сообщает, завершена ли остановка
func (s StopStatus) IsResolved() bool {
	return s == StopStatusPickedUp || s == StopStatusDroppedOff || s == StopStatusSkipped
}

// Valid проверяет, что статус известен
func (s StopStatus) Valid() bool {
	_, ok := stopTransitions[s]
	return ok
}

// CanTransitionStop проверяет допустимость перехода статуса остановки
func CanTransitionStop(from, to StopStatus) bool {
	allowed, ok := stopTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// RouteStop представляет остановку в рамках сессии маршрута
type RouteStop struct {
	ID                   uuid.UUID   `json:"id" db:"id"`
	SessionID            uuid.UUID   `json:"session_id" db:"session_id"`
	Order                int         `json:"order" db:"stop_order"`
	Name                 string      `json:"name,omitempty" db:"name"`
	Lat                  float64     `json:"lat" db:"lat"`
	Lon                  float64     `json:"lon" db:"lon"`
	GeofenceRadiusMeters float64     `json:"geofence_radius_meters" db:"geofence_radius_m"`
	Kind                 StopKind    `json:"kind" db:"kind"`
	Status               StopStatus  `json:"status" db:"status"`
	StudentIDs           []uuid.UUID `json:"student_ids,omitempty"`
	ArrivedAt            *time.Time  `json:"arrived_at,omitempty" db:"arrived_at"`
	ResolvedAt           *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}

// Point возвращает координату остановки
func (s RouteStop) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// AttendanceStatus возвращает итоговый статус для отметки посадки/высадки
func (s RouteStop) AttendanceStatus() StopStatus {
	if s.Kind == StopKindDropoff {
		return StopStatusDroppedOff
	}
	return StopStatusPickedUp
}

// SessionStatus представляет статус сессии маршрута
type SessionStatus string

const (
	SessionStatusScheduled  SessionStatus = "scheduled"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

var sessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionStatusScheduled: {
		SessionStatusInProgress: {},
		SessionStatusCancelled:  {},
	},
	SessionStatusInProgress: {
		SessionStatusCompleted: {},
		SessionStatusCancelled: {},
	},
	SessionStatusCompleted: {},
	SessionStatusCancelled: {},
}

// CanTransitionSession проверяет допустимость перехода статуса сессии
func CanTransitionSession(from, to SessionStatus) bool {
	allowed, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsFinal сообщает, что сессия завершена
func (s SessionStatus) IsFinal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// RouteSession представляет активный рейс водителя
type RouteSession struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	RouteID        uuid.UUID     `json:"route_id" db:"route_id"`
	DriverID       uuid.UUID     `json:"driver_id" db:"driver_id"`
	Status         SessionStatus `json:"status" db:"status"`
	ServiceDate    time.Time     `json:"service_date" db:"service_date"`
	CurrentLat     *float64      `json:"current_lat,omitempty" db:"current_lat"`
	CurrentLon     *float64      `json:"current_lon,omitempty" db:"current_lon"`
	LastPositionAt *time.Time    `json:"last_position_at,omitempty" db:"last_position_at"`
	Stops          []RouteStop   `json:"stops"`
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// CurrentPoint возвращает последнюю известную позицию сессии
func (s RouteSession) CurrentPoint() (geo.Point, bool) {
	if s.CurrentLat == nil || s.CurrentLon == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *s.CurrentLat, Lon: *s.CurrentLon}, true
}

// AllStopsResolved сообщает, что все остановки сессии завершены
func (s RouteSession) AllStopsResolved() bool {
	for _, stop := range s.Stops {
		if !stop.Status.IsResolved() {
			return false
		}
	}
	return true
}

// FindStop ищет остановку по ID
func (s RouteSession) FindStop(stopID uuid.UUID) (RouteStop, bool) {
	for _, stop := range s.Stops {
		if stop.ID == stopID {
			return stop, true
		}
	}
	return RouteStop{}, false
}

// ServiceDay приводит момент времени к дате обслуживания (UTC)
func ServiceDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateSessionRequest представляет запрос на создание сессии маршрута
type CreateSessionRequest struct {
	RouteID     uuid.UUID           `json:"route_id" validate:"required"`
	DriverID    uuid.UUID           `json:"driver_id" validate:"required"`
	ServiceDate *time.Time          `json:"service_date,omitempty"`
	Stops       []CreateStopRequest `json:"stops" validate:"required,min=1,dive"`
}

// CreateStopRequest представляет остановку в запросе на создание сессии
type CreateStopRequest struct {
	Name                 string      `json:"name"`
	Lat                  float64     `json:"lat" validate:"lat"`
	Lon                  float64     `json:"lon" validate:"lon"`
	GeofenceRadiusMeters float64     `json:"geofence_radius_meters" validate:"gt=0,lte=5000"`
	Kind                 StopKind    `json:"kind" validate:"omitempty,oneof=pickup dropoff"`
	StudentIDs           []uuid.UUID `json:"student_ids,omitempty"`
}

// StudentReadyRequest сигнал родителя о готовности ученика
type StudentReadyRequest struct {
	StudentID uuid.UUID `json:"student_id" validate:"required"`
}

// LinkGuardianRequest привязка опекуна к ученику
type LinkGuardianRequest struct {
	GuardianID uuid.UUID `json:"guardian_id" validate:"required"`
}
