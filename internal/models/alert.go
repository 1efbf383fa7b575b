package models

import (
	"time"

	"schoolbus-tracking/internal/geo"

	"github.com/google/uuid"
)

// AlertStatus представляет статус сигнала тревоги
type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "pending"
	AlertStatusResponded AlertStatus = "responded"
	AlertStatusResolved  AlertStatus = "resolved"
)

// IsOpen сообщает, что тревога ещё активна
func (s AlertStatus) IsOpen() bool {
	return s == AlertStatusPending || s == AlertStatusResponded
}

// IsFinal сообщает, что тревога закрыта окончательно
func (s AlertStatus) IsFinal() bool {
	return s == AlertStatusResolved
}

// AlertSource источник тревоги
type AlertSource string

const (
	AlertSourceDriver     AlertSource = "driver"
	AlertSourceGPSAnomaly AlertSource = "gps_anomaly"
)

// DistressAlert представляет сигнал тревоги водителя
type DistressAlert struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	DistressedDriverID uuid.UUID   `json:"distressed_driver_id" db:"distressed_driver_id"`
	SessionID          *uuid.UUID  `json:"session_id,omitempty" db:"session_id"`
	Source             AlertSource `json:"source" db:"source"`
	Status             AlertStatus `json:"status" db:"status"`
	Lat                float64     `json:"lat" db:"lat"`
	Lon                float64     `json:"lon" db:"lon"`
	RespondingDriverID *uuid.UUID  `json:"responding_driver_id,omitempty" db:"responding_driver_id"`
	NearbyDriverIDs    []uuid.UUID `json:"nearby_driver_ids"`
	ResolvedBy         *uuid.UUID  `json:"resolved_by,omitempty" db:"resolved_by"`
	BroadcastAt        *time.Time  `json:"broadcast_at,omitempty" db:"broadcast_at"`
	TriggeredAt        time.Time   `json:"triggered_at" db:"triggered_at"`
	RespondedAt        *time.Time  `json:"responded_at,omitempty" db:"responded_at"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Point возвращает место срабатывания тревоги
func (a DistressAlert) Point() geo.Point {
	return geo.Point{Lat: a.Lat, Lon: a.Lon}
}

// WasNotified проверяет, получал ли водитель рассылку по тревоге
func (a DistressAlert) WasNotified(driverID uuid.UUID) bool {
	for _, id := range a.NearbyDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// TriggerAlertRequest представляет запрос водителя на тревогу
type TriggerAlertRequest struct {
	DriverID  uuid.UUID  `json:"driver_id" validate:"required"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Lat       float64    `json:"lat" validate:"lat"`
	Lon       float64    `json:"lon" validate:"lon"`
}
