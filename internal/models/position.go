package models

import (
	"fmt"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/geo"

	"github.com/google/uuid"
)

// Position представляет GPS-отметку водителя
type Position struct {
	DriverID   uuid.UUID  `json:"driver_id" db:"driver_id"`
	SessionID  *uuid.UUID `json:"session_id,omitempty" db:"session_id"`
	Lat        float64    `json:"lat" db:"lat"`
	Lon        float64    `json:"lon" db:"lon"`
	Speed      *float64   `json:"speed,omitempty" db:"speed"`
	Heading    *float64   `json:"heading,omitempty" db:"heading"`
	Accuracy   *float64   `json:"accuracy,omitempty" db:"accuracy"`
	RecordedAt time.Time  `json:"recorded_at" db:"recorded_at"`
}

// Point возвращает координату позиции
func (p Position) Point() geo.Point {
	return geo.Point{Lat: p.Lat, Lon: p.Lon}
}

// Validate проверяет инварианты позиции
func (p Position) Validate() error {
	if p.DriverID == uuid.Nil {
		return fmt.Errorf("driver_id is required: %w", apperr.ErrInvalidArgument)
	}
	if !geo.ValidCoordinates(p.Lat, p.Lon) {
		return fmt.Errorf("coordinates out of range lat=%f lon=%f: %w", p.Lat, p.Lon, apperr.ErrInvalidArgument)
	}
	if p.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required: %w", apperr.ErrInvalidArgument)
	}
	return nil
}

// PositionFix представляет входящую отметку от мобильного приложения
type PositionFix struct {
	DriverID   uuid.UUID  `json:"driver_id" validate:"required"`
	SessionID  *uuid.UUID `json:"session_id,omitempty"`
	Lat        float64    `json:"lat" validate:"lat"`
	Lon        float64    `json:"lon" validate:"lon"`
	Speed      *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading    *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Accuracy   *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

// PositionBatch пакет отметок, накопленных офлайн
type PositionBatch struct {
	Fixes []PositionFix `json:"fixes" validate:"required,min=1,max=500,dive"`
}
