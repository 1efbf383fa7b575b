// Package geofence переводит остановки маршрута по статусам на основе
// GPS-позиции автобуса.
package geofence

import (
	"sort"

	"schoolbus-tracking/internal/geo"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// DefaultApproachMultiplier полоса приближения в радиусах геозоны
const DefaultApproachMultiplier = 3.0

// Transition смена статуса остановки
type Transition struct {
	SessionID      uuid.UUID         `json:"session_id"`
	StopID         uuid.UUID         `json:"stop_id"`
	From           models.StopStatus `json:"from"`
	To             models.StopStatus `json:"to"`
	DistanceMeters float64           `json:"distance_meters"`
}

// Engine чистая функция оценки геозон
type Engine struct {
	ApproachMultiplier float64
}

// NewEngine создает движок с заданной полосой приближения
func NewEngine(approachMultiplier float64) Engine {
	if approachMultiplier < 1 {
		approachMultiplier = DefaultApproachMultiplier
	}
	return Engine{ApproachMultiplier: approachMultiplier}
}

// NextStop возвращает первую по порядку нерешенную остановку. Остановки
// решаются строго по порядку, поэтому arrived блокирует следующие.
func NextStop(session *models.RouteSession) (models.RouteStop, bool) {
	stops := make([]models.RouteStop, len(session.Stops))
	copy(stops, session.Stops)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })

	for _, s := range stops {
		if !s.Status.IsResolved() {
			return s, true
		}
	}
	return models.RouteStop{}, false
}

// Evaluate возвращает переходы, которые вызывает позиция point.
// Рассматривается только следующая нерешенная остановка; если она уже
// arrived, геозона ничего не делает до ручной отметки.
// Переходы только вперёд, повтор с тем же состоянием ничего не дает.
func (e Engine) Evaluate(session *models.RouteSession, point geo.Point) []Transition {
	if session == nil || session.Status != models.SessionStatusInProgress || !point.Valid() {
		return nil
	}

	stop, ok := NextStop(session)
	if !ok {
		return nil
	}

	d := geo.HaversineMeters(point, stop.Point())
	radius := stop.GeofenceRadiusMeters
	mult := e.ApproachMultiplier
	if mult < 1 {
		mult = DefaultApproachMultiplier
	}

	transition := func(from, to models.StopStatus) Transition {
		return Transition{SessionID: session.ID, StopID: stop.ID, From: from, To: to, DistanceMeters: d}
	}

	switch stop.Status {
	case models.StopStatusPending:
		if d <= radius {
			// въехали в геозону, минуя отметку в полосе приближения
			return []Transition{
				transition(models.StopStatusPending, models.StopStatusApproaching),
				transition(models.StopStatusApproaching, models.StopStatusArrived),
			}
		}
		if d <= mult*radius {
			return []Transition{transition(models.StopStatusPending, models.StopStatusApproaching)}
		}
	case models.StopStatusApproaching:
		if d <= radius {
			return []Transition{transition(models.StopStatusApproaching, models.StopStatusArrived)}
		}
	}
	return nil
}

// Apply применяет переходы к копии сессии в памяти
func Apply(session *models.RouteSession, transitions []Transition) {
	for _, t := range transitions {
		for i := range session.Stops {
			if session.Stops[i].ID == t.StopID && session.Stops[i].Status == t.From {
				session.Stops[i].Status = t.To
			}
		}
	}
}
