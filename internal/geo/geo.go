// Package geo содержит чистые геодезические функции: расстояние по
// формуле гаверсинусов и поиск ближайших объектов перебором.
package geo

import (
	"math"
	"sort"
)

// EarthRadiusMeters средний радиус Земли
const EarthRadiusMeters = 6371000.0

// Point представляет координату WGS-84
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid проверяет диапазоны широты и долготы
func (p Point) Valid() bool {
	return ValidCoordinates(p.Lat, p.Lon)
}

// Located точка с идентификатором владельца
type Located struct {
	ID string
	Point
}

// Nearby результат поиска ближайших
type Nearby struct {
	ID         string  `json:"id"`
	DistanceKm float64 `json:"distance_km"`
}

// ValidCoordinates проверяет lat∈[-90,90], lon∈[-180,180]
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HaversineMeters возвращает расстояние по дуге большого круга в метрах
func HaversineMeters(a, b Point) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// h может чуть выйти за 1 из-за погрешности на антиподах
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// NearbyFrom возвращает объекты в радиусе radiusKm от origin,
// отсортированные по расстоянию, при равенстве по ID
func NearbyFrom(positions []Located, origin Point, radiusKm float64) []Nearby {
	result := make([]Nearby, 0, len(positions))
	for _, p := range positions {
		distKm := HaversineMeters(origin, p.Point) / 1000
		if distKm <= radiusKm {
			result = append(result, Nearby{ID: p.ID, DistanceKm: distKm})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].DistanceKm != result[j].DistanceKm {
			return result[i].DistanceKm < result[j].DistanceKm
		}
		return result[i].ID < result[j].ID
	})

	return result
}

// TravelSeconds оценивает время в пути при постоянной средней скорости
func TravelSeconds(distanceMeters, speedKmh float64) float64 {
	if speedKmh <= 0 {
		return 0
	}
	return distanceMeters / (speedKmh * 1000 / 3600)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
