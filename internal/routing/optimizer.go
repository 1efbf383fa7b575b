// Package routing упорядочивает остановки маршрута: жадный ближайший сосед
// от точки старта и ограниченное по числу проходов улучшение 2-opt.
package routing

import (
	"fmt"
	"sort"

	"schoolbus-tracking/internal/geo"

	"googlemaps.github.io/maps"
)

const (
	// StartLabel и EndLabel обозначают концы маршрута в сегментах
	StartLabel = "start"
	EndLabel   = "end"

	DefaultAverageSpeedKmh = 30.0
	DefaultMaxIterations   = 100
)

// Stop остановка, которую нужно посетить
type Stop struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Request входные данные оптимизации
type Request struct {
	Start geo.Point `json:"start"`
	End   geo.Point `json:"end"`
	Stops []Stop    `json:"stops"`
}

// Segment участок пути между соседними точками
type Segment struct {
	From            string  `json:"from"`
	To              string  `json:"to"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Result порядок объезда и его метрики
type Result struct {
	Order                []string  `json:"order"`
	TotalDistanceMeters  float64   `json:"total_distance_meters"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	Segments             []Segment `json:"segments"`
	Polyline             string    `json:"polyline,omitempty"`
	Infeasible           bool      `json:"infeasible"`
	Reason               string    `json:"reason,omitempty"`
}

// Optimizer строит порядок объезда остановок
type Optimizer struct {
	AverageSpeedKmh float64
	MaxIterations   int
}

// NewOptimizer создает оптимизатор с заданными параметрами
func NewOptimizer(averageSpeedKmh float64, maxIterations int) *Optimizer {
	if averageSpeedKmh <= 0 {
		averageSpeedKmh = DefaultAverageSpeedKmh
	}
	if maxIterations < 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Optimizer{AverageSpeedKmh: averageSpeedKmh, MaxIterations: maxIterations}
}

// Optimize возвращает порядок объезда; некорректный ввод дает Infeasible, а не ошибку
func (o *Optimizer) Optimize(req Request) Result {
	if reason := validate(req); reason != "" {
		return Result{Order: []string{}, Segments: []Segment{}, Infeasible: true, Reason: reason}
	}

	// Индекс 0 старт, 1..n остановки, n+1 финиш
	n := len(req.Stops)
	points := make([]geo.Point, 0, n+2)
	points = append(points, req.Start)
	for _, s := range req.Stops {
		points = append(points, geo.Point{Lat: s.Lat, Lon: s.Lon})
	}
	points = append(points, req.End)
	dist := distanceMatrix(points)

	tour := nearestNeighbour(req.Stops, dist)
	if n >= 2 {
		tour = o.twoOpt(tour, dist)
	}

	return o.buildResult(req, tour, points, dist)
}

func validate(req Request) string {
	if !req.Start.Valid() {
		return fmt.Sprintf("invalid start coordinates %v", req.Start)
	}
	if !req.End.Valid() {
		return fmt.Sprintf("invalid end coordinates %v", req.End)
	}
	seen := make(map[string]struct{}, len(req.Stops))
	for _, s := range req.Stops {
		if !geo.ValidCoordinates(s.Lat, s.Lon) {
			return fmt.Sprintf("stop %s has invalid coordinates (%f, %f)", s.ID, s.Lat, s.Lon)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Sprintf("duplicate stop id %s", s.ID)
		}
		if s.ID == StartLabel || s.ID == EndLabel {
			return fmt.Sprintf("stop id %q is reserved for route endpoints", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return ""
}

func distanceMatrix(points []geo.Point) [][]float64 {
	m := make([][]float64, len(points))
	for i := range points {
		m[i] = make([]float64, len(points))
	}
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			d := geo.HaversineMeters(points[i], points[j])
			m[i][j] = d
			m[j][i] = d
		}
	}
	return m
}

// nearestNeighbour возвращает индексы остановок (1..n) в порядке посещения
func nearestNeighbour(stops []Stop, dist [][]float64) []int {
	n := len(stops)
	// кандидаты перебираются в порядке ID, чтобы равные расстояния решались по ID
	byID := make([]int, n)
	for i := range byID {
		byID[i] = i + 1
	}
	sort.Slice(byID, func(a, b int) bool {
		return stops[byID[a]-1].ID < stops[byID[b]-1].ID
	})

	visited := make([]bool, n+2)
	tour := make([]int, 0, n)
	current := 0
	for len(tour) < n {
		best := -1
		for _, idx := range byID {
			if visited[idx] {
				continue
			}
			if best == -1 || dist[current][idx] < dist[current][best] {
				best = idx
			}
		}
		visited[best] = true
		tour = append(tour, best)
		current = best
	}
	return tour
}

// twoOpt разворачивает отрезки, пока это строго сокращает путь.
// Концы (старт и финиш) закреплены.
func (o *Optimizer) twoOpt(tour []int, dist [][]float64) []int {
	n := len(tour)
	end := n + 1
	path := make([]int, 0, n+2)
	path = append(path, 0)
	path = append(path, tour...)
	path = append(path, end)

	const eps = 1e-9
	for pass := 0; pass < o.MaxIterations; pass++ {
		improved := false
		for i := 1; i < len(path)-2; i++ {
			for j := i + 1; j < len(path)-1; j++ {
				a, b := path[i-1], path[i]
				c, d := path[j], path[j+1]
				delta := dist[a][c] + dist[b][d] - dist[a][b] - dist[c][d]
				if delta < -eps {
					reverse(path[i : j+1])
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return path[1 : len(path)-1]
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func (o *Optimizer) buildResult(req Request, tour []int, points []geo.Point, dist [][]float64) Result {
	end := len(points) - 1
	label := func(idx int) string {
		switch idx {
		case 0:
			return StartLabel
		case end:
			return EndLabel
		}
		return req.Stops[idx-1].ID
	}

	path := make([]int, 0, len(tour)+2)
	path = append(path, 0)
	path = append(path, tour...)
	path = append(path, end)

	res := Result{
		Order:    make([]string, 0, len(tour)),
		Segments: make([]Segment, 0, len(path)-1),
	}
	for _, idx := range tour {
		res.Order = append(res.Order, req.Stops[idx-1].ID)
	}

	line := make([]maps.LatLng, 0, len(path))
	line = append(line, maps.LatLng{Lat: points[0].Lat, Lng: points[0].Lon})
	for k := 1; k < len(path); k++ {
		from, to := path[k-1], path[k]
		d := dist[from][to]
		dur := geo.TravelSeconds(d, o.AverageSpeedKmh)
		res.Segments = append(res.Segments, Segment{
			From:            label(from),
			To:              label(to),
			DistanceMeters:  d,
			DurationSeconds: dur,
		})
		res.TotalDistanceMeters += d
		res.TotalDurationSeconds += dur
		line = append(line, maps.LatLng{Lat: points[to].Lat, Lng: points[to].Lon})
	}
	res.Polyline = maps.Encode(line)

	return res
}
