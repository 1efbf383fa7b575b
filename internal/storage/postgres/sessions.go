package postgres

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const sessionColumns = `
	id, route_id, driver_id, status, service_date, current_lat, current_lon,
	last_position_at, started_at, completed_at, created_at, updated_at`

const stopsQuery = `
	SELECT s.id, s.session_id, s.stop_order, s.name, s.lat, s.lon, s.geofence_radius_m,
	       s.kind, s.status, s.arrived_at, s.resolved_at, s.updated_at,
	       COALESCE(array_agg(ss.student_id::text) FILTER (WHERE ss.student_id IS NOT NULL), '{}')
	FROM route_stops s
	LEFT JOIN stop_students ss ON ss.stop_id = s.id
	WHERE s.session_id = ANY($1::uuid[])
	GROUP BY s.id
	ORDER BY s.session_id, s.stop_order
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.RouteSession, error) {
	session := &models.RouteSession{}
	err := row.Scan(
		&session.ID, &session.RouteID, &session.DriverID, &session.Status, &session.ServiceDate,
		&session.CurrentLat, &session.CurrentLon, &session.LastPositionAt, &session.StartedAt,
		&session.CompletedAt, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// loadStops загружает остановки для набора сессий
func (s *Store) loadStops(ctx context.Context, q querier, sessions ...*models.RouteSession) error {
	if len(sessions) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.RouteSession, len(sessions))
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, session := range sessions {
		session.Stops = []models.RouteStop{}
		byID[session.ID] = session
		ids = append(ids, session.ID)
	}

	rows, err := q.QueryContext(ctx, stopsQuery, pq.Array(uuidStrings(ids)))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stop     models.RouteStop
			students pq.StringArray
		)
		if err := rows.Scan(
			&stop.ID, &stop.SessionID, &stop.Order, &stop.Name, &stop.Lat, &stop.Lon,
			&stop.GeofenceRadiusMeters, &stop.Kind, &stop.Status, &stop.ArrivedAt,
			&stop.ResolvedAt, &stop.UpdatedAt, &students,
		); err != nil {
			return err
		}
		if stop.StudentIDs, err = parseUUIDs(students); err != nil {
			return err
		}
		if session, ok := byID[stop.SessionID]; ok {
			session.Stops = append(session.Stops, stop)
		}
	}
	return rows.Err()
}

// CreateSession сохраняет сессию вместе с остановками в одной транзакции
func (s *Store) CreateSession(ctx context.Context, session *models.RouteSession) error {
	const op = "postgres.CreateSession"

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO route_sessions (id, route_id, driver_id, status, service_date, started_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`
		_, err := tx.ExecContext(ctx, query, session.ID, session.RouteID, session.DriverID, session.Status,
			models.ServiceDay(session.ServiceDate), session.StartedAt, session.CreatedAt)
		if err != nil {
			return err
		}

		for _, stop := range session.Stops {
			stopQuery := `
				INSERT INTO route_stops (id, session_id, stop_order, name, lat, lon, geofence_radius_m, kind, status, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`
			_, err := tx.ExecContext(ctx, stopQuery, stop.ID, session.ID, stop.Order, stop.Name, stop.Lat, stop.Lon,
				stop.GeofenceRadiusMeters, stop.Kind, stop.Status, session.CreatedAt)
			if err != nil {
				return err
			}
			for _, studentID := range stop.StudentIDs {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO stop_students (stop_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
					stop.ID, studentID)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return apperr.FromDB(op, err)
}

// GetSession возвращает сессию по ID
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.RouteSession, error) {
	const op = "postgres.GetSession"

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM route_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	if err := s.loadStops(ctx, s.db, session); err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return session, nil
}

// FindActiveSessionByDriver возвращает сессию водителя в статусе in_progress
func (s *Store) FindActiveSessionByDriver(ctx context.Context, driverID uuid.UUID) (*models.RouteSession, error) {
	const op = "postgres.FindActiveSessionByDriver"

	query := `SELECT ` + sessionColumns + `
		FROM route_sessions
		WHERE driver_id = $1 AND status = 'in_progress'
		ORDER BY service_date DESC
		LIMIT 1`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, driverID))
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	if err := s.loadStops(ctx, s.db, session); err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return session, nil
}

// ListInProgressSessions возвращает все активные рейсы
func (s *Store) ListInProgressSessions(ctx context.Context) ([]*models.RouteSession, error) {
	const op = "postgres.ListInProgressSessions"

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM route_sessions WHERE status = 'in_progress' ORDER BY id`)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	sessions := make([]*models.RouteSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, apperr.FromDB(op, err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.FromDB(op, err)
	}

	if err := s.loadStops(ctx, s.db, sessions...); err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return sessions, nil
}

// ActiveDriverIDs водители с активным рейсом
func (s *Store) ActiveDriverIDs(ctx context.Context) ([]uuid.UUID, error) {
	const op = "postgres.ActiveDriverIDs"

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT driver_id FROM route_sessions WHERE status = 'in_progress'`)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.FromDB(op, err)
		}
		ids = append(ids, id)
	}
	return ids, apperr.FromDB(op, rows.Err())
}

// sessionStateError объясняет, почему условный UPDATE сессии не затронул строк
func (s *Store) sessionStateError(ctx context.Context, op string, id uuid.UUID, to models.SessionStatus) error {
	var status models.SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM route_sessions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	return apperr.Errorf(op, apperr.ErrInvalidState, "session %s cannot move %s -> %s", id, status, to)
}

// StartSession переводит сессию scheduled → in_progress. Второй активный
// рейс водителя за день отсекается уникальным индексом.
func (s *Store) StartSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	const op = "postgres.StartSession"

	query := `
		UPDATE route_sessions
		SET status = 'in_progress', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'scheduled'
	`
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.sessionStateError(ctx, op, id, models.SessionStatusInProgress)
	}
	return nil
}

// FinishSession завершает или отменяет сессию
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, to models.SessionStatus, at time.Time) error {
	const op = "postgres.FinishSession"

	var from []string
	for _, status := range []models.SessionStatus{
		models.SessionStatusScheduled, models.SessionStatusInProgress,
	} {
		if models.CanTransitionSession(status, to) {
			from = append(from, string(status))
		}
	}
	if !to.IsFinal() || len(from) == 0 {
		return apperr.Errorf(op, apperr.ErrInvalidState, "%s is not a final session status", to)
	}

	query := `
		UPDATE route_sessions
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
	`
	res, err := s.db.ExecContext(ctx, query, id, to, at, pq.Array(from))
	if err != nil {
		return apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.sessionStateError(ctx, op, id, to)
	}
	return nil
}

// UpdateSessionPosition обновляет текущую позицию, если отметка новее
func (s *Store) UpdateSessionPosition(ctx context.Context, id uuid.UUID, lat, lon float64, at time.Time) error {
	const op = "postgres.UpdateSessionPosition"

	query := `
		UPDATE route_sessions
		SET current_lat = $2, current_lon = $3, last_position_at = $4
		WHERE id = $1 AND (last_position_at IS NULL OR last_position_at <= $4)
	`
	res, err := s.db.ExecContext(ctx, query, id, lat, lon, at)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		found, err := exists(ctx, s.db, "route_sessions", id)
		if err != nil {
			return apperr.FromDB(op, err)
		}
		if !found {
			return apperr.Errorf(op, apperr.ErrNotFound, "session %s", id)
		}
	}
	return nil
}

// TransitionStop меняет статус остановки, если он всё ещё равен from
func (s *Store) TransitionStop(ctx context.Context, stopID uuid.UUID, from, to models.StopStatus, at time.Time) (bool, error) {
	const op = "postgres.TransitionStop"
	if !models.CanTransitionStop(from, to) {
		return false, apperr.Errorf(op, apperr.ErrInvalidState, "%s -> %s", from, to)
	}

	query := `
		UPDATE route_stops
		SET status = $3,
		    updated_at = $4,
		    arrived_at = CASE WHEN $5 THEN $4 ELSE arrived_at END,
		    resolved_at = CASE WHEN $6 THEN $4 ELSE resolved_at END
		WHERE id = $1 AND status = $2
	`
	res, err := s.db.ExecContext(ctx, query, stopID, from, to, at,
		to == models.StopStatusArrived, to.IsResolved())
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	found, err := exists(ctx, s.db, "route_stops", stopID)
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if !found {
		return false, apperr.Errorf(op, apperr.ErrNotFound, "stop %s", stopID)
	}
	return false, nil
}

// ReorderStops присваивает остановкам порядок по списку stopIDs. Остановки
// из списка занимают те же номера, что и раньше, в новом порядке.
func (s *Store) ReorderStops(ctx context.Context, sessionID uuid.UUID, stopIDs []uuid.UUID) error {
	const op = "postgres.ReorderStops"

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var status models.SessionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM route_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
		if err != nil {
			return err
		}
		if status.IsFinal() {
			return apperr.Errorf(op, apperr.ErrInvalidState, "session %s is %s", sessionID, status)
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, stop_order FROM route_stops WHERE session_id = $1`, sessionID)
		if err != nil {
			return err
		}
		current := make(map[uuid.UUID]int)
		for rows.Next() {
			var (
				id    uuid.UUID
				order int
			)
			if err := rows.Scan(&id, &order); err != nil {
				rows.Close()
				return err
			}
			current[id] = order
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		orders := make([]int, 0, len(stopIDs))
		for _, id := range stopIDs {
			order, ok := current[id]
			if !ok {
				return apperr.Errorf(op, apperr.ErrInvalidArgument, "stop %s does not belong to session %s", id, sessionID)
			}
			orders = append(orders, order)
		}
		sort.Ints(orders)

		// уникальность (session_id, stop_order) проверяется при коммите
		for i, id := range stopIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE route_stops SET stop_order = $2 WHERE id = $1`, id, orders[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return apperr.FromDB(op, err)
}

// StopRecipients опекуны учеников остановки
func (s *Store) StopRecipients(ctx context.Context, stopID uuid.UUID) ([]string, error) {
	const op = "postgres.StopRecipients"

	found, err := exists(ctx, s.db, "route_stops", stopID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	if !found {
		return nil, apperr.Errorf(op, apperr.ErrNotFound, "stop %s", stopID)
	}

	query := `
		SELECT DISTINCT g.guardian_id::text
		FROM stop_students ss
		JOIN student_guardians g ON g.student_id = ss.student_id
		WHERE ss.stop_id = $1
		ORDER BY 1
	`
	rows, err := s.db.QueryContext(ctx, query, stopID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	recipients := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.FromDB(op, err)
		}
		recipients = append(recipients, id)
	}
	return recipients, apperr.FromDB(op, rows.Err())
}

// LinkGuardian связывает ученика с опекуном
func (s *Store) LinkGuardian(ctx context.Context, studentID, guardianID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO student_guardians (student_id, guardian_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		studentID, guardianID)
	return apperr.FromDB("postgres.LinkGuardian", err)
}
