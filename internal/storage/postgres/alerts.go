package postgres

import (
	"context"
	"fmt"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const alertColumns = `
	id, distressed_driver_id, session_id, source, status, lat, lon, responding_driver_id,
	nearby_driver_ids::text[], resolved_by, broadcast_at, triggered_at, responded_at, resolved_at`

func scanAlert(row rowScanner) (*models.DistressAlert, error) {
	var (
		alert  models.DistressAlert
		nearby pq.StringArray
	)
	err := row.Scan(
		&alert.ID, &alert.DistressedDriverID, &alert.SessionID, &alert.Source, &alert.Status,
		&alert.Lat, &alert.Lon, &alert.RespondingDriverID, &nearby, &alert.ResolvedBy,
		&alert.BroadcastAt, &alert.TriggeredAt, &alert.RespondedAt, &alert.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if alert.NearbyDriverIDs, err = parseUUIDs(nearby); err != nil {
		return nil, err
	}
	return &alert, nil
}

// CreateAlert сохраняет тревогу. Вторая открытая тревога водителя
// отсекается частичным уникальным индексом distress_alerts_one_open.
func (s *Store) CreateAlert(ctx context.Context, alert *models.DistressAlert) error {
	query := `
		INSERT INTO distress_alerts (id, distressed_driver_id, session_id, source, status, lat, lon, nearby_driver_ids, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::uuid[], $9)
	`
	_, err := s.db.ExecContext(ctx, query, alert.ID, alert.DistressedDriverID, alert.SessionID, alert.Source,
		alert.Status, alert.Lat, alert.Lon, pq.Array(uuidStrings(alert.NearbyDriverIDs)), alert.TriggeredAt)
	return apperr.FromDB("postgres.CreateAlert", err)
}

// GetAlert возвращает тревогу по ID
func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*models.DistressAlert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM distress_alerts WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.FromDB("postgres.GetAlert", err)
	}
	return alert, nil
}

// FindOpenAlert возвращает открытую тревогу водителя
func (s *Store) FindOpenAlert(ctx context.Context, driverID uuid.UUID) (*models.DistressAlert, error) {
	query := `SELECT ` + alertColumns + `
		FROM distress_alerts
		WHERE distressed_driver_id = $1 AND status IN ('pending', 'responded')`
	alert, err := scanAlert(s.db.QueryRowContext(ctx, query, driverID))
	if err != nil {
		return nil, apperr.FromDB("postgres.FindOpenAlert", err)
	}
	return alert, nil
}

// AddAlertNearby добавляет водителей к множеству оповещённых одним UPDATE
// и возвращает итоговое множество
func (s *Store) AddAlertNearby(ctx context.Context, id uuid.UUID, driverIDs []uuid.UUID) ([]uuid.UUID, error) {
	const op = "postgres.AddAlertNearby"

	query := `
		UPDATE distress_alerts
		SET nearby_driver_ids = ARRAY(SELECT DISTINCT unnest(nearby_driver_ids || $2::uuid[]))
		WHERE id = $1
		RETURNING nearby_driver_ids::text[]
	`
	var merged pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id, pq.Array(uuidStrings(driverIDs))).Scan(&merged)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	ids, err := parseUUIDs(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

// MarkAlertBroadcast отмечает первую рассылку; true только у одного вызова
func (s *Store) MarkAlertBroadcast(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	const op = "postgres.MarkAlertBroadcast"

	res, err := s.db.ExecContext(ctx, `UPDATE distress_alerts SET broadcast_at = $2 WHERE id = $1 AND broadcast_at IS NULL`, id, at)
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	found, err := exists(ctx, s.db, "distress_alerts", id)
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if !found {
		return false, apperr.Errorf(op, apperr.ErrNotFound, "alert %s", id)
	}
	return false, nil
}

// MarkAlertResponded pending → responded
func (s *Store) MarkAlertResponded(ctx context.Context, id, responderID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE distress_alerts
		SET status = 'responded', responding_driver_id = $2, responded_at = $3
		WHERE id = $1 AND status = 'pending'
	`
	return s.casAlert(ctx, "postgres.MarkAlertResponded", query, id, responderID, at)
}

// MarkAlertResolved pending|responded → resolved
func (s *Store) MarkAlertResolved(ctx context.Context, id, resolverID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE distress_alerts
		SET status = 'resolved', resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND status IN ('pending', 'responded')
	`
	return s.casAlert(ctx, "postgres.MarkAlertResolved", query, id, resolverID, at)
}

func (s *Store) casAlert(ctx context.Context, op, query string, id, actorID uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, id, actorID, at)
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	found, err := exists(ctx, s.db, "distress_alerts", id)
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	if !found {
		return false, apperr.Errorf(op, apperr.ErrNotFound, "alert %s", id)
	}
	return false, nil
}
