package postgres

import (
	"context"
	"database/sql"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

// AppendPosition добавляет отметку в журнал
func (s *Store) AppendPosition(ctx context.Context, pos models.Position) error {
	query := `
		INSERT INTO position_log (driver_id, session_id, lat, lon, speed, heading, accuracy, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query, pos.DriverID, pos.SessionID, pos.Lat, pos.Lon,
		pos.Speed, pos.Heading, pos.Accuracy, pos.RecordedAt)
	return apperr.FromDB("postgres.AppendPosition", err)
}

// RecentPositions последние отметки водителя, новые первыми
func (s *Store) RecentPositions(ctx context.Context, driverID uuid.UUID, limit int) ([]models.Position, error) {
	const op = "postgres.RecentPositions"

	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	query := `
		SELECT driver_id, session_id, lat, lon, speed, heading, accuracy, recorded_at
		FROM position_log
		WHERE driver_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, driverID, lim)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	positions := make([]models.Position, 0)
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.DriverID, &p.SessionID, &p.Lat, &p.Lon, &p.Speed, &p.Heading, &p.Accuracy, &p.RecordedAt); err != nil {
			return nil, apperr.FromDB(op, err)
		}
		positions = append(positions, p)
	}
	return positions, apperr.FromDB(op, rows.Err())
}
