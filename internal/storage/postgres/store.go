// Package postgres реализует доменное хранилище на PostgreSQL (lib/pq).
// Инварианты "не больше одного" держатся на уникальных индексах схемы,
// переходы состояний выполняются условным UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"schoolbus-tracking/internal/database"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/storage"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ storage.Store = (*Store)(nil)

// querier общий интерфейс *sql.DB и *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store хранилище на PostgreSQL
type Store struct {
	db  *database.DB
	log *logger.Logger
}

// New создает хранилище
func New(db *database.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log}
}

// Ping проверяет соединение с базой
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(values pq.StringArray) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", v, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// nullableJSON передает JSON строкой: lib/pq кодирует []byte как bytea
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// exists проверяет наличие строки, чтобы отличить "не найдено" от
// проигранного compare-and-set
func exists(ctx context.Context, q querier, table string, id uuid.UUID) (bool, error) {
	var found bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&found)
	return found, err
}
