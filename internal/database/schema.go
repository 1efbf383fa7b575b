package database

import (
	"context"
	"fmt"
)

// migrations применяются по порядку; каждая идемпотентна
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS route_sessions (
		id               UUID PRIMARY KEY,
		route_id         UUID NOT NULL,
		driver_id        UUID NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('scheduled','in_progress','completed','cancelled')),
		service_date     DATE NOT NULL,
		current_lat      DOUBLE PRECISION,
		current_lon      DOUBLE PRECISION,
		last_position_at TIMESTAMPTZ,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS route_sessions_one_in_progress
		ON route_sessions (driver_id, service_date) WHERE status = 'in_progress'`,
	`CREATE INDEX IF NOT EXISTS route_sessions_status ON route_sessions (status)`,
	`CREATE TABLE IF NOT EXISTS route_stops (
		id                UUID PRIMARY KEY,
		session_id        UUID NOT NULL REFERENCES route_sessions(id) ON DELETE CASCADE,
		stop_order        INT NOT NULL,
		name              TEXT NOT NULL DEFAULT '',
		lat               DOUBLE PRECISION NOT NULL CHECK (lat BETWEEN -90 AND 90),
		lon               DOUBLE PRECISION NOT NULL CHECK (lon BETWEEN -180 AND 180),
		geofence_radius_m DOUBLE PRECISION NOT NULL CHECK (geofence_radius_m > 0),
		kind              TEXT NOT NULL DEFAULT 'pickup',
		status            TEXT NOT NULL DEFAULT 'pending',
		arrived_at        TIMESTAMPTZ,
		resolved_at       TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (session_id, stop_order) DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE TABLE IF NOT EXISTS stop_students (
		stop_id    UUID NOT NULL REFERENCES route_stops(id) ON DELETE CASCADE,
		student_id UUID NOT NULL,
		PRIMARY KEY (stop_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS student_guardians (
		student_id  UUID NOT NULL,
		guardian_id UUID NOT NULL,
		PRIMARY KEY (student_id, guardian_id)
	)`,
	`CREATE TABLE IF NOT EXISTS position_log (
		id          BIGSERIAL PRIMARY KEY,
		driver_id   UUID NOT NULL,
		session_id  UUID,
		lat         DOUBLE PRECISION NOT NULL,
		lon         DOUBLE PRECISION NOT NULL,
		speed       DOUBLE PRECISION,
		heading     DOUBLE PRECISION,
		accuracy    DOUBLE PRECISION,
		recorded_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS position_log_driver_time ON position_log (driver_id, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS distress_alerts (
		id                   UUID PRIMARY KEY,
		distressed_driver_id UUID NOT NULL,
		session_id           UUID,
		source               TEXT NOT NULL,
		status               TEXT NOT NULL CHECK (status IN ('pending','responded','resolved')),
		lat                  DOUBLE PRECISION NOT NULL,
		lon                  DOUBLE PRECISION NOT NULL,
		responding_driver_id UUID,
		nearby_driver_ids    UUID[] NOT NULL DEFAULT '{}',
		resolved_by          UUID,
		broadcast_at         TIMESTAMPTZ,
		triggered_at         TIMESTAMPTZ NOT NULL,
		responded_at         TIMESTAMPTZ,
		resolved_at          TIMESTAMPTZ
	)`,
	`ALTER TABLE distress_alerts ADD COLUMN IF NOT EXISTS broadcast_at TIMESTAMPTZ`,
	`CREATE UNIQUE INDEX IF NOT EXISTS distress_alerts_one_open
		ON distress_alerts (distressed_driver_id) WHERE status IN ('pending','responded')`,
	`CREATE TABLE IF NOT EXISTS payments (
		id              UUID PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		amount          BIGINT NOT NULL CHECK (amount > 0),
		currency        TEXT NOT NULL,
		status          TEXT NOT NULL,
		refunded_amount BIGINT NOT NULL DEFAULT 0,
		provider_id     TEXT UNIQUE,
		checkout_url    TEXT,
		payer_id        UUID NOT NULL,
		payee_driver_id UUID,
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (refunded_amount >= 0 AND refunded_amount <= amount)
	)`,
	`CREATE INDEX IF NOT EXISTS payments_idempotency_key ON payments (idempotency_key)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		seq         BIGSERIAL,
		id          UUID PRIMARY KEY,
		payment_id  UUID NOT NULL REFERENCES payments(id),
		kind        TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		amount      BIGINT NOT NULL DEFAULT 0,
		applied     BOOLEAN NOT NULL,
		raw_payload JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS payment_transactions_payment ON payment_transactions (payment_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key           TEXT PRIMARY KEY,
		payment_id    UUID NOT NULL REFERENCES payments(id),
		cached_result JSONB NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate создает схему, если она ещё не создана
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
