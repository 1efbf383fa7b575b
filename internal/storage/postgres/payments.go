package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"schoolbus-tracking/internal/apperr"
	"schoolbus-tracking/internal/models"

	"github.com/google/uuid"
)

const paymentColumns = `
	id, idempotency_key, amount, currency, status, refunded_amount, provider_id, checkout_url,
	payer_id, payee_driver_id, description, created_at, updated_at`

// errKeyTaken параллельный запрос успел закрепить ключ идемпотентности
var errKeyTaken = errors.New("idempotency key taken concurrently")

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.Amount, &p.Currency, &p.Status, &p.RefundedAmount,
		&p.ProviderID, &p.CheckoutURL, &p.PayerID, &p.PayeeDriverID, &p.Description,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func insertTransaction(ctx context.Context, q querier, txn models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (id, payment_id, kind, from_status, to_status, amount, applied, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.ExecContext(ctx, query, txn.ID, txn.PaymentID, txn.Kind, txn.FromStatus, txn.ToStatus,
		txn.Amount, txn.Applied, nullableJSON(txn.RawPayload), txn.CreatedAt)
	return err
}

// CreatePaymentIdempotent создает платеж, если для ключа нет действующей
// записи; иначе возвращает закешированный результат (replayed=true).
// Запись ключа и платеж фиксируются одной транзакцией.
func (s *Store) CreatePaymentIdempotent(ctx context.Context, p *models.Payment, expiresAt, now time.Time) (*models.Payment, bool, error) {
	const op = "postgres.CreatePaymentIdempotent"

	created, replayed, err := s.createPaymentIdempotent(ctx, p, expiresAt, now)
	if errors.Is(err, errKeyTaken) {
		// проигравший гонку читает результат победителя
		created, replayed, err = s.createPaymentIdempotent(ctx, p, expiresAt, now)
	}
	if err != nil {
		return nil, false, apperr.FromDB(op, err)
	}
	return created, replayed, nil
}

func (s *Store) createPaymentIdempotent(ctx context.Context, p *models.Payment, expiresAt, now time.Time) (*models.Payment, bool, error) {
	var (
		result   *models.Payment
		replayed bool
	)

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			cached  []byte
			expires time.Time
		)
		err := tx.QueryRowContext(ctx,
			`SELECT cached_result, expires_at FROM idempotency_keys WHERE key = $1 FOR UPDATE`,
			p.IdempotencyKey).Scan(&cached, &expires)
		switch {
		case err == nil && now.Before(expires):
			var payment models.Payment
			if err := json.Unmarshal(cached, &payment); err != nil {
				return err
			}
			result, replayed = &payment, true
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		query := `
			INSERT INTO payments (id, idempotency_key, amount, currency, status, refunded_amount, payer_id,
			                      payee_driver_id, description, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
		`
		if _, err := tx.ExecContext(ctx, query, p.ID, p.IdempotencyKey, p.Amount, p.Currency, p.Status,
			p.PayerID, p.PayeeDriverID, p.Description, p.CreatedAt); err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, models.PaymentTransaction{
			ID:        uuid.New(),
			PaymentID: p.ID,
			Kind:      models.TransactionKindCreate,
			ToStatus:  p.Status,
			Amount:    p.Amount,
			Applied:   true,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		snapshot, err := json.Marshal(p)
		if err != nil {
			return err
		}

		// просроченная запись перезаписывается, действующая - нет
		keyQuery := `
			INSERT INTO idempotency_keys (key, payment_id, cached_result, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE
			SET payment_id = EXCLUDED.payment_id,
			    cached_result = EXCLUDED.cached_result,
			    expires_at = EXCLUDED.expires_at,
			    created_at = EXCLUDED.created_at
			WHERE idempotency_keys.expires_at <= $5
			RETURNING key
		`
		var key string
		err = tx.QueryRowContext(ctx, keyQuery, p.IdempotencyKey, p.ID, string(snapshot), expiresAt, now).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return errKeyTaken
		}
		if err != nil {
			return err
		}

		stored := *p
		result = &stored
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, replayed, nil
}

// GetPayment возвращает платеж по ID
func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, apperr.FromDB("postgres.GetPayment", err)
	}
	return p, nil
}

// FindPaymentByProvider ищет платеж по идентификатору провайдера
func (s *Store) FindPaymentByProvider(ctx context.Context, providerID string) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_id = $1`, providerID))
	if err != nil {
		return nil, apperr.FromDB("postgres.FindPaymentByProvider", err)
	}
	return p, nil
}

// SetPaymentProvider привязывает платеж к платёжной странице провайдера
func (s *Store) SetPaymentProvider(ctx context.Context, id uuid.UUID, providerID, checkoutURL string) error {
	const op = "postgres.SetPaymentProvider"

	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET provider_id = $2, checkout_url = $3, updated_at = NOW() WHERE id = $1`,
		id, providerID, checkoutURL)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Errorf(op, apperr.ErrNotFound, "payment %s", id)
	}
	return nil
}

// UpdatePaymentStatus условно меняет статус и сумму возврата и пишет
// запись журнала в той же транзакции. false: платеж изменился раньше.
func (s *Store) UpdatePaymentStatus(ctx context.Context, upd models.PaymentUpdate) (bool, error) {
	const op = "postgres.UpdatePaymentStatus"

	var applied bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE payments
			SET status = $4, refunded_amount = $5, updated_at = $6
			WHERE id = $1 AND status = $2 AND refunded_amount = $3
		`
		res, err := tx.ExecContext(ctx, query, upd.PaymentID, upd.FromStatus, upd.FromRefunded,
			upd.ToStatus, upd.ToRefunded, upd.At)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			found, err := exists(ctx, tx, "payments", upd.PaymentID)
			if err != nil {
				return err
			}
			if !found {
				return apperr.Errorf(op, apperr.ErrNotFound, "payment %s", upd.PaymentID)
			}
			return nil
		}

		applied = true
		return insertTransaction(ctx, tx, upd.Transaction)
	})
	if err != nil {
		return false, apperr.FromDB(op, err)
	}
	return applied, nil
}

// AppendPaymentTransaction добавляет запись в журнал платежа
func (s *Store) AppendPaymentTransaction(ctx context.Context, txn models.PaymentTransaction) error {
	return apperr.FromDB("postgres.AppendPaymentTransaction", insertTransaction(ctx, s.db, txn))
}

// ListPaymentTransactions журнал платежа в порядке записи
func (s *Store) ListPaymentTransactions(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentTransaction, error) {
	const op = "postgres.ListPaymentTransactions"

	query := `
		SELECT id, payment_id, kind, from_status, to_status, amount, applied, raw_payload, created_at
		FROM payment_transactions
		WHERE payment_id = $1
		ORDER BY created_at, seq
	`
	rows, err := s.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer rows.Close()

	txns := make([]models.PaymentTransaction, 0)
	for rows.Next() {
		var (
			txn models.PaymentTransaction
			raw []byte
		)
		if err := rows.Scan(&txn.ID, &txn.PaymentID, &txn.Kind, &txn.FromStatus, &txn.ToStatus,
			&txn.Amount, &txn.Applied, &raw, &txn.CreatedAt); err != nil {
			return nil, apperr.FromDB(op, err)
		}
		if len(raw) > 0 {
			txn.RawPayload = json.RawMessage(raw)
		}
		txns = append(txns, txn)
	}
	return txns, apperr.FromDB(op, rows.Err())
}
