package apperr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Базовые ошибки домена. Проверяются через errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUpstream        = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
)

// Wrap добавляет имя операции к ошибке, сохраняя цепочку
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Errorf создает ошибку вида "op: detail: <kind>"
func Errorf(op string, kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s: %w", op, fmt.Sprintf(format, args...), kind)
}

// FromDB приводит ошибки database/sql и lib/pq к доменным
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Constraint, ErrConflict)
		case "23503", "23514", "22P02":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, ErrInvalidArgument)
		}
		return fmt.Errorf("%s: pg error %s: %w", op, pqErr.Code, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUniqueViolation сообщает, нарушено ли ограничение уникальности
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
