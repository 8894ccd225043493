package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"club-dues/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// ErrPeriodAlreadyPaid is returned when flipping items to PAID would break the
// one-paid-item-per-(user, period) index.
var ErrPeriodAlreadyPaid = fmt.Errorf("%w: billing period already paid", domain.ErrInvalidRequest)

type PaymentRepo interface {
	// LockUser serializes ledger writes for one member until tx ends.
	LockUser(ctx context.Context, tx *sql.Tx, userID string) error
	// tx may be nil for reads outside a transaction.
	PaidPeriods(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Period, error)
	CreatePayment(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	AssignProviderOrderID(ctx context.Context, paymentID uuid.UUID, providerOrderID string) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Payment, error)
	// MarkPaid and MarkFailed only move PENDING payments; false means another writer got there first.
	MarkPaid(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID, paidAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID) (bool, error)
	FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) conn(tx *sql.Tx) querier {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *paymentRepo) LockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID)
	return err
}

func (r *paymentRepo) PaidPeriods(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Period, error) {
	rows, err := r.conn(tx).QueryContext(ctx,
		`SELECT period FROM payment_items WHERE user_id = $1 AND status = $2 ORDER BY period`,
		userID, domain.PaymentPaid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []domain.Period
	for rows.Next() {
		var p domain.Period
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (r *paymentRepo) CreatePayment(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments (id, user_id, provider, provider_order_id, currency, total, status, created_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payment.ID, payment.UserID, payment.Provider, nullString(payment.ProviderOrderID),
		payment.Currency, payment.Total, payment.Status, payment.CreatedAt, payment.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	for _, it := range payment.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO payment_items (id, payment_id, user_id, period, amount, status) VALUES ($1, $2, $3, $4, $5, $6)`,
			it.ID, it.PaymentID, it.UserID, it.Period, it.Amount, it.Status,
		)
		if err != nil {
			return fmt.Errorf("insert payment item %s: %w", it.Period, mapUniqueViolation(err, ErrPeriodAlreadyPaid))
		}
	}
	return nil
}

func (r *paymentRepo) AssignProviderOrderID(ctx context.Context, paymentID uuid.UUID, providerOrderID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET provider_order_id = $2
		 WHERE id = $1 AND (provider_order_id IS NULL OR provider_order_id = $2)`,
		paymentID, providerOrderID,
	)
	if err != nil {
		return mapUniqueViolation(err, domain.ErrAlreadyAssigned)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("payment %s: %w", paymentID, domain.ErrNotFound)
	}
	return fmt.Errorf("payment %s: %w", paymentID, domain.ErrAlreadyAssigned)
}

const selectPayment = `
SELECT p.id, p.user_id, p.provider, p.provider_order_id, p.currency, p.total, p.status, p.created_at, p.paid_at,
       i.id, i.period, i.amount, i.status
FROM payments p
JOIN payment_items i ON i.payment_id = p.id
`

func (r *paymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.findOne(ctx, selectPayment+`WHERE p.id = $1 ORDER BY i.period`, id)
}

func (r *paymentRepo) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.Payment, error) {
	return r.findOne(ctx, selectPayment+`WHERE p.provider_order_id = $1 ORDER BY i.period`, providerOrderID)
}

func (r *paymentRepo) ListByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	return r.query(ctx, selectPayment+`WHERE p.user_id = $1 ORDER BY p.created_at DESC, p.id, i.period`, userID)
}

func (r *paymentRepo) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	return r.query(ctx,
		selectPayment+`WHERE p.id IN (
			SELECT id FROM payments WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3
		) ORDER BY p.created_at, p.id, i.period`,
		domain.PaymentPending, before, limit,
	)
}

func (r *paymentRepo) MarkPaid(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID, paidAt time.Time) (bool, error) {
	return r.transition(ctx, tx, paymentID, domain.PaymentPaid, &paidAt)
}

func (r *paymentRepo) MarkFailed(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID) (bool, error) {
	return r.transition(ctx, tx, paymentID, domain.PaymentFailed, nil)
}

func (r *paymentRepo) transition(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID, status domain.PaymentStatus, paidAt *time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $2, paid_at = $3 WHERE id = $1 AND status = $4`,
		paymentID, status, paidAt, domain.PaymentPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE payment_items SET status = $2 WHERE payment_id = $1`,
		paymentID, status,
	); err != nil {
		return false, mapUniqueViolation(err, ErrPeriodAlreadyPaid)
	}
	return true, nil
}

func (r *paymentRepo) findOne(ctx context.Context, query string, args ...any) (*domain.Payment, error) {
	payments, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil // not found
	}
	return &payments[0], nil
}

// query folds the payment/item join into aggregates, preserving row order.
func (r *paymentRepo) query(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var (
			p       domain.Payment
			it      domain.PaymentItem
			orderID sql.NullString
			paidAt  sql.NullTime
		)
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.Provider,
			&orderID,
			&p.Currency,
			&p.Total,
			&p.Status,
			&p.CreatedAt,
			&paidAt,
			&it.ID,
			&it.Period,
			&it.Amount,
			&it.Status,
		); err != nil {
			return nil, err
		}

		pos, seen := index[p.ID]
		if !seen {
			p.ProviderOrderID = orderID.String
			if paidAt.Valid {
				t := paidAt.Time
				p.PaidAt = &t
			}
			payments = append(payments, p)
			pos = len(payments) - 1
			index[p.ID] = pos
		}
		it.PaymentID = p.ID
		it.UserID = p.UserID
		payments[pos].Items = append(payments[pos].Items, it)
	}
	return payments, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapUniqueViolation(err, to error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", to, pgErr.ConstraintName)
	}
	return err
}
