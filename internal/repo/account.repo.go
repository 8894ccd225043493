package repo

import (
	"context"
	"database/sql"
	"errors"

	"club-dues/internal/domain"
)

// AccountRepo stores the registry mirror. Every write is conditional on the
// version column so concurrent consumers cannot overwrite each other.
type AccountRepo interface {
	// Get returns the stored row, tombstones included, or nil if the user was never seen.
	Get(ctx context.Context, userID string) (*domain.Account, error)
	// FindActive returns nil for unknown and deleted users.
	FindActive(ctx context.Context, userID string) (*domain.Account, error)
	// ListActive pages through live accounts ordered by user id, starting after afterUserID.
	ListActive(ctx context.Context, afterUserID string, limit int) ([]domain.Account, error)
	// Insert returns false if a row for the user already exists.
	Insert(ctx context.Context, account *domain.Account) (bool, error)
	// CompareAndSwap overwrites the row only if it is still at expectedVersion.
	CompareAndSwap(ctx context.Context, account *domain.Account, expectedVersion int64) (bool, error)
}

type accountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

const selectAccount = `SELECT user_id, version, email, username, registered_at, club_id, club_name, rank, deleted_at FROM accounts `

func (r *accountRepo) Get(ctx context.Context, userID string) (*domain.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectAccount+`WHERE user_id = $1`, userID))
}

func (r *accountRepo) FindActive(ctx context.Context, userID string) (*domain.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectAccount+`WHERE user_id = $1 AND deleted_at IS NULL`, userID))
}

func (r *accountRepo) ListActive(ctx context.Context, afterUserID string, limit int) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		selectAccount+`WHERE deleted_at IS NULL AND user_id > $1 ORDER BY user_id LIMIT $2`,
		afterUserID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (r *accountRepo) Insert(ctx context.Context, a *domain.Account) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, version, email, username, registered_at, club_id, club_name, rank, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.Version, a.Email, a.Username, a.RegisteredAt, a.ClubID, a.ClubName, a.Rank, a.DeletedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *accountRepo) CompareAndSwap(ctx context.Context, a *domain.Account, expectedVersion int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts
		 SET version = $2, email = $3, username = $4, registered_at = $5,
		     club_id = $6, club_name = $7, rank = $8, deleted_at = $9
		 WHERE user_id = $1 AND version = $10`,
		a.UserID, a.Version, a.Email, a.Username, a.RegisteredAt, a.ClubID, a.ClubName, a.Rank, a.DeletedAt,
		expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *accountRepo) scanOne(row *sql.Row) (*domain.Account, error) {
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // not found
	}
	return a, err
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a         domain.Account
		deletedAt sql.NullTime
	)
	if err := row.Scan(
		&a.UserID,
		&a.Version,
		&a.Email,
		&a.Username,
		&a.RegisteredAt,
		&a.ClubID,
		&a.ClubName,
		&a.Rank,
		&deletedAt,
	); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}
