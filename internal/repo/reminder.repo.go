package repo

import (
	"context"
	"database/sql"

	"club-dues/internal/domain"
)

// ReminderLogRepo records which members were reminded in which cycle so a
// restarted or second scheduler instance does not remind twice.
type ReminderLogRepo interface {
	Claim(ctx context.Context, userID string, cycle domain.Period) (bool, error)
	Release(ctx context.Context, userID string, cycle domain.Period) error
}

type reminderLogRepo struct {
	db *sql.DB
}

func NewReminderLogRepo(db *sql.DB) ReminderLogRepo {
	return &reminderLogRepo{db: db}
}

func (r *reminderLogRepo) Claim(ctx context.Context, userID string, cycle domain.Period) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO reminder_log (user_id, cycle) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, cycle,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *reminderLogRepo) Release(ctx context.Context, userID string, cycle domain.Period) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reminder_log WHERE user_id = $1 AND cycle = $2`, userID, cycle)
	return err
}
