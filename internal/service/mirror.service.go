package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"club-dues/internal/domain"
	"club-dues/internal/repo"

	"go.uber.org/zap"
)

const defaultMirrorAttempts = 5

var errMirrorContention = errors.New("account mirror write kept losing to concurrent writers")

// AccountMirror applies registry events to the local account mirror.
//
// Each user is ABSENT or PRESENT(version). Events at a version lower than the
// stored one are superseded and dropped. A deletion leaves a tombstone at its
// version so a late AccountCreated cannot bring the user back; on equal
// versions the deletion wins.
type AccountMirror struct {
	accounts    repo.AccountRepo
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewAccountMirror(accounts repo.AccountRepo, logger *zap.Logger) *AccountMirror {
	return &AccountMirror{
		accounts:    accounts,
		logger:      logger,
		maxAttempts: defaultMirrorAttempts,
		now:         time.Now,
	}
}

// Apply is idempotent. Superseded events are logged and reported as success so
// the consumer acknowledges them.
func (m *AccountMirror) Apply(ctx context.Context, ev domain.IdentityEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	log := m.logger.With(
		zap.String("event_type", string(ev.Type)),
		zap.String("user_id", ev.UserID),
		zap.Int64("version", ev.Version),
	)

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		done, err := m.applyOnce(ctx, ev)
		if errors.Is(err, domain.ErrSuperseded) {
			log.Info("identity event discarded", zap.Error(err))
			return nil
		}
		if err != nil {
			return fmt.Errorf("apply %s for user %s: %w", ev.Type, ev.UserID, err)
		}
		if done {
			return nil
		}
		log.Debug("mirror CAS lost, retrying", zap.Int("attempt", attempt))
	}
	return fmt.Errorf("user %s: %w", ev.UserID, errMirrorContention)
}

// applyOnce returns false when a conditional write lost to a concurrent writer.
func (m *AccountMirror) applyOnce(ctx context.Context, ev domain.IdentityEvent) (bool, error) {
	cur, err := m.accounts.Get(ctx, ev.UserID)
	if err != nil {
		return false, err
	}

	switch ev.Type {
	case domain.EventAccountCreated:
		return m.applyCreated(ctx, ev, cur)
	case domain.EventAccountDeleted:
		return m.applyDeleted(ctx, ev, cur)
	}
	return false, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidRequest, ev.Type)
}

func (m *AccountMirror) applyCreated(ctx context.Context, ev domain.IdentityEvent, cur *domain.Account) (bool, error) {
	next, err := ev.Account()
	if err != nil {
		return false, err
	}

	switch {
	case cur == nil:
		return m.accounts.Insert(ctx, next)
	case cur.Deleted():
		if ev.Version <= cur.Version {
			return false, fmt.Errorf("%w: created v%d after deletion v%d", domain.ErrSuperseded, ev.Version, cur.Version)
		}
		// the registry re-created the user after the deletion we saw
		return m.accounts.CompareAndSwap(ctx, next, cur.Version)
	case ev.Version < cur.Version:
		return false, fmt.Errorf("%w: v%d < stored v%d", domain.ErrSuperseded, ev.Version, cur.Version)
	case cur.SameProfile(next):
		return true, nil
	default:
		next.Version = max(ev.Version, cur.Version+1)
		return m.accounts.CompareAndSwap(ctx, next, cur.Version)
	}
}

func (m *AccountMirror) applyDeleted(ctx context.Context, ev domain.IdentityEvent, cur *domain.Account) (bool, error) {
	now := m.now().UTC()
	tombstone := &domain.Account{UserID: ev.UserID, Version: ev.Version, DeletedAt: &now}

	switch {
	case cur == nil:
		return m.accounts.Insert(ctx, tombstone)
	case ev.Version < cur.Version:
		return false, fmt.Errorf("%w: v%d < stored v%d", domain.ErrSuperseded, ev.Version, cur.Version)
	case cur.Deleted():
		return true, nil
	default:
		tombstone.Version = max(ev.Version, cur.Version+1)
		tombstone.RegisteredAt = cur.RegisteredAt
		return m.accounts.CompareAndSwap(ctx, tombstone, cur.Version)
	}
}
