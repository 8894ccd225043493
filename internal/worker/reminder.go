package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"club-dues/internal/billing"
	"club-dues/internal/domain"
	"club-dues/internal/metrics"
	"club-dues/internal/repo"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var ErrRunInProgress = errors.New("reminder run already in progress")

type MemberSource interface {
	ListActive(ctx context.Context, afterUserID string, limit int) ([]domain.Account, error)
	FindActive(ctx context.Context, userID string) (*domain.Account, error)
}

type PaidPeriodSource interface {
	PaidPeriods(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Period, error)
}

type ReminderPublisher interface {
	PublishDebtReminder(ctx context.Context, ev domain.DebtReminder) error
}

type RunReport struct {
	Scanned     int
	Reminded    int
	NothingOwed int
	AlreadySent int
	Failed      int
}

// ReminderScheduler sends one DebtReminder per owing member per month. It
// reads the mirror and the ledger; its only writes are to the reminder log.
type ReminderScheduler struct {
	members   MemberSource
	paid      PaidPeriodSource
	sent      repo.ReminderLogRepo
	publisher ReminderPublisher
	calc      *billing.Calculator
	logger    *zap.Logger
	pageSize  int

	mu sync.Mutex
}

func NewReminderScheduler(
	members MemberSource,
	paid PaidPeriodSource,
	sent repo.ReminderLogRepo,
	publisher ReminderPublisher,
	calc *billing.Calculator,
	logger *zap.Logger,
) *ReminderScheduler {
	return &ReminderScheduler{
		members:   members,
		paid:      paid,
		sent:      sent,
		publisher: publisher,
		calc:      calc,
		logger:    logger,
		pageSize:  200,
	}
}

// Run schedules RunOnce on spec (standard 5-field cron) and blocks until ctx is done.
func (s *ReminderScheduler) Run(ctx context.Context, spec string) error {
	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("reminder run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("reminder schedule %q: %w", spec, err)
	}

	c.Start()
	s.logger.Info("reminder scheduler started", zap.String("schedule", spec))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *ReminderScheduler) RunOnce(ctx context.Context) (RunReport, error) {
	var report RunReport
	if !s.mu.TryLock() {
		return report, ErrRunInProgress
	}
	defer s.mu.Unlock()

	cycle := domain.PeriodOf(s.calc.Now())
	log := s.logger.With(zap.Stringer("cycle", cycle))
	log.Info("reminder run started")

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.members.ListActive(ctx, after, s.pageSize)
		if err != nil {
			return report, fmt.Errorf("list members: %w", err)
		}
		for _, m := range page {
			report.Scanned++
			s.remind(ctx, m.UserID, cycle, &report, log)
		}
		if len(page) < s.pageSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	log.Info("reminder run finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("reminded", report.Reminded),
		zap.Int("nothing_owed", report.NothingOwed),
		zap.Int("already_sent", report.AlreadySent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *ReminderScheduler) remind(ctx context.Context, userID string, cycle domain.Period, report *RunReport, log *zap.Logger) {
	log = log.With(zap.String("user_id", userID))

	member, err := s.members.FindActive(ctx, userID)
	if err != nil {
		report.Failed++
		log.Error("failed to resolve member", zap.Error(err))
		return
	}
	if member == nil {
		// deleted since the page was read
		report.NothingOwed++
		return
	}

	paid, err := s.paid.PaidPeriods(ctx, nil, userID)
	if err != nil {
		report.Failed++
		log.Error("failed to load paid periods", zap.Error(err))
		return
	}
	snap := s.calc.Snapshot(member, paid)
	if len(snap.Months) == 0 {
		report.NothingOwed++
		return
	}

	claimed, err := s.sent.Claim(ctx, userID, cycle)
	if err != nil {
		report.Failed++
		log.Error("failed to claim reminder", zap.Error(err))
		return
	}
	if !claimed {
		report.AlreadySent++
		return
	}

	err = s.publisher.PublishDebtReminder(ctx, domain.DebtReminder{
		Type:       domain.EventDebtReminder,
		UserID:     userID,
		Email:      member.Email,
		MonthlyFee: snap.MonthlyFee,
		Total:      snap.Total,
		Months:     snap.Months,
	})
	if err != nil {
		report.Failed++
		log.Error("failed to publish reminder", zap.Error(err))
		if rerr := s.sent.Release(ctx, userID, cycle); rerr != nil {
			log.Error("failed to release reminder claim", zap.Error(rerr))
		}
		return
	}

	report.Reminded++
	metrics.RemindersSent.Inc()
	log.Info("debt reminder sent", zap.Int("months", len(snap.Months)), zap.String("total", snap.Total.StringFixed(2)))
}

// cronLogger routes cron's logr-style calls to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
