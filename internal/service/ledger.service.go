package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"club-dues/internal/billing"
	"club-dues/internal/database"
	"club-dues/internal/domain"
	"club-dues/internal/infrastructure/payment"
	"club-dues/internal/metrics"
	"club-dues/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type PaymentEventPublisher interface {
	PublishPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) error
}

type LedgerConfig struct {
	Provider       string
	Currency       string
	GatewayTimeout time.Duration
}

type CheckoutResult struct {
	Payment     *domain.Payment `json:"payment"`
	ApprovalURL string          `json:"approvalUrl"`
}

// Ledger owns every payment state transition. Gateway calls are made outside
// database transactions; transitions are compare-and-swap on PENDING.
type Ledger struct {
	tx        database.TxRunner
	payments  repo.PaymentRepo
	accounts  repo.AccountRepo
	gateway   payment.Gateway
	publisher PaymentEventPublisher
	calc      *billing.Calculator
	logger    *zap.Logger
	cfg       LedgerConfig
	now       func() time.Time

	captures singleflight.Group
}

func NewLedger(
	tx database.TxRunner,
	payments repo.PaymentRepo,
	accounts repo.AccountRepo,
	gateway payment.Gateway,
	publisher PaymentEventPublisher,
	calc *billing.Calculator,
	cfg LedgerConfig,
	logger *zap.Logger,
) *Ledger {
	if cfg.GatewayTimeout == 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &Ledger{
		tx:        tx,
		payments:  payments,
		accounts:  accounts,
		gateway:   gateway,
		publisher: publisher,
		calc:      calc,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CreateOrder persists a PENDING payment for the given periods. The already-paid
// check and the insert share one transaction under a per-member lock.
func (l *Ledger) CreateOrder(ctx context.Context, userID string, periods []domain.Period, currency string) (*domain.Payment, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: missing user id", domain.ErrInvalidRequest)
	}
	periods, err := normalizePeriods(periods)
	if err != nil {
		return nil, err
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = l.cfg.Currency
	}
	if currency != l.cfg.Currency {
		return nil, fmt.Errorf("%w: unsupported currency %q", domain.ErrInvalidRequest, currency)
	}

	p := domain.NewPayment(userID, l.cfg.Provider, currency, periods, l.calc.MonthlyFee, l.now())

	err = l.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		if err := l.payments.LockUser(ctx, tx, userID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		paid, err := l.payments.PaidPeriods(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("load paid periods: %w", err)
		}
		if dup, ok := firstOverlap(periods, paid); ok {
			return fmt.Errorf("%w: %s", repo.ErrPeriodAlreadyPaid, dup)
		}
		return l.payments.CreatePayment(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("user_id", userID),
		zap.Stringers("periods", periods),
		zap.String("total", p.Total.StringFixed(2)),
	)
	return p, nil
}

// RecordGatewayOrderID attaches the provider order id. Recording the same id
// again is a no-op; a different id fails with ErrAlreadyAssigned.
func (l *Ledger) RecordGatewayOrderID(ctx context.Context, p *domain.Payment, providerOrderID string) error {
	if providerOrderID == "" {
		return fmt.Errorf("%w: empty provider order id", domain.ErrInvalidRequest)
	}
	if err := l.payments.AssignProviderOrderID(ctx, p.ID, providerOrderID); err != nil {
		return err
	}
	p.ProviderOrderID = providerOrderID
	return nil
}

// Checkout creates the ledger order, opens the provider order and links them.
func (l *Ledger) Checkout(ctx context.Context, userID string, periods []domain.Period, currency string) (*CheckoutResult, error) {
	p, err := l.CreateOrder(ctx, userID, periods, currency)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	order, err := l.gateway.CreateOrder(gctx, p.Total, p.Currency, p.ID.String())
	cancel()
	if err != nil {
		// left PENDING; the reconciliation worker expires orders that never got a provider id
		l.logger.Warn("gateway create order failed", zap.String("payment_id", p.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("create provider order: %w", err)
	}

	if err := l.RecordGatewayOrderID(ctx, p, order.ID); err != nil {
		return nil, err
	}
	return &CheckoutResult{Payment: p, ApprovalURL: order.ApprovalURL}, nil
}

// Capture settles the payment behind providerOrderID. It is safe to call any
// number of times: a terminal payment is returned unchanged and only the call
// that moves the payment to PAID publishes PaymentCompleted.
func (l *Ledger) Capture(ctx context.Context, providerOrderID string) (*domain.Payment, error) {
	if providerOrderID == "" {
		return nil, fmt.Errorf("%w: empty provider order id", domain.ErrInvalidRequest)
	}
	// the flight outlives any single caller that gives up
	flightCtx := context.WithoutCancel(ctx)
	ch := l.captures.DoChan(providerOrderID, func() (any, error) {
		return l.capture(flightCtx, providerOrderID)
	})
	select {
	case res := <-ch:
		if res.Shared {
			l.logger.Debug("capture joined in-flight call", zap.String("provider_order_id", providerOrderID))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Payment), nil
	case <-ctx.Done():
		l.logger.Info("caller gave up on capture, settling in background",
			zap.String("provider_order_id", providerOrderID), zap.Error(ctx.Err()))
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: "capture_order", Err: ctx.Err()}
	}
}

func (l *Ledger) capture(ctx context.Context, providerOrderID string) (*domain.Payment, error) {
	log := l.logger.With(zap.String("provider_order_id", providerOrderID))

	p, err := l.payments.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("payment for order %s: %w", providerOrderID, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		metrics.DuplicateCaptures.Inc()
		log.Info("capture on terminal payment ignored", zap.String("status", string(p.Status)))
		return p, nil
	}
	log = log.With(zap.String("payment_id", p.ID.String()), zap.String("user_id", p.UserID))

	paid, err := l.payments.PaidPeriods(ctx, nil, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("load paid periods: %w", err)
	}
	if dup, ok := firstOverlap(p.Periods(), paid); ok {
		cur, err := l.fail(ctx, p)
		if err != nil {
			return nil, err
		}
		// the overlap was this payment, settled by a concurrent capture
		if cur.Status == domain.PaymentPaid {
			metrics.DuplicateCaptures.Inc()
			return cur, nil
		}
		log.Warn("order covers a period paid by another order, not capturing", zap.Stringer("period", dup))
		return nil, fmt.Errorf("%w: %s", repo.ErrPeriodAlreadyPaid, dup)
	}

	gctx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	settled, err := l.gateway.CaptureOrder(gctx, providerOrderID)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrGatewayRejected) {
			// a concurrent capture may have settled it while we were waiting
			if cur, ferr := l.payments.FindByID(ctx, p.ID); ferr == nil && cur != nil && cur.Status == domain.PaymentPaid {
				return cur, nil
			}
		}
		log.Warn("gateway capture failed", zap.Error(err))
		return nil, fmt.Errorf("capture order %s: %w", providerOrderID, err)
	}

	if !settled {
		log.Info("provider reported order not settled")
		return l.fail(ctx, p)
	}

	paidAt := l.now()
	var won bool
	err = l.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		if err := l.payments.LockUser(ctx, tx, p.UserID); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		ok, err := l.payments.MarkPaid(ctx, tx, p.ID, paidAt)
		won = ok
		return err
	})
	if errors.Is(err, repo.ErrPeriodAlreadyPaid) {
		log.Error("captured funds for an already paid period, refund required", zap.Error(err))
		if _, ferr := l.fail(ctx, p); ferr != nil {
			log.Error("failed to mark payment FAILED", zap.Error(ferr))
		}
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	if !won {
		metrics.DuplicateCaptures.Inc()
		log.Info("payment already settled by a concurrent capture")
		return l.reload(ctx, p.ID)
	}

	p.MarkPaid(paidAt)
	metrics.PaymentsTotal.WithLabelValues(string(domain.PaymentPaid)).Inc()
	log.Info("payment captured", zap.String("total", p.Total.StringFixed(2)))

	// the ledger row is the source of truth; a lost event is recoverable from it
	if err := l.publisher.PublishPaymentCompleted(ctx, domain.NewPaymentCompleted(p)); err != nil {
		log.Error("failed to publish PaymentCompleted", zap.Error(err))
	}
	return p, nil
}

// Expire fails a PENDING payment. It returns the stored payment either way.
func (l *Ledger) Expire(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	return l.fail(ctx, p)
}

// Stale lists PENDING payments created more than age ago, oldest first.
func (l *Ledger) Stale(ctx context.Context, age time.Duration, limit int) ([]domain.Payment, error) {
	return l.payments.FindPendingBefore(ctx, l.now().Add(-age), limit)
}

func (l *Ledger) History(ctx context.Context, userID string) ([]domain.Payment, error) {
	payments, err := l.payments.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return payments, nil
}

// UnpaidSnapshot reports what userID owes. A member unknown to the mirror, or
// deleted from it, owes nothing.
func (l *Ledger) UnpaidSnapshot(ctx context.Context, userID string) (*domain.UnpaidSnapshot, error) {
	account, err := l.accounts.FindActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if account == nil {
		return l.calc.Empty(userID), nil
	}
	paid, err := l.payments.PaidPeriods(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("load paid periods: %w", err)
	}
	return l.calc.Snapshot(account, paid), nil
}

func (l *Ledger) fail(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	var won bool
	err := l.tx.WithinTx(ctx, func(tx *sql.Tx) error {
		ok, err := l.payments.MarkFailed(ctx, tx, p.ID)
		won = ok
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}
	if !won {
		return l.reload(ctx, p.ID)
	}
	metrics.PaymentsTotal.WithLabelValues(string(domain.PaymentFailed)).Inc()
	p.MarkFailed()
	return p, nil
}

func (l *Ledger) reload(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := l.payments.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload payment: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// normalizePeriods sorts and deduplicates, rejecting an empty or zero-valued list.
func normalizePeriods(periods []domain.Period) ([]domain.Period, error) {
	if len(periods) == 0 {
		return nil, fmt.Errorf("%w: no billing periods", domain.ErrInvalidRequest)
	}
	out := slices.Clone(periods)
	for _, p := range out {
		if p.IsZero() {
			return nil, fmt.Errorf("%w: empty billing period", domain.ErrInvalidRequest)
		}
	}
	slices.SortFunc(out, func(a, b domain.Period) int {
		return a.Start().Compare(b.Start())
	})
	return slices.Compact(out), nil
}

func firstOverlap(want, paid []domain.Period) (domain.Period, bool) {
	settled := make(map[domain.Period]struct{}, len(paid))
	for _, p := range paid {
		settled[p] = struct{}{}
	}
	for _, p := range want {
		if _, ok := settled[p]; ok {
			return p, true
		}
	}
	return domain.Period{}, false
}
