package worker

import (
	"context"
	"errors"
	"time"

	"club-dues/internal/domain"

	"go.uber.org/zap"
)

// Reconciler is the slice of the ledger the worker drives.
type Reconciler interface {
	Stale(ctx context.Context, age time.Duration, limit int) ([]domain.Payment, error)
	Capture(ctx context.Context, providerOrderID string) (*domain.Payment, error)
	Expire(ctx context.Context, p *domain.Payment) (*domain.Payment, error)
}

type ReconciliationConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

// ReconciliationWorker settles PENDING payments whose capture callback never
// arrived, asking the provider before giving up on them.
type ReconciliationWorker struct {
	ledger Reconciler
	cfg    ReconciliationConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewReconciliationWorker(ledger Reconciler, cfg ReconciliationConfig, logger *zap.Logger) *ReconciliationWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconciliationWorker{
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started", zap.Duration("interval", rw.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rw.process(ctx); err != nil {
				rw.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (rw *ReconciliationWorker) process(ctx context.Context) error {
	stuck, err := rw.ledger.Stale(ctx, rw.cfg.StaleAfter, rw.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}

	rw.logger.Info("found stuck payments", zap.Int("count", len(stuck)))

	for i := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rw.reconcile(ctx, &stuck[i])
	}
	return nil
}

func (rw *ReconciliationWorker) reconcile(ctx context.Context, p *domain.Payment) {
	log := rw.logger.With(zap.String("payment_id", p.ID.String()), zap.String("user_id", p.UserID))

	// checkout never got a provider order, so nothing can have been charged
	if p.ProviderOrderID == "" {
		rw.expire(ctx, p, log)
		return
	}
	log = log.With(zap.String("provider_order_id", p.ProviderOrderID))

	got, err := rw.ledger.Capture(ctx, p.ProviderOrderID)
	switch {
	case err == nil:
		log.Info("reconciled payment", zap.String("status", string(got.Status)))
	case errors.Is(err, domain.ErrGatewayRejected) && rw.now().Sub(p.CreatedAt) > rw.cfg.ExpireAfter:
		log.Info("provider still refuses capture past expiry", zap.Error(err))
		rw.expire(ctx, p, log)
	default:
		// retried on the next tick
		log.Warn("could not reconcile payment", zap.Error(err))
	}
}

func (rw *ReconciliationWorker) expire(ctx context.Context, p *domain.Payment, log *zap.Logger) {
	got, err := rw.ledger.Expire(ctx, p)
	if err != nil {
		log.Error("failed to expire payment", zap.Error(err))
		return
	}
	log.Info("expired abandoned payment", zap.String("status", string(got.Status)))
}
