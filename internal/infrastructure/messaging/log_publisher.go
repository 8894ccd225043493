package messaging

import (
	"context"

	"club-dues/internal/domain"

	"go.uber.org/zap"
)

// LogPublisher writes outbound events to the log instead of SNS. It backs
// local runs where no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishDebtReminder(ctx context.Context, ev domain.DebtReminder) error {
	p.logger.Info("debt reminder",
		zap.String("user_id", ev.UserID),
		zap.Stringers("months", ev.Months),
		zap.String("total", ev.Total.StringFixed(2)),
	)
	return nil
}

func (p *LogPublisher) PublishPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) error {
	p.logger.Info("payment completed",
		zap.String("user_id", ev.UserID),
		zap.String("provider_order_id", ev.ProviderOrderID),
		zap.Stringers("months", ev.Months),
		zap.String("amount", ev.Amount.StringFixed(2)),
	)
	return nil
}
