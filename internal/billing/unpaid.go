// Package billing computes owed billing periods. Everything here is pure.
package billing

import (
	"time"

	"club-dues/internal/domain"

	"github.com/shopspring/decimal"
)

// UnpaidMonths lists every month from the registration month through the month
// of now, both inclusive, that is not in paid. The result is chronological.
func UnpaidMonths(registeredAt, now time.Time, paid []domain.Period) []domain.Period {
	first := domain.PeriodOf(registeredAt)
	last := domain.PeriodOf(now)
	if last.Before(first) {
		return []domain.Period{}
	}

	settled := make(map[domain.Period]struct{}, len(paid))
	for _, p := range paid {
		settled[p] = struct{}{}
	}

	months := []domain.Period{}
	for p := first; !last.Before(p); p = p.Next() {
		if _, ok := settled[p]; ok {
			continue
		}
		months = append(months, p)
	}
	return months
}

func TotalDue(months []domain.Period, monthlyFee decimal.Decimal) decimal.Decimal {
	return monthlyFee.Mul(decimal.NewFromInt(int64(len(months))))
}

// Calculator binds the monthly fee and a clock to the pure functions above.
type Calculator struct {
	MonthlyFee decimal.Decimal
	Now        func() time.Time
}

func NewCalculator(monthlyFee decimal.Decimal) *Calculator {
	return &Calculator{MonthlyFee: monthlyFee, Now: time.Now}
}

func (c *Calculator) Snapshot(account *domain.Account, paid []domain.Period) *domain.UnpaidSnapshot {
	months := UnpaidMonths(account.RegisteredAt, c.Now(), paid)
	return &domain.UnpaidSnapshot{
		UserID:     account.UserID,
		Months:     months,
		MonthlyFee: c.MonthlyFee,
		Total:      TotalDue(months, c.MonthlyFee),
	}
}

// Empty is the snapshot for a member the mirror does not know about.
func (c *Calculator) Empty(userID string) *domain.UnpaidSnapshot {
	return &domain.UnpaidSnapshot{
		UserID:     userID,
		Months:     []domain.Period{},
		MonthlyFee: c.MonthlyFee,
		Total:      decimal.Zero,
	}
}
