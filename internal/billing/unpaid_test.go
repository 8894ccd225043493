package billing

import (
	"math/rand/v2"
	"testing"
	"time"

	"club-dues/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func period(t *testing.T, s string) domain.Period {
	t.Helper()
	p, err := domain.ParsePeriod(s)
	require.NoError(t, err)
	return p
}

func TestUnpaidMonths_NoPayments(t *testing.T) {
	registered := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)

	months := UnpaidMonths(registered, now, nil)

	assert.Equal(t, []domain.Period{
		period(t, "2024-01"), period(t, "2024-02"), period(t, "2024-03"), period(t, "2024-04"),
	}, months)

	fee := decimal.RequireFromString("25.50")
	assert.True(t, decimal.RequireFromString("102.00").Equal(TotalDue(months, fee)))
}

func TestUnpaidMonths_ExcludesPaid(t *testing.T) {
	registered := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	paid := []domain.Period{period(t, "2023-12"), period(t, "2024-02"), period(t, "2022-05")}

	months := UnpaidMonths(registered, now, paid)

	assert.Equal(t, []domain.Period{period(t, "2023-11"), period(t, "2024-01")}, months)
}

func TestUnpaidMonths_AcrossYearBoundary(t *testing.T) {
	registered := time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, []domain.Period{period(t, "2023-12"), period(t, "2024-01")}, UnpaidMonths(registered, now, nil))
}

func TestUnpaidMonths_RegisteredInFuture(t *testing.T) {
	registered := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)

	months := UnpaidMonths(registered, now, nil)
	assert.Empty(t, months)
	assert.True(t, TotalDue(months, decimal.NewFromInt(30)).IsZero())
}

func TestUnpaidMonths_FullyPaid(t *testing.T) {
	registered := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, UnpaidMonths(registered, now, []domain.Period{period(t, "2024-01"), period(t, "2024-02")}))
}

// For random registration dates and paid subsets, the result is exactly the
// set difference, ordered and without duplicates.
func TestUnpaidMonths_Property(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		registered := time.Date(2015+rng.IntN(10), time.Month(1+rng.IntN(12)), 1+rng.IntN(28), 0, 0, 0, 0, time.UTC)
		now := registered.AddDate(0, rng.IntN(60), rng.IntN(28))

		var all []domain.Period
		for p := domain.PeriodOf(registered); !domain.PeriodOf(now).Before(p); p = p.Next() {
			all = append(all, p)
		}
		paid := map[domain.Period]bool{}
		var paidList []domain.Period
		for _, p := range all {
			if rng.IntN(3) == 0 {
				paid[p] = true
				paidList = append(paidList, p, p)
			}
		}

		got := UnpaidMonths(registered, now, paidList)

		var want []domain.Period
		for _, p := range all {
			if !paid[p] {
				want = append(want, p)
			}
		}
		if want == nil {
			want = []domain.Period{}
		}
		require.Equal(t, want, got, "registered=%s now=%s", registered, now)
		for j := 1; j < len(got); j++ {
			require.True(t, got[j-1].Before(got[j]))
		}
	}
}

func TestCalculator_Snapshot(t *testing.T) {
	calc := NewCalculator(decimal.NewFromInt(30))
	calc.Now = func() time.Time { return time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC) }
	account := &domain.Account{UserID: "42", RegisteredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	snap := calc.Snapshot(account, []domain.Period{period(t, "2024-02")})

	assert.Equal(t, "42", snap.UserID)
	assert.Len(t, snap.Months, 3)
	assert.True(t, decimal.NewFromInt(90).Equal(snap.Total))

	empty := calc.Empty("43")
	assert.Empty(t, empty.Months)
	assert.True(t, empty.Total.IsZero())
}
