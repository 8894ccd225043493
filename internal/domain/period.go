package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

const periodLayout = "2006-01"

// Period is a billing period: one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: bad period %q", ErrInvalidRequest, s)
	}
	return PeriodOf(t), nil
}

// Start returns midnight UTC on the first day of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	return p.Start().Format(periodLayout)
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value stores the period as a DATE on day 1.
func (p Period) Value() (driver.Value, error) {
	return p.Start(), nil
}

func (p *Period) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*p = PeriodOf(v)
		return nil
	case string:
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return err
		}
		*p = PeriodOf(t)
		return nil
	case []byte:
		return p.Scan(string(v))
	default:
		return fmt.Errorf("period: cannot scan %T", src)
	}
}
