package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

type Payment struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"userId"`
	Provider        string          `json:"provider"`
	ProviderOrderID string          `json:"providerOrderId,omitempty"`
	Currency        string          `json:"currency"`
	Total           decimal.Decimal `json:"total"`
	Status          PaymentStatus   `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	Items           []PaymentItem   `json:"items"`
}

type PaymentItem struct {
	ID        uuid.UUID       `json:"id"`
	PaymentID uuid.UUID       `json:"paymentId"`
	UserID    string          `json:"userId"`
	Period    Period          `json:"period"`
	Amount    decimal.Decimal `json:"amount"`
	Status    PaymentStatus   `json:"status"`
}

// NewPayment builds a PENDING payment with one item per period, each priced at fee.
func NewPayment(userID, provider, currency string, periods []Period, fee decimal.Decimal, now time.Time) *Payment {
	p := &Payment{
		ID:        uuid.New(),
		UserID:    userID,
		Provider:  provider,
		Currency:  currency,
		Status:    PaymentPending,
		CreatedAt: now,
		Items:     make([]PaymentItem, 0, len(periods)),
	}
	for _, period := range periods {
		p.Items = append(p.Items, PaymentItem{
			ID:        uuid.New(),
			PaymentID: p.ID,
			UserID:    userID,
			Period:    period,
			Amount:    fee,
			Status:    PaymentPending,
		})
	}
	p.Total = p.ItemsTotal()
	return p
}

func (p *Payment) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		total = total.Add(it.Amount)
	}
	return total
}

func (p *Payment) Periods() []Period {
	out := make([]Period, 0, len(p.Items))
	for _, it := range p.Items {
		out = append(out, it.Period)
	}
	return out
}

// MarkPaid moves the payment and its items to PAID. PaidAt is only ever set here.
func (p *Payment) MarkPaid(at time.Time) {
	p.Status = PaymentPaid
	p.PaidAt = &at
	for i := range p.Items {
		p.Items[i].Status = PaymentPaid
	}
}

func (p *Payment) MarkFailed() {
	p.Status = PaymentFailed
	for i := range p.Items {
		p.Items[i].Status = PaymentFailed
	}
}

// UnpaidSnapshot is the "who owes what" projection for a single member.
type UnpaidSnapshot struct {
	UserID     string          `json:"userId"`
	Months     []Period        `json:"months"`
	MonthlyFee decimal.Decimal `json:"monthlyFee"`
	Total      decimal.Decimal `json:"total"`
}
