package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventAccountCreated   EventType = "AccountCreated"
	EventAccountDeleted   EventType = "AccountDeleted"
	EventDebtReminder     EventType = "DebtReminder"
	EventPaymentCompleted EventType = "PaymentCompleted"
)

// IdentityEvent is the inbound envelope from the user registry. Fields not
// relevant to Type are left empty.
type IdentityEvent struct {
	Type             EventType `json:"type"`
	UserID           string    `json:"userId"`
	Email            string    `json:"email,omitempty"`
	Username         string    `json:"username,omitempty"`
	ClubID           string    `json:"clubId,omitempty"`
	ClubName         string    `json:"clubName,omitempty"`
	Rank             string    `json:"rank,omitempty"`
	RegistrationDate string    `json:"registrationDate,omitempty"`
	Version          int64     `json:"version"`
}

// Validate rejects payloads that can never be applied, regardless of retries.
func (e *IdentityEvent) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidRequest)
	}
	if e.Version < 0 {
		return fmt.Errorf("%w: negative version", ErrInvalidRequest)
	}
	switch e.Type {
	case EventAccountCreated:
		if _, err := e.registeredAt(); err != nil {
			return err
		}
	case EventAccountDeleted:
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidRequest, e.Type)
	}
	return nil
}

// Account converts an AccountCreated event into a mirror entry.
func (e *IdentityEvent) Account() (*Account, error) {
	registeredAt, err := e.registeredAt()
	if err != nil {
		return nil, err
	}
	return &Account{
		UserID:       e.UserID,
		Version:      e.Version,
		Email:        e.Email,
		Username:     e.Username,
		RegisteredAt: registeredAt,
		ClubID:       e.ClubID,
		ClubName:     e.ClubName,
		Rank:         e.Rank,
	}, nil
}

func (e *IdentityEvent) registeredAt() (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, e.RegistrationDate); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad registrationDate %q", ErrInvalidRequest, e.RegistrationDate)
}

type DebtReminder struct {
	Type       EventType       `json:"type"`
	UserID     string          `json:"userId"`
	Email      string          `json:"email"`
	MonthlyFee decimal.Decimal `json:"monthlyFee"`
	Total      decimal.Decimal `json:"total"`
	Months     []Period        `json:"months"`
}

type PaymentCompleted struct {
	Type            EventType       `json:"type"`
	UserID          string          `json:"userId"`
	ProviderOrderID string          `json:"providerOrderId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Months          []Period        `json:"months"`
}

func NewPaymentCompleted(p *Payment) PaymentCompleted {
	return PaymentCompleted{
		Type:            EventPaymentCompleted,
		UserID:          p.UserID,
		ProviderOrderID: p.ProviderOrderID,
		Amount:          p.Total,
		Currency:        p.Currency,
		Months:          p.Periods(),
	}
}
