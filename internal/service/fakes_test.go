package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"club-dues/internal/domain"
	"club-dues/internal/infrastructure/payment"
	"club-dues/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inlineTx struct{}

func (inlineTx) WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

// memPayments mimics the SQL repo, including the one-PAID-item-per-period index.
type memPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[uuid.UUID]*domain.Payment)}
}

func clonePayment(p *domain.Payment) *domain.Payment {
	c := *p
	c.Items = slices.Clone(p.Items)
	if p.PaidAt != nil {
		t := *p.PaidAt
		c.PaidAt = &t
	}
	return &c
}

func (r *memPayments) LockUser(ctx context.Context, tx *sql.Tx, userID string) error { return nil }

func (r *memPayments) PaidPeriods(ctx context.Context, tx *sql.Tx, userID string) ([]domain.Period, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Period
	for _, p := range r.payments {
		for _, it := range p.Items {
			if it.UserID == userID && it.Status == domain.PaymentPaid {
				out = append(out, it.Period)
			}
		}
	}
	return out, nil
}

func (r *memPayments) CreatePayment(ctx context.Context, tx *sql.Tx, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *memPayments) AssignProviderOrderID(ctx context.Context, id uuid.UUID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.payments {
		if other.ID != id && other.ProviderOrderID == orderID {
			return domain.ErrAlreadyAssigned
		}
	}
	p, ok := r.payments[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.ProviderOrderID != "" && p.ProviderOrderID != orderID {
		return domain.ErrAlreadyAssigned
	}
	p.ProviderOrderID = orderID
	return nil
}

func (r *memPayments) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[id]; ok {
		return clonePayment(p), nil
	}
	return nil, nil
}

func (r *memPayments) FindByProviderOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ProviderOrderID == orderID {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (r *memPayments) ListByUser(ctx context.Context, userID string) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, *clonePayment(p))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (r *memPayments) MarkPaid(ctx context.Context, tx *sql.Tx, id uuid.UUID, paidAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	for _, other := range r.payments {
		if other.ID == id || other.Status != domain.PaymentPaid || other.UserID != p.UserID {
			continue
		}
		for _, it := range other.Items {
			if slices.Contains(p.Periods(), it.Period) {
				return false, fmt.Errorf("%w: uq_payment_items_paid_period", repo.ErrPeriodAlreadyPaid)
			}
		}
	}
	p.MarkPaid(paidAt)
	return true, nil
}

func (r *memPayments) MarkFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != domain.PaymentPending {
		return false, nil
	}
	p.MarkFailed()
	return true, nil
}

func (r *memPayments) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Status == domain.PaymentPending && p.CreatedAt.Before(before) {
			out = append(out, *clonePayment(p))
		}
	}
	slices.SortFunc(out, func(a, b domain.Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memAccounts applies the same conditional-write rules as the SQL repo.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	// beforeCAS runs once per CompareAndSwap, before the version check.
	beforeCAS func(m map[string]domain.Account)
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[string]domain.Account)}
}

func (r *memAccounts) Get(ctx context.Context, userID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memAccounts) FindActive(ctx context.Context, userID string) (*domain.Account, error) {
	a, _ := r.Get(ctx, userID)
	if a == nil || a.Deleted() {
		return nil, nil
	}
	return a, nil
}

func (r *memAccounts) ListActive(ctx context.Context, after string, limit int) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Account
	for _, a := range r.accounts {
		if !a.Deleted() && a.UserID > after {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Account) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memAccounts) Insert(ctx context.Context, a *domain.Account) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.UserID]; ok {
		return false, nil
	}
	r.accounts[a.UserID] = *a
	return true, nil
}

func (r *memAccounts) CompareAndSwap(ctx context.Context, a *domain.Account, expected int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beforeCAS != nil {
		r.beforeCAS(r.accounts)
	}
	cur, ok := r.accounts[a.UserID]
	if !ok || cur.Version != expected {
		return false, nil
	}
	r.accounts[a.UserID] = *a
	return true, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentCompleted
	err    error
}

func (p *recordingPublisher) PublishPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// stubGateway lets a test script individual gateway calls.
type stubGateway struct {
	create  func(ctx context.Context) (*payment.Order, error)
	capture func(ctx context.Context, id string) (bool, error)
}

func (g *stubGateway) Authenticate(ctx context.Context) (payment.Credential, error) {
	return payment.Credential{AccessToken: "stub"}, nil
}

func (g *stubGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, requestID string) (*payment.Order, error) {
	return g.create(ctx)
}

func (g *stubGateway) CaptureOrder(ctx context.Context, id string) (bool, error) {
	return g.capture(ctx, id)
}
