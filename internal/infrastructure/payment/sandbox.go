package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"club-dues/internal/domain"

	"github.com/shopspring/decimal"
)

type Outcome int

const (
	OutcomeSettle Outcome = iota
	// OutcomeDecline is a capture the provider answers as not completed.
	OutcomeDecline
	OutcomeReject
	// OutcomeLostResponse settles the order but reports a timeout to the caller.
	OutcomeLostResponse
)

type sandboxOrder struct {
	amount   decimal.Decimal
	currency string
	captured bool
}

// SandboxGateway is an in-memory provider. Orders are idempotent on request id
// and a captured order stays captured, like the real provider.
type SandboxGateway struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*sandboxOrder
	requests  map[string]string
	outcome   Outcome
	overrides map[string]Outcome
	chaos     bool
	latency   time.Duration
	captures  int
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		orders:    make(map[string]*sandboxOrder),
		requests:  make(map[string]string),
		overrides: make(map[string]Outcome),
	}
}

// WithChaos makes captures settle 70%, decline 20% and lose the response 10% of the time.
func (g *SandboxGateway) WithChaos() *SandboxGateway {
	g.chaos = true
	return g
}

func (g *SandboxGateway) WithLatency(d time.Duration) *SandboxGateway {
	g.latency = d
	return g
}

// SetOutcome sets the capture outcome for orderID, or the default when orderID is empty.
func (g *SandboxGateway) SetOutcome(orderID string, o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if orderID == "" {
		g.outcome = o
		return
	}
	g.overrides[orderID] = o
}

// Captures returns how many capture calls reached the provider.
func (g *SandboxGateway) Captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures
}

func (g *SandboxGateway) Captured(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	return ok && o.captured
}

func (g *SandboxGateway) Authenticate(ctx context.Context) (Credential, error) {
	return Credential{AccessToken: "sandbox", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (g *SandboxGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, requestID string) (*Order, error) {
	if err := g.wait(ctx, "create_order"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.requests[requestID]; ok && requestID != "" {
		return &Order{ID: id, ApprovalURL: approvalURL(id)}, nil
	}
	g.seq++
	id := fmt.Sprintf("SANDBOX-%06d", g.seq)
	g.orders[id] = &sandboxOrder{amount: amount, currency: currency}
	if requestID != "" {
		g.requests[requestID] = id
	}
	return &Order{ID: id, ApprovalURL: approvalURL(id)}, nil
}

// Register makes an externally chosen order id known, as if created by CreateOrder.
func (g *SandboxGateway) Register(orderID string, amount decimal.Decimal, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[orderID] = &sandboxOrder{amount: amount, currency: currency}
}

func (g *SandboxGateway) CaptureOrder(ctx context.Context, providerOrderID string) (bool, error) {
	if err := g.wait(ctx, "capture_order"); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++

	order, ok := g.orders[providerOrderID]
	if !ok {
		return false, &domain.GatewayError{
			Kind: domain.ErrGatewayRejected, Op: "capture_order",
			StatusCode: http.StatusNotFound, Body: `{"name":"RESOURCE_NOT_FOUND"}`,
		}
	}
	if order.captured {
		return true, nil
	}

	switch g.outcomeFor(providerOrderID) {
	case OutcomeDecline:
		return false, nil
	case OutcomeReject:
		return false, &domain.GatewayError{
			Kind: domain.ErrGatewayRejected, Op: "capture_order",
			StatusCode: http.StatusUnprocessableEntity, Body: `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`,
		}
	case OutcomeLostResponse:
		order.captured = true
		return false, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: "capture_order", Err: context.DeadlineExceeded}
	default:
		order.captured = true
		return true, nil
	}
}

func (g *SandboxGateway) outcomeFor(orderID string) Outcome {
	if o, ok := g.overrides[orderID]; ok {
		return o
	}
	if !g.chaos {
		return g.outcome
	}
	switch chance := rand.IntN(100); {
	case chance < 70:
		return OutcomeSettle
	case chance < 90:
		return OutcomeDecline
	default:
		return OutcomeLostResponse
	}
}

func (g *SandboxGateway) wait(ctx context.Context, op string) error {
	if g.latency == 0 {
		return nil
	}
	select {
	case <-time.After(g.latency):
		return nil
	case <-ctx.Done():
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: ctx.Err()}
	}
}

func approvalURL(id string) string {
	return "https://sandbox.invalid/checkoutnow?token=" + id
}
