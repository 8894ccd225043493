package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the narrow surface the ledger needs from a payment provider.
// CaptureOrder reports what the provider says for this one call; repeated
// captures are the ledger's concern, not the adapter's.
type Gateway interface {
	Authenticate(ctx context.Context) (Credential, error)
	// requestID is forwarded as the provider idempotency key.
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, requestID string) (*Order, error)
	CaptureOrder(ctx context.Context, providerOrderID string) (bool, error)
}

type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Fresh reports whether the token can still be used at now, leaving skew for in-flight requests.
func (c Credential) Fresh(now time.Time, skew time.Duration) bool {
	return c.AccessToken != "" && now.Add(skew).Before(c.ExpiresAt)
}

type Order struct {
	ID          string
	ApprovalURL string
}
