package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"club-dues/internal/domain"
	"club-dues/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	tokenSkew       = time.Minute
	statusCompleted = "COMPLETED"
	alreadyCaptured = "ORDER_ALREADY_CAPTURED"
)

type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	// AuthRetryMaxElapsed bounds the total time spent retrying the token exchange.
	AuthRetryMaxElapsed time.Duration
}

// PayPalGateway talks to the PayPal v2 Orders API.
type PayPalGateway struct {
	cfg        PayPalConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	token Credential
}

func NewPayPalGateway(cfg PayPalConfig, timeout time.Duration, logger *zap.Logger) *PayPalGateway {
	if cfg.AuthRetryMaxElapsed == 0 {
		cfg.AuthRetryMaxElapsed = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPalGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

// ---- PayPal API request/response structs ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Amount amount `json:"amount"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type createOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []purchaseUnit      `json:"purchase_units"`
	ApplicationContext *applicationContext `json:"application_context,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

type apiError struct {
	Name    string `json:"name"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

// ---- Gateway implementation ----

// Authenticate returns the cached token or exchanges client credentials for a new one.
// Transient failures are retried with exponential backoff.
func (g *PayPalGateway) Authenticate(ctx context.Context) (Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token.Fresh(g.now(), tokenSkew) {
		return g.token, nil
	}

	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = g.cfg.AuthRetryMaxElapsed

	var cred Credential
	err := backoff.Retry(func() error {
		c, err := g.exchangeToken(ctx)
		if err != nil {
			return err
		}
		cred = c
		return nil
	}, backoff.WithContext(b, ctx))
	metrics.ObserveGateway("authenticate", start, err)
	if err != nil {
		return Credential{}, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: "authenticate", Err: err}
	}

	g.token = cred
	return cred, nil
}

// exchangeToken performs one token request. Client errors are permanent; network
// errors and 5xx responses are left retryable.
func (g *PayPalGateway) exchangeToken(ctx context.Context) (Credential, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Credential{}, backoff.Permanent(err)
		}
		g.logger.Warn("paypal token exchange failed, retrying", zap.Error(err))
		return Credential{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		g.logger.Warn("paypal token exchange failed, retrying", zap.Int("status", resp.StatusCode))
		return Credential{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, backoff.Permanent(fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, backoff.Permanent(fmt.Errorf("decode token: %w", err))
	}
	if tr.AccessToken == "" {
		return Credential{}, backoff.Permanent(errors.New("empty access token"))
	}
	return Credential{
		AccessToken: tr.AccessToken,
		ExpiresAt:   g.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// CreateOrder opens a CAPTURE-intent order and returns its id and approval link.
func (g *PayPalGateway) CreateOrder(ctx context.Context, total decimal.Decimal, currency, requestID string) (*Order, error) {
	reqBody := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{
			{Amount: amount{CurrencyCode: currency, Value: total.StringFixed(2)}},
		},
	}
	if g.cfg.ReturnURL != "" || g.cfg.CancelURL != "" {
		reqBody.ApplicationContext = &applicationContext{ReturnURL: g.cfg.ReturnURL, CancelURL: g.cfg.CancelURL}
	}

	var resp orderResponse
	if err := g.doRequest(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", requestID, reqBody, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: "create_order", Err: errors.New("response without order id")}
	}

	order := &Order{ID: resp.ID}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			order.ApprovalURL = l.Href
			break
		}
	}
	return order, nil
}

// CaptureOrder settles an approved order. An order PayPal reports as already
// captured counts as settled.
func (g *PayPalGateway) CaptureOrder(ctx context.Context, providerOrderID string) (bool, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(providerOrderID) + "/capture"

	var resp orderResponse
	err := g.doRequest(ctx, "capture_order", http.MethodPost, path, "capture-"+providerOrderID, struct{}{}, &resp)
	if err != nil {
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusUnprocessableEntity && hasIssue(gwErr.Body, alreadyCaptured) {
			return true, nil
		}
		return false, err
	}
	return resp.Status == statusCompleted, nil
}

// ---- HTTP helper ----

func (g *PayPalGateway) doRequest(ctx context.Context, op, method, path, requestID string, body, out any) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveGateway(op, start, err) }()

	cred, err := g.Authenticate(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		g.invalidateToken()
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, StatusCode: resp.StatusCode, Body: string(respBytes)}
	}
	// provider outages and throttling are transient, not a decline
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, StatusCode: resp.StatusCode, Body: string(respBytes)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: op, StatusCode: resp.StatusCode, Body: string(respBytes)}
	}

	if out != nil {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: op, StatusCode: resp.StatusCode, Body: string(respBytes), Err: err}
		}
	}
	return nil
}

func (g *PayPalGateway) invalidateToken() {
	g.mu.Lock()
	g.token = Credential{}
	g.mu.Unlock()
}

func hasIssue(body, issue string) bool {
	var e apiError
	if json.Unmarshal([]byte(body), &e) != nil {
		return false
	}
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}
