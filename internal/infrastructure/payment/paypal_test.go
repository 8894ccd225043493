package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"club-dues/internal/domain"
	"club-dues/internal/infrastructure/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePayPal struct {
	tokenCalls    atomic.Int32
	tokenFailures int32
	mux           *http.ServeMux
}

func newFakePayPal(t *testing.T) (*fakePayPal, *httptest.Server) {
	t.Helper()
	f := &fakePayPal{mux: http.NewServeMux()}
	f.mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		if n <= f.tokenFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func newGateway(srv *httptest.Server, secret string) *payment.PayPalGateway {
	return payment.NewPayPalGateway(payment.PayPalConfig{
		BaseURL:             srv.URL,
		ClientID:            "client",
		ClientSecret:        secret,
		ReturnURL:           "http://localhost/return",
		AuthRetryMaxElapsed: 5 * time.Second,
	}, 2*time.Second, zap.NewNop())
}

func TestCreateOrder_CachesTokenAndSendsRequestID(t *testing.T) {
	f, srv := newFakePayPal(t)
	var requestIDs []string
	f.mux.HandleFunc("POST /v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		requestIDs = append(requestIDs, r.Header.Get("PayPal-Request-Id"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "CAPTURE", body["intent"])
		unit := body["purchase_units"].([]any)[0].(map[string]any)["amount"].(map[string]any)
		assert.Equal(t, "60.00", unit["value"])
		assert.Equal(t, "EUR", unit["currency_code"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"PAY-123","status":"CREATED","links":[
			{"href":"https://api/self","rel":"self"},
			{"href":"https://paypal/approve?token=PAY-123","rel":"approve"}]}`))
	})

	g := newGateway(srv, "secret")
	ctx := context.Background()

	order, err := g.CreateOrder(ctx, decimal.NewFromInt(60), "EUR", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY-123", order.ID)
	assert.Equal(t, "https://paypal/approve?token=PAY-123", order.ApprovalURL)

	_, err = g.CreateOrder(ctx, decimal.NewFromInt(60), "EUR", "req-2")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, []string{"req-1", "req-2"}, requestIDs)
}

func TestAuthenticate_RetriesTransientFailures(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.tokenFailures = 2

	cred, err := newGateway(srv, "secret").Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)
	assert.Equal(t, int32(3), f.tokenCalls.Load())
	assert.True(t, cred.ExpiresAt.After(time.Now().Add(50*time.Minute)))
}

func TestAuthenticate_BadCredentialsIsUnavailableWithoutRetry(t *testing.T) {
	f, srv := newFakePayPal(t)

	_, err := newGateway(srv, "wrong").Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestCreateOrder_RejectedKeepsStatusAndBody(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.mux.HandleFunc("POST /v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"name":"INVALID_REQUEST"}`))
	})

	_, err := newGateway(srv, "secret").CreateOrder(context.Background(), decimal.NewFromInt(30), "EUR", "req")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGatewayRejected))

	var gwErr *domain.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.StatusCode)
	assert.Contains(t, gwErr.Body, "INVALID_REQUEST")
}

func TestCaptureOrder(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.mux.HandleFunc("POST /v2/checkout/orders/{id}/capture", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "capture-"+r.PathValue("id"), r.Header.Get("PayPal-Request-Id"))
		switch r.PathValue("id") {
		case "DONE":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"DONE","status":"COMPLETED"}`))
		case "PENDING":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"PENDING","status":"PAYER_ACTION_REQUIRED"}`))
		case "AGAIN":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
		case "DECLINED":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`))
		case "OUTAGE":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"name":"SERVICE_UNAVAILABLE"}`))
		case "THROTTLED":
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"name":"RATE_LIMIT_REACHED"}`))
		case "DROP":
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
		}
	})
	g := newGateway(srv, "secret")
	ctx := context.Background()

	settled, err := g.CaptureOrder(ctx, "DONE")
	assert.NoError(t, err)
	assert.True(t, settled)

	settled, err = g.CaptureOrder(ctx, "PENDING")
	assert.NoError(t, err)
	assert.False(t, settled)

	settled, err = g.CaptureOrder(ctx, "AGAIN")
	assert.NoError(t, err)
	assert.True(t, settled)

	_, err = g.CaptureOrder(ctx, "DECLINED")
	assert.True(t, errors.Is(err, domain.ErrGatewayRejected))

	for _, id := range []string{"OUTAGE", "THROTTLED"} {
		_, err = g.CaptureOrder(ctx, id)
		assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable), id)
		assert.False(t, errors.Is(err, domain.ErrGatewayRejected), id)
		var gwErr *domain.GatewayError
		require.True(t, errors.As(err, &gwErr), id)
		assert.NotEmpty(t, gwErr.Body, id)
	}

	_, err = g.CaptureOrder(ctx, "DROP")
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	assert.False(t, errors.Is(err, domain.ErrGatewayRejected))
}

func TestUnauthorizedResponseDropsCachedToken(t *testing.T) {
	f, srv := newFakePayPal(t)
	var calls atomic.Int32
	f.mux.HandleFunc("POST /v2/checkout/orders/{id}/capture", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"COMPLETED"}`))
	})
	g := newGateway(srv, "secret")

	_, err := g.CaptureOrder(context.Background(), "X")
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))

	settled, err := g.CaptureOrder(context.Background(), "X")
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
}
