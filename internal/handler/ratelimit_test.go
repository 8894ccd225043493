package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RateLimit(rate.Limit(0), 2), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
}

func TestIPLimiter_EvictsIdleClients(t *testing.T) {
	now := time.Date(2024, time.April, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(rate.Limit(0), 1, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.get("10.0.0.1").Allow())
	assert.False(t, l.get("10.0.0.1").Allow())
	l.get("10.0.0.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(30 * time.Second)
	l.get("10.0.0.2")

	now = now.Add(45 * time.Second)
	l.get("10.0.0.3")
	assert.Equal(t, 2, l.size(), "10.0.0.1 idle past ttl")

	// an evicted client starts with a fresh bucket
	assert.True(t, l.get("10.0.0.1").Allow())
}
