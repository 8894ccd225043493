package handler

import (
	"context"
	"net/http"
	"time"

	"club-dues/internal/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

func NewRouter(ph *PaymentHandler, db HealthChecker, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware(), RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "X-User-ID"},
	}))

	r.GET("/health", func(c *gin.Context) {
		stats := db.Health(c.Request.Context())
		status := http.StatusOK
		if stats["status"] != "up" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, stats)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	payments := r.Group("/payments")
	// provider return URL, reached without the member session
	payments.POST("/orders/:orderId/capture", RateLimit(rate.Every(time.Second/5), 10), ph.Capture)

	member := payments.Group("")
	member.Use(RequireUser())
	member.POST("/orders", ph.CreateOrder)
	member.GET("/history", ph.History)
	member.GET("/unpaid", ph.Unpaid)

	return r
}
