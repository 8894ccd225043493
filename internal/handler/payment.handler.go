package handler

import (
	"context"
	"errors"
	"net/http"

	"club-dues/internal/domain"
	"club-dues/internal/service"

	"github.com/gin-gonic/gin"
)

type PaymentLedger interface {
	Checkout(ctx context.Context, userID string, periods []domain.Period, currency string) (*service.CheckoutResult, error)
	Capture(ctx context.Context, providerOrderID string) (*domain.Payment, error)
	History(ctx context.Context, userID string) ([]domain.Payment, error)
	UnpaidSnapshot(ctx context.Context, userID string) (*domain.UnpaidSnapshot, error)
}

type PaymentHandler struct {
	ledger PaymentLedger
}

func NewPaymentHandler(ledger PaymentLedger) *PaymentHandler {
	return &PaymentHandler{ledger: ledger}
}

type createOrderRequest struct {
	Months   []domain.Period `json:"months" binding:"required,min=1"`
	Currency string          `json:"currency"`
}

// CreateOrder opens a provider order for the requested months and returns the approval link.
func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.ledger.Checkout(c.Request.Context(), GetUserID(c), req.Months, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Capture is hit when the buyer returns from the provider, possibly more than once.
func (h *PaymentHandler) Capture(c *gin.Context) {
	p, err := h.ledger.Capture(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) History(c *gin.Context) {
	payments, err := h.ledger.History(c.Request.Context(), GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payments)
}

func (h *PaymentHandler) Unpaid(c *gin.Context) {
	snap, err := h.ledger.UnpaidSnapshot(c.Request.Context(), GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrGatewayRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
