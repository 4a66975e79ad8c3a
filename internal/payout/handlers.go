package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/validation"
)

type smartPayoutRequestDTO struct {
	RequestedAmount string `json:"requested_amount" binding:"required"`
	Currency        string `json:"currency" binding:"required"`
	Mode            string `json:"mode"`
}

type advanceRequestDTO struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// RegisterRoutes wires the payout endpoints onto r.
func RegisterRoutes(r gin.IRouter, orch *Orchestrator) {
	r.POST("/marketplaces/:marketplace/sellers/:seller/smart-payout", handleSmartPayout(orch))
	r.POST("/marketplaces/:marketplace/sellers/:seller/advance", handleRequestAdvance(orch))
	r.GET("/payout-slices/pending", handleListPendingSlices(orch))
}

func handleSmartPayout(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("idempotency-key")
		if idempotencyKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency-key header is required"})
			return
		}

		var body smartPayoutRequestDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if errs := validation.Validate(validation.PositiveAmount("requested_amount", body.RequestedAmount)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
			return
		}
		mode := body.Mode
		if mode == "" {
			mode = "auto"
		}

		result, err := orch.SmartPayout(c.Request.Context(), SmartPayoutRequest{
			Marketplace:     c.Param("marketplace"),
			SellerRef:       c.Param("seller"),
			RequestedAmount: body.RequestedAmount,
			Currency:        body.Currency,
			Mode:            mode,
			IdempotencyKey:  idempotencyKey,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		if result.Status == StatusHeld {
			c.JSON(http.StatusOK, gin.H{"status": "held", "escrow": result.Escrow, "recommendation": result.Recommendation})
			return
		}
		c.JSON(http.StatusOK, gin.H{"parent_payout": result.Parent, "slices": result.Slices, "recommendation": result.Recommendation})
	}
}

func handleRequestAdvance(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("idempotency-key")
		if idempotencyKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency-key header is required"})
			return
		}

		var body advanceRequestDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		if errs := validation.Validate(validation.PositiveAmount("amount", body.Amount)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errs.Error()})
			return
		}

		adv, err := orch.RequestAdvance(c.Request.Context(),
			c.Param("marketplace"), c.Param("seller"), body.Amount, body.Currency, idempotencyKey)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, adv)
	}
}

func handleListPendingSlices(orch *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		slices, err := orch.ListPendingSlices(c.Request.Context(), limit)
		if err != nil {
			logging.L(c.Request.Context()).Error("list pending slices failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"slices": slices})
	}
}

// writeError maps structured precondition/validation errors to 4xx;
// anything unrecognized is an internal invariant violation (5xx).
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingIdempotencyKey),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSellerNotFound),
		errors.Is(err, ErrKYCNotVerified),
		errors.Is(err, ErrActiveHolds),
		errors.Is(err, ErrAdvanceNotEligible):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("payout handler internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
