package ussd

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub010/internal/logging"
)

// turnRequestDTO is the wire shape of POST /ussd as the gateway sends it.
type turnRequestDTO struct {
	SessionID string `json:"session_id" binding:"required"`
	Msisdn    string `json:"msisdn" binding:"required"`
	Text      string `json:"text"`
	Country   string `json:"country"`
}

type turnResponseDTO struct {
	Text string `json:"text"`
	End  bool   `json:"end"`
}

// RegisterRoutes wires the USSD turn endpoint onto r.
func RegisterRoutes(r gin.IRouter, engine *Engine) {
	r.POST("/ussd", handleTurn(engine))
}

func handleTurn(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req turnRequestDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}

		resp, err := engine.HandleTurn(c.Request.Context(), TurnRequest{
			SessionID: req.SessionID,
			Msisdn:    req.Msisdn,
			Text:      req.Text,
			Country:   req.Country,
		})
		if err != nil {
			logging.L(c.Request.Context()).Error("ussd handler error", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusOK, turnResponseDTO{Text: resp.Text, End: resp.End})
	}
}
