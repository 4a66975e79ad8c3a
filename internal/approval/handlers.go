package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub010/internal/logging"
	"github.com/Molam-git/molam-connect-sub010/internal/validation"
)

type createRequestDTO struct {
	RequestType string            `json:"request_type" binding:"required"`
	ReferenceID string            `json:"reference_id"`
	PolicyID    string            `json:"policy_id" binding:"required"`
	Metadata    map[string]string `json:"metadata"`
}

type signRequestDTO struct {
	Signer      string   `json:"signer" binding:"required"`
	SignerRoles []string `json:"signer_roles" binding:"required"`
	Comment     string   `json:"comment"`
}

type rejectRequestDTO struct {
	Signer string `json:"signer" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// RegisterRoutes wires the approval endpoints onto r. Mutators require
// roles {pay_admin, fraud_ops, compliance}.
func RegisterRoutes(r gin.IRouter, wf *Workflow) {
	mutate := validation.RequireRoles("pay_admin", "fraud_ops", "compliance")

	r.POST("/approvals", mutate, handleCreate(wf))
	r.POST("/approvals/:id/sign", mutate, handleSign(wf))
	r.POST("/approvals/:id/reject", mutate, handleReject(wf))
	r.GET("/approvals/:id", handleGet(wf))
	r.GET("/approvals", handleList(wf))
}

func handleCreate(wf *Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createRequestDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		requestedBy := c.GetString("callerID")
		a, err := wf.Create(c.Request.Context(), body.RequestType, body.ReferenceID, body.PolicyID, requestedBy, body.Metadata)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleSign(wf *Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body signRequestDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		a, err := wf.Sign(c.Request.Context(), c.Param("id"), body.Signer, body.SignerRoles, body.Comment)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleReject(wf *Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body rejectRequestDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		a, err := wf.Reject(c.Request.Context(), c.Param("id"), body.Signer, body.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, a)
	}
}

func handleGet(wf *Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := wf.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if a == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval request not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"request": a, "signatures": a.Signatures})
	}
}

func handleList(wf *Workflow) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := wf.List(c.Request.Context(), c.Query("status"), c.Query("request_type"), 100)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requests": list})
	}
}

// writeError maps structured validation/precondition/conflict errors to
// 4xx; anything else is an internal invariant violation (5xx).
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPolicyNotFound),
		errors.Is(err, ErrRequestNotFound),
		errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrDuplicateSigner),
		errors.Is(err, ErrRoleNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("approval handler internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
