package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	service    *Service
	reconciler *Reconciler
}

// NewHandler creates a new settlement handler. reconciler may be nil if
// the admin trigger is not wanted.
func NewHandler(service *Service, reconciler *Reconciler) *Handler {
	return &Handler{service: service, reconciler: reconciler}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts/:id/release", h.Release)
	r.POST("/contracts/:id/refund", h.Refund)
	r.POST("/contracts/:id/payment-request", h.PaymentRequest)
	r.POST("/contracts/:id/release-request", h.ReleaseRequest)
	r.GET("/contracts/:id/settlements", h.History)
}

// RegisterAdminRoutes sets up admin-only settlement routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
}

// Release handles POST /v1/contracts/:id/release — the client approves
// paying out the escrowed earning to the freelancer.
func (h *Handler) Release(c *gin.Context) {
	callerID := c.GetString("authUserID")

	rec, err := h.service.ReleaseToFreelancer(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// refundRequest is the body for POST /v1/contracts/:id/refund.
type refundRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// Refund handles POST /v1/contracts/:id/refund — the client cancels the
// contract and takes their money back, minus fee and earned share.
func (h *Handler) Refund(c *gin.Context) {
	// Reason is optional; an empty or missing body is fine.
	var req refundRequest
	_ = c.ShouldBindJSON(&req)
	callerID := c.GetString("authUserID")

	rec, err := h.service.RefundToClient(c.Request.Context(), c.Param("id"), callerID, req.Reason, req.Description)
	if err != nil {
		respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// PaymentRequest handles POST /v1/contracts/:id/payment-request — the
// freelancer claims the post-cancellation partial payout.
func (h *Handler) PaymentRequest(c *gin.Context) {
	callerID := c.GetString("authUserID")

	rec, err := h.service.ProcessFreelancerPaymentRequest(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": rec})
}

// ReleaseRequest handles POST /v1/contracts/:id/release-request — the
// freelancer asks for payout on a completed contract.
func (h *Handler) ReleaseRequest(c *gin.Context) {
	callerID := c.GetString("authUserID")

	ctr, err := h.service.RequestFundRelease(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": ctr})
}

// History handles GET /v1/contracts/:id/settlements
func (h *Handler) History(c *gin.Context) {
	recs, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": recs, "count": len(recs)})
}

// Reconcile handles POST /admin/reconcile — runs one reconciliation
// pass immediately.
func (h *Handler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Reconciler not configured"})
		return
	}
	h.reconciler.Run(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondSettlementError maps domain errors to HTTP responses.
func respondSettlementError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, contract.ErrContractNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, contract.ErrNotClient), errors.Is(err, contract.ErrNotFreelancer):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this contract",
		})
	case errors.Is(err, ErrRefundUnavailable), errors.Is(err, ErrNotCanceled), errors.Is(err, ErrNotCompleted):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadySettled),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyRefunded),
		errors.Is(err, escrow.ErrNotFunded),
		errors.Is(err, contract.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Settlement operation failed",
		})
	}
}
