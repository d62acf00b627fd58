package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow reads. Mutations go through
// the payments webhook (funding) and the settlement service.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up escrow read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/contracts/:id/escrow", h.GetContractEscrow)
	r.GET("/users/:id/escrows", h.ListEscrows)
}

// RegisterAdminRoutes sets up admin reporting routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/held", h.TotalHeld)
	r.GET("/escrow/revenue", h.TotalRevenue)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetContractEscrow handles GET /v1/contracts/:id/escrow
func (h *Handler) GetContractEscrow(c *gin.Context) {
	e, err := h.ledger.GetByContract(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.ledger.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list escrows",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// TotalHeld handles GET /v1/admin/escrow/held — platform liability.
func (h *Handler) TotalHeld(c *gin.Context) {
	total, err := h.ledger.TotalHeld(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute held total",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalHeldCents": total})
}

// TotalRevenue handles GET /v1/admin/escrow/revenue — realized fees.
func (h *Handler) TotalRevenue(c *gin.Context) {
	total, err := h.ledger.TotalPlatformRevenue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute revenue total",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalRevenueCents": total})
}

func respondEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrActiveEscrow), errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escrow operation failed",
		})
	}
}
