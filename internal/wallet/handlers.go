package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet reads. Wallets are only
// mutated by settlements and the funding webhook, never directly over
// HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/me", h.GetWallet)
	r.GET("/wallets/me/transactions", h.ListTransactions)
	r.GET("/wallets/me/sales/monthly", h.MonthlySales)
}

// RegisterAdminRoutes sets up the admin transaction dashboard route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.AdminTransactions)
}

// GetWallet handles GET /v1/wallets/me
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.GetString("authUserID")

	w, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			// A user with no wallet simply has a zero balance.
			c.JSON(http.StatusOK, gin.H{"wallet": &Wallet{UserID: userID}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallets/me/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.GetString("authUserID")
	limit := parseLimit(c, 50)

	txns, err := h.service.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// MonthlySales handles GET /v1/wallets/me/sales/monthly
func (h *Handler) MonthlySales(c *gin.Context) {
	userID := c.GetString("authUserID")

	report, err := h.service.MonthlySalesReport(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to build sales report",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"months": report})
}

// AdminTransactions handles GET /v1/admin/transactions
func (h *Handler) AdminTransactions(c *gin.Context) {
	limit := parseLimit(c, 100)

	txns, err := h.service.AdminTransactions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

func parseLimit(c *gin.Context, fallback int) int {
	limit := fallback
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}
	return limit
}
