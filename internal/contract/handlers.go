package contract

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for contract operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up contract routes. Caller identity is taken from
// the authUserID context key set by the identity middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts/:id", h.GetContract)
	r.POST("/contracts/:id/approve", h.ApproveContract)
	r.POST("/contracts/:id/status", h.UpdateStatus)
	r.GET("/users/:id/contracts", h.ListContracts)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Only the hiring client may create the contract.
	callerID := c.GetString("authUserID")
	if callerID != req.ClientID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Authenticated user must be the hiring client",
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Contract amount must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "contract_failed",
			"message": "Failed to create contract",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondContractError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ApproveContract handles POST /v1/contracts/:id/approve
func (h *Handler) ApproveContract(c *gin.Context) {
	callerID := c.GetString("authUserID")

	contract, err := h.service.Approve(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondContractError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// statusUpdateRequest is the body for POST /v1/contracts/:id/status.
type statusUpdateRequest struct {
	Status Status `json:"status" binding:"required"`
}

// UpdateStatus handles POST /v1/contracts/:id/status — non-financial
// lifecycle moves (started → ongoing). Settlement-triggering moves go
// through the settlement endpoints.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	contract, err := h.service.Transition(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondContractError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ListContracts handles GET /v1/users/:id/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	contracts, err := h.service.ListByParticipant(
		c.Request.Context(), c.Param("id"), Status(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list contracts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
}

// respondContractError maps domain errors to HTTP responses.
func respondContractError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Contract not found",
		})
	case errors.Is(err, ErrNotFreelancer), errors.Is(err, ErrNotClient):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this contract",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadyApproved), errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Contract operation failed",
		})
	}
}
