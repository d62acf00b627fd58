package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/logging"
	"github.com/hirewire/hirewire/internal/metrics"
)

// Stripe webhook payloads are small; cap reads well above any real one.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for checkout and the Stripe webhook.
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, secret: webhookSecret}
}

// RegisterRoutes sets up the authenticated checkout route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts/:id/checkout", h.CreateCheckout)
}

// RegisterWebhookRoutes sets up the unauthenticated webhook route.
// Stripe authenticates itself via the signature header.
func (h *Handler) RegisterWebhookRoutes(r *gin.Engine) {
	r.POST("/stripe/webhook", h.Webhook)
}

// CreateCheckout handles POST /v1/contracts/:id/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	callerID := c.GetString("authUserID")

	sess, err := h.service.CreateCheckoutSession(c.Request.Context(), c.Param("id"), callerID)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkout": sess})
}

// Webhook handles POST /stripe/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.secret)
	if err != nil {
		metrics.StripeWebhooksTotal.WithLabelValues("invalid_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		sess, err := parseCheckoutSession(event.Data.Raw)
		if err != nil {
			metrics.StripeWebhooksTotal.WithLabelValues("parse_error").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
			return
		}
		if err := h.service.HandleCheckoutCompleted(c.Request.Context(), sess); err != nil {
			metrics.StripeWebhooksTotal.WithLabelValues("funding_error").Inc()
			logging.L(c.Request.Context()).Error("webhook funding failed",
				"eventId", event.ID, "error", err)
			// Non-2xx makes Stripe retry, which is what we want for
			// transient store failures.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "funding_failed"})
			return
		}
		metrics.StripeWebhooksTotal.WithLabelValues("ok").Inc()
	default:
		metrics.StripeWebhooksTotal.WithLabelValues("ignored").Inc()
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// respondPaymentError maps domain errors to HTTP responses.
func respondPaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, contract.ErrContractNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Contract not found",
		})
	case errors.Is(err, contract.ErrNotClient):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the contract client may fund",
		})
	case errors.Is(err, ErrNotApproved):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "not_approved",
			"message": "Freelancer has not approved the contract",
		})
	case errors.Is(err, ErrAlreadyFunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Contract escrow is already funded",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Checkout failed",
		})
	}
}
