package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhooks handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up protected webhook routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.Subscribe)
	r.GET("/webhooks", h.List)
	r.DELETE("/webhooks/:id", h.Unsubscribe)
}

// SubscribeRequest contains the parameters for a webhook subscription.
type SubscribeRequest struct {
	URL    string      `json:"url" binding:"required"`
	Secret string      `json:"secret"`
	Events []EventType `json:"events" binding:"required"`
}

// Subscribe handles POST /v1/webhooks
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:              idgen.WithPrefix("whk_"),
		ParticipantAddr: c.GetString("authAgentAddr"),
		URL:             req.URL,
		Secret:          req.Secret,
		Events:          req.Events,
		Active:          true,
		CreatedAt:       time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// List handles GET /v1/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.GetByParticipant(c.Request.Context(), c.GetString("authAgentAddr"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// Unsubscribe handles DELETE /v1/webhooks/:id
func (h *Handler) Unsubscribe(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil || sub.ParticipantAddr != c.GetString("authAgentAddr") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
