package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/validation"
)

// Handler provides HTTP endpoints for API key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
}

// RegisterProtectedRoutes sets up protected auth routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:id", h.RevokeKey)
}

// RegisterRequest contains the parameters for registering a participant.
type RegisterRequest struct {
	Address string `json:"address" binding:"required"`
	Name    string `json:"name"`
}

// Register handles POST /v1/auth/register. Issues a fresh API key for the
// address; the raw key appears once in the response and is never stored.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Address, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey": rawKey,
		"key":    key,
	})
}

// ListKeys handles GET /v1/auth/keys
func (h *Handler) ListKeys(c *gin.Context) {
	addr := GetAuthenticatedAddr(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/auth/keys/:id
func (h *Handler) RevokeKey(c *gin.Context) {
	addr := GetAuthenticatedAddr(c)
	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), addr); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "API key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
