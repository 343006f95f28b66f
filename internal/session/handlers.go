package session

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/sessionpay/internal/token"
	"github.com/mbd888/sessionpay/internal/validation"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new session handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/available", h.GetAvailable)
	r.GET("/sessions/:id/health", h.GetHealth)
	r.GET("/sessions/:id/recovery-plan", h.GetRecoveryPlan)
	r.GET("/participants/:address/sessions", h.ListSessions)
}

// RegisterProtectedRoutes sets up protected (auth-required) session routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.POST("/sessions/:id/start", h.StartSession)
	r.POST("/sessions/:id/heartbeat", h.Heartbeat)
	r.POST("/sessions/:id/pause", h.PauseSession)
	r.POST("/sessions/:id/complete", h.CompleteSession)
	r.POST("/sessions/:id/dispute", h.RaiseDispute)

	// Anyone with a key can drive the recovery paths; eligibility is
	// enforced by the engine (start window, remedy plan, attempt budget).
	r.POST("/sessions/:id/no-show-refund", h.NoShowRefund)
	r.POST("/sessions/:id/auto-complete", h.AutoCompleteSession)
	r.POST("/sessions/:id/recover", h.Recover)
}

// RegisterAdminRoutes sets up administrator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:id/resolve", h.ResolveDispute)
	r.POST("/sessions/:id/partial-refund", h.PartialRefund)
	r.POST("/sessions/:id/emergency-refund", h.EmergencyRefund)
	r.POST("/sessions/:id/unlock", h.Unlock)
	r.GET("/sessions/manual-intervention", h.ListManualIntervention)
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("counterparty_addr", req.CounterpartyAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr") // Set by auth middleware
	s, err := h.service.Create(c.Request.Context(), callerAddr, req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrSameParty), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDuration):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrSessionExists):
			status = http.StatusConflict
			code = "already_exists"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": s})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ListSessions handles GET /v1/participants/:address/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	sessions, err := h.service.ListByParticipant(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetAvailable handles GET /v1/sessions/:id/available
func (h *Handler) GetAvailable(c *gin.Context) {
	rel, err := h.service.GetAvailablePayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available":    token.Format(rel.Amount),
		"counterparty": token.Format(rel.Counterparty),
		"fee":          token.Format(rel.Fee),
		"fractionBps":  rel.FractionBps,
	})
}

// GetHealth handles GET /v1/sessions/:id/health
func (h *Handler) GetHealth(c *gin.Context) {
	health, err := h.service.CheckHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"health": health})
}

// GetRecoveryPlan handles GET /v1/sessions/:id/recovery-plan
func (h *Handler) GetRecoveryPlan(c *gin.Context) {
	plan, err := h.service.GetRecoveryPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// StartSession handles POST /v1/sessions/:id/start
func (h *Handler) StartSession(c *gin.Context) {
	s, err := h.service.Start(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// Heartbeat handles POST /v1/sessions/:id/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	s, err := h.service.Heartbeat(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// PauseSession handles POST /v1/sessions/:id/pause
func (h *Handler) PauseSession(c *gin.Context) {
	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	s, err := h.service.Pause(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// CompleteSession handles POST /v1/sessions/:id/complete
func (h *Handler) CompleteSession(c *gin.Context) {
	s, err := h.service.Complete(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// RaiseDispute handles POST /v1/sessions/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	s, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ResolveDispute handles POST /v1/admin/sessions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (completed, cancelled, or resumed)",
		})
		return
	}

	s, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// PartialRefund handles POST /v1/admin/sessions/:id/partial-refund
func (h *Handler) PartialRefund(c *gin.Context) {
	var req PartialRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "completedBps is required",
		})
		return
	}

	s, err := h.service.ProcessPartialRefund(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// EmergencyRefund handles POST /v1/admin/sessions/:id/emergency-refund
func (h *Handler) EmergencyRefund(c *gin.Context) {
	var req EmergencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	s, err := h.service.ProcessEmergencyRefund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// Unlock handles POST /v1/admin/sessions/:id/unlock
func (h *Handler) Unlock(c *gin.Context) {
	var req UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "target is required (active, cancelled, or completed)",
		})
		return
	}

	s, err := h.service.AdminUnlock(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// NoShowRefund handles POST /v1/sessions/:id/no-show-refund
func (h *Handler) NoShowRefund(c *gin.Context) {
	s, err := h.service.ProcessNoShowRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// AutoCompleteSession handles POST /v1/sessions/:id/auto-complete
func (h *Handler) AutoCompleteSession(c *gin.Context) {
	s, err := h.service.AutoComplete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// Recover handles POST /v1/sessions/:id/recover
func (h *Handler) Recover(c *gin.Context) {
	s, err := h.service.ExecuteAutoRecovery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ListManualIntervention handles GET /v1/admin/sessions/manual-intervention
func (h *Handler) ListManualIntervention(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	sessions, err := h.service.ListManualIntervention(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// writeError maps service errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrSessionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalStatus),
		errors.Is(err, ErrStaleStatus), errors.Is(err, ErrEmergencyLocked):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrTransitionBudget), errors.Is(err, ErrTransitionDelay),
		errors.Is(err, ErrRecoveryCooldown):
		status = http.StatusTooManyRequests
		code = "rate_limited"
	case errors.Is(err, ErrNotYetEligible), errors.Is(err, ErrStartWindowElapsed),
		errors.Is(err, ErrDisputeWindowRunning):
		status = http.StatusConflict
		code = "not_eligible"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrReasonRequired), errors.Is(err, ErrSameParty):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrInsufficientEscrow):
		status = http.StatusUnprocessableEntity
		code = "insufficient_escrow"
	case errors.Is(err, ErrTimestampRegression):
		status = http.StatusConflict
		code = "clock_regression"
	case errors.Is(err, ErrManualIntervention):
		status = http.StatusConflict
		code = "manual_intervention_required"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
