package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet login
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public login routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/nonce", h.Nonce)
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up routes for signed-in wallets.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/sessions", h.ListSessions)
	r.POST("/auth/logout", h.Logout)
}

// NonceRequest is the body of POST /v1/auth/nonce
type NonceRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

// Nonce handles POST /v1/auth/nonce
func (h *Handler) Nonce(c *gin.Context) {
	var req NonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet is required",
		})
		return
	}

	n, err := h.manager.IssueNonce(c.Request.Context(), req.Wallet)
	if err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue nonce",
		})
		return
	}

	c.JSON(http.StatusOK, n)
}

// LoginRequest is the body of POST /v1/auth/login
type LoginRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "wallet and signature are required",
		})
		return
	}

	token, s, err := h.manager.Login(c.Request.Context(), req.Wallet, req.Signature)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	case errors.Is(err, ErrNonceNotFound), errors.Is(err, ErrNonceExpired), errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login_failed", "message": err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Login failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"wallet":    s.Wallet,
		"expiresAt": s.ExpiresAt,
		"warning":   "Store this token securely. It will not be shown again.",
	})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	s, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":    s.Wallet,
		"sessionId": s.ID,
		"createdAt": s.CreatedAt,
		"expiresAt": s.ExpiresAt,
	})
}

// ListSessions handles GET /v1/auth/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	s, ok := GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessions, err := h.manager.ListSessions(c.Request.Context(), s.Wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// Logout handles POST /v1/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.GetHeader("X-Session-Token")
	}
	if err := h.manager.Logout(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
