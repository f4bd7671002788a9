package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fomorip/internal/logging"
)

const (
	// ContextKeySession is the key for storing the session in gin context
	ContextKeySession = "authSession"
	// ContextKeyWallet is the key for storing the authenticated wallet
	ContextKeyWallet = "authWallet"
	// ModeratorHeader carries the moderator secret.
	ModeratorHeader = "X-Moderator-Secret"
)

// Middleware extracts and validates the session token from the request.
// Sets authSession and authWallet in context if valid
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.GetHeader("X-Session-Token")
		}

		if token != "" {
			s, err := m.ValidateToken(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeySession, s)
				c.Set(ContextKeyWallet, s.Wallet)
				c.Request = c.Request.WithContext(logging.WithWallet(c.Request.Context(), s.Wallet))
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeySession); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireModerator rejects requests that do not carry the moderator secret.
// An empty secret disables moderator access entirely.
func RequireModerator(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(ModeratorHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Moderator access required.",
			})
			return
		}
		c.Next()
	}
}

// GetSession returns the session from context (if authenticated)
func GetSession(c *gin.Context) (*Session, bool) {
	s, exists := c.Get(ContextKeySession)
	if !exists {
		return nil, false
	}
	sess, ok := s.(*Session)
	return sess, ok
}

// GetWallet returns the authenticated wallet
func GetWallet(c *gin.Context) string {
	return c.GetString(ContextKeyWallet)
}
