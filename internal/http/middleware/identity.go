package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "userID"

// UserIDHeader carries the authenticated caller, injected by the upstream
// gateway after session validation. This service does not authenticate users
// itself; it only needs a trusted identity for ownership checks.
const UserIDHeader = "X-User-ID"

// RequireIdentity rejects requests missing the gateway-injected user header.
func RequireIdentity(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Caller identity required."})
		return
	}
	c.Set(userIDKey, userID)
	c.Next()
}

// GetUserID exposes the authenticated caller to handlers.
func GetUserID(c *gin.Context) (string, bool) {
	value, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	userID, ok := value.(string)
	return userID, ok && userID != ""
}
