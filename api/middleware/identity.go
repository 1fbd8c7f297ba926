package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/shadowtwin/pkg/logger"
)

const (
	HeaderUserEmail     = "X-User-Email"
	HeaderCallbackToken = "X-Callback-Token"
	HeaderRequestID     = "X-Request-ID"

	userKey      = "userEmail"
	requestIDKey = "requestId"
)

// Identity copies the caller identity set by the authenticating proxy into
// the context. It does not authenticate.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if email := strings.TrimSpace(c.GetHeader(HeaderUserEmail)); email != "" {
			email = strings.ToLower(email)
			c.Set(userKey, email)
			c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), email))
		}
		c.Next()
	}
}

// RequireIdentity rejects requests without a caller identity.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserEmail(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "caller identity is required",
			})
			return
		}
		c.Next()
	}
}

func UserEmail(c *gin.Context) string {
	return c.GetString(userKey)
}
