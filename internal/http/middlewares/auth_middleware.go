package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const tokenHeader = "X-API-Key"

// RequireToken gates mutation endpoints behind the shared dashboard secret.
// An empty configured token disables the check entirely; read-only routes
// never pass through here.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := c.GetHeader(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Missing or invalid API key",
				},
			})
			return
		}

		c.Next()
	}
}
