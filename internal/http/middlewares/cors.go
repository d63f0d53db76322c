package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSAllowAll mirrors the permissive policy the dashboard has always had:
// it is a local tool, and the real gate is the API token.
func CORSAllowAll() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Header("Access-Control-Allow-Origin", "*")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Content-Type,X-API-Key")

		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}

		ctx.Next()
	}
}
