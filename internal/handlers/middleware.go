package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rohanbatrain/sbd-signaling/internal/errs"
)

// OriginFilter enforces the configured origin allow-list and answers CORS
// preflights. Requests without an Origin header (same-origin, curl, server
// to server) pass through; "*" in the list admits every origin.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			// direct WebSocket connections may carry the legacy header
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}
		if origin == "" {
			c.Next()
			return
		}

		if !allowAll && !allowed[origin] {
			err := errs.Forbidden("origin_not_allowed", "origin is not allowed")
			c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{"error": gin.H{
				"kind":    errs.KindOf(err),
				"code":    errs.CodeOf(err),
				"message": errs.MessageOf(err),
			}})
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
