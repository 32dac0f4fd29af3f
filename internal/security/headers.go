// Package security provides security middleware for the risk API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The service
// serves JSON only, so nothing may be framed, sniffed or cached.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		// Risk scores and behavioral history are per-user and change on every call.
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// CORSMiddleware handles CORS for dashboard origins. With no allowed
// origins configured, cross-origin requests get no CORS headers.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (originsMap[origin] || originsMap["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard plus credentials is rejected by browsers.
			if !originsMap["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
