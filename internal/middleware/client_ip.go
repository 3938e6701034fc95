package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientIP prefers the address reported by the edge proxy. The headers are
// client controlled when no proxy strips them, which makes keys built on
// them only as trustworthy as the deployment.
func ClientIP(c *gin.Context) string {
	if ip := strings.TrimSpace(c.GetHeader("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}
