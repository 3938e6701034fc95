package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/pkg/jwt"
	"github.com/xxxsen/vcode/internal/pkg/response"
)

const ContextSubjectKey = "subject"

// BearerAuth requires an Authorization header. With a secret the header must
// carry a valid HS256 bearer token; without one any value passes and the
// gateway in front of the service is trusted to have checked it.
func BearerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, http.StatusUnauthorized, "No authorization header provided")
			return
		}
		if len(secret) == 0 {
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, http.StatusUnauthorized, "Invalid authorization header")
			return
		}
		claims, err := jwt.ParseToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			logutil.GetLogger(c.Request.Context()).Debug("bearer rejected", zap.Error(err))
			response.Error(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		c.Set(ContextSubjectKey, claims.Subject)
		c.Next()
	}
}
