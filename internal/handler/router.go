package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xxxsen/vcode/internal/middleware"
)

type RouterDeps struct {
	Verification *VerificationHandler
	JWTSecret    []byte
}

func preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.OPTIONS("/send-verification-code", preflight)
	api.OPTIONS("/verify-code", preflight)
	api.OPTIONS("/verify-email", preflight)

	authGroup := api.Group("")
	authGroup.Use(middleware.BearerAuth(deps.JWTSecret))
	authGroup.POST("/send-verification-code", deps.Verification.SendCode)
	authGroup.POST("/verify-code", deps.Verification.VerifyCode)
	authGroup.POST("/verify-email", deps.Verification.VerifyEmail)
}
