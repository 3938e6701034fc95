package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/vcode/internal/middleware"
	"github.com/xxxsen/vcode/internal/pkg/response"
	"github.com/xxxsen/vcode/internal/service"
)

// VerificationService is the part of service.VerificationService the
// handlers call.
type VerificationService interface {
	SendCode(ctx context.Context, req service.SendCodeRequest) error
	VerifyCode(ctx context.Context, req service.VerifyCodeRequest) error
	VerifyEmail(ctx context.Context, req service.VerifyCodeRequest) error
}

type VerificationHandler struct {
	svc VerificationService
}

func NewVerificationHandler(svc VerificationService) *VerificationHandler {
	return &VerificationHandler{svc: svc}
}

type sendCodeRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

type verifyCodeRequest struct {
	Email   string `json:"email"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

func (h *VerificationHandler) SendCode(c *gin.Context) {
	var req sendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, msgInvalidRequest)
		return
	}
	err := h.svc.SendCode(c.Request.Context(), service.SendCodeRequest{
		Email:    req.Email,
		Purpose:  req.Purpose,
		ClientIP: middleware.ClientIP(c),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, "Verification code sent")
}

func (h *VerificationHandler) VerifyCode(c *gin.Context) {
	req, ok := h.bindVerify(c)
	if !ok {
		return
	}
	if err := h.svc.VerifyCode(c.Request.Context(), req); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, "Code verified")
}

func (h *VerificationHandler) VerifyEmail(c *gin.Context) {
	req, ok := h.bindVerify(c)
	if !ok {
		return
	}
	if err := h.svc.VerifyEmail(c.Request.Context(), req); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, "Email verified")
}

func (h *VerificationHandler) bindVerify(c *gin.Context) (service.VerifyCodeRequest, bool) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, msgInvalidRequest)
		return service.VerifyCodeRequest{}, false
	}
	return service.VerifyCodeRequest{
		Email:    req.Email,
		Code:     req.Code,
		Purpose:  req.Purpose,
		ClientIP: middleware.ClientIP(c),
	}, true
}
