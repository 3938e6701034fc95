package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/middleware"
	appErr "github.com/xxxsen/vcode/internal/pkg/errors"
	"github.com/xxxsen/vcode/internal/pkg/response"
)

const (
	msgInvalidRequest  = "Invalid request body"
	msgInvalidCode     = "Invalid or expired verification code"
	msgAccountNotFound = "No account found for this email"
	msgTooMany         = "Too many requests. Please try again later."
	msgLocked          = "Too many failed attempts. Please try again later."
	msgInternal        = "Internal server error"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)

	var validation *appErr.ValidationError
	switch {
	case errors.As(err, &validation):
		response.Error(c, http.StatusBadRequest, validation.Msg)
	case errors.Is(err, appErr.ErrInvalidCode):
		response.Error(c, http.StatusBadRequest, msgInvalidCode)
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, http.StatusBadRequest, msgInvalidRequest)
	case errors.Is(err, appErr.ErrAccountNotFound):
		response.Error(c, http.StatusNotFound, msgAccountNotFound)
	case errors.Is(err, appErr.ErrLocked):
		response.Throttled(c, msgLocked, true, appErr.RetryAfter(err))
	case errors.Is(err, appErr.ErrTooMany):
		response.Throttled(c, msgTooMany, false, appErr.RetryAfter(err))
	default:
		logger.Error("request failed")
		response.Error(c, http.StatusInternalServerError, msgInternal)
		return
	}
	logger.Debug("request rejected")
}
