package middleware

import (
	"errors"
	"net/http"

	"livegrid/internal/core/domain"
	apperrors "livegrid/pkg/errors"
	"livegrid/pkg/logger"
	"livegrid/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ToAppError maps domain failures onto HTTP-facing errors. Unknown errors
// become a 500 that does not leak the cause.
func ToAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUpstream):
		return apperrors.NewBadGatewayError("room server request failed", err)
	case errors.Is(err, domain.ErrStreamNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidTransition, err.Error(), http.StatusConflict)
	case domain.IsNotApplied(err):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "stream was modified concurrently, re-read and retry", http.StatusConflict)
	case errors.Is(err, domain.ErrStreamNotActive):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
	}
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error, unless the handler already wrote a response.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log)

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		appErr := ToAppError(err)
		l := ctxLogger.For(c.Request.Context()).With(
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			l.Errorw("request failed", "error", err)
			tracing.RecordError(c.Request.Context(), err)
		} else {
			l.Infow("request rejected", "error", err)
		}

		if c.Writer.Written() {
			return
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware converts panics into a 500 response.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
