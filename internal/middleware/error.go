package middleware

import (
	"errors"

	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := toAppError(c.Errors.Last().Err)
		logFields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"code", appErr.Type,
			"request_id", c.GetString(ContextRequestID),
		}
		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// toAppError keeps explicit AppErrors and maps exchange failures by kind.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var exErr *apperrors.ExchangeError
	if errors.As(err, &exErr) {
		switch exErr.Kind {
		case apperrors.KindRateLimited:
			return apperrors.New(apperrors.ErrRateLimited, "exchange rate limit", err)
		case apperrors.KindInvalidOrder, apperrors.KindInsufficientBalance:
			return apperrors.New(apperrors.ErrInvalidRequest, exErr.Kind.String(), err)
		default:
			return apperrors.New(apperrors.ErrUpstream, "exchange call failed", err)
		}
	}
	return apperrors.New(apperrors.ErrInternal, "internal error", err)
}
