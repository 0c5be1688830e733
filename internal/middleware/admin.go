package middleware

import (
	"crypto/subtle"

	"github.com/GoPolymarket/polyexec/internal/config"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const (
	HeaderAdminKey  = "X-Admin-Key"
	ContextAdminKey = "admin_key"
)

// AdminMiddleware guards the control API. With no key configured every
// request is refused.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "admin key not configured", nil))
			return
		}
		got := c.GetHeader(HeaderAdminKey)
		if got == "" {
			// browsers cannot set headers on websocket upgrades
			got = c.Query("admin_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Auth.AdminKey)) != 1 {
			abortWith(c, apperrors.New(apperrors.ErrAuthFailed, "invalid admin key", nil))
			return
		}
		c.Set(ContextAdminKey, got)
		c.Next()
	}
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, err)
}
