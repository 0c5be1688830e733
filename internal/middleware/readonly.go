package middleware

import (
	"net/http"
	"strings"

	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// ReadOnlyMiddleware freezes the control API. Reads still work, and so does
// disabling auto-trading so an operator can always pull keys out of memory.
func ReadOnlyMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		if c.Request.Method == http.MethodDelete && strings.HasSuffix(c.FullPath(), "/auto-trading") {
			c.Next()
			return
		}

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			abortWith(c, apperrors.New(apperrors.ErrReadOnly, "read-only mode enabled", nil))
		}
	}
}
