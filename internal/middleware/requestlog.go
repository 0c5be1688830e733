package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID  = "X-Request-ID"
	ContextRequestID = "request_id"
	maxLoggedBody    = 2048
)

var sensitiveFields = map[string]struct{}{
	"password":       {},
	"private_key":    {},
	"keystore":       {},
	"api_secret":     {},
	"api_passphrase": {},
}

// RequestLogger tags each request with an id and writes one access log line.
// Request bodies are logged at debug level with credentials masked.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(ContextRequestID, reqID)
		c.Header(HeaderRequestID, reqID)

		var body []byte
		if c.Request.Body != nil && c.Request.Method != "GET" {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		c.Next()

		fields := []any{
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if len(body) > 0 {
			fields = append(fields, "body", redactBody(body))
		}
		if c.Writer.Status() >= 500 {
			logger.Warn("request", fields...)
		} else {
			logger.Debug("request", fields...)
		}
	}
}

func redactBody(body []byte) string {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return "[redacted]"
	}
	redactMap(data)
	out, err := json.Marshal(data)
	if err != nil {
		return "[redacted]"
	}
	if len(out) > maxLoggedBody {
		return string(out[:maxLoggedBody]) + "..."
	}
	return string(out)
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if _, ok := sensitiveFields[strings.ToLower(k)]; ok {
			m[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redactMap(nested)
		}
	}
}
