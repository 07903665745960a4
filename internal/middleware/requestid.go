package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jsdbg/jsdbg/internal/shared/id"
)

// RequestIDKey is the gin context key the request id is stored under.
const RequestIDKey = "request_id"

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a req_* ULID, unless the caller already
// supplied one, and echoes it back in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = id.NewRequestID().String()
		}
		c.Set(RequestIDKey, rid)
		c.Header(RequestIDHeader, rid)
		c.Next()
	}
}
