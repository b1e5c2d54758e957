package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// Эти маршруты опрашиваются постоянно.
var quietRoutes = map[string]struct{}{"/health": {}, "/metrics": {}}

// ZapLogger пишет по строке zap на запрос к служебному серверу, кроме quietRoutes.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.URL.Path
		if _, quiet := quietRoutes[route]; quiet {
			c.Next()
			return
		}

		requestID := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		code := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("route", c.Request.Method+" "+route),
			zap.Int("code", code),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		}
		if errs := c.Errors.Errors(); len(errs) > 0 {
			fields = append(fields, zap.Strings("errors", errs))
		}

		switch {
		case code >= http.StatusInternalServerError:
			log.Error("Ops request failed", fields...)
		case code >= http.StatusBadRequest:
			log.Warn("Ops request rejected", fields...)
		default:
			log.Info("Ops request", fields...)
		}
	}
}
