package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// requestLogger logs one structured line per request. Query strings are
// omitted: they may carry page tokens and external identifiers.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		switch {
		case c.Writer.Status() >= 500:
			s.log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			s.log.Warn("request", fields...)
		default:
			s.log.Info("request", fields...)
		}
	}
}

// actingUser reads the authenticated principal propagated by the gateway.
func actingUser(c *gin.Context) string {
	return c.GetHeader("X-User-Id")
}
