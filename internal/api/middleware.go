package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/telemetry"
)

const requestIDHeader = "X-Request-ID"

type sessionKey struct{}

// Session is the request-scoped caller context.
type Session struct {
	RequestID     string
	Authenticated bool
	StartedAt     time.Time
}

// SessionFrom returns the session stored in ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// session rejects requests without the configured bearer token. An empty token disables the check.
func session(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := &Session{RequestID: c.GetString(requestIDHeader), StartedAt: time.Now()}
		if token != "" {
			got := extractBearerToken(c)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":      gin.H{"code": "unauthorized", "message": "missing or invalid bearer token"},
					"request_id": sess.RequestID,
				})
				return
			}
			sess.Authenticated = true
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), sessionKey{}, sess))
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		telemetry.ObserveSince(telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, route), start)

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDHeader)),
		)
	}
}

func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+requestIDHeader)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
