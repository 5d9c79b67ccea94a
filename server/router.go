package server

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// setupRouter wires the minimal gin surface: health check and the terminal
// WebSocket upgrade, with the same ambient middleware stack and request
// logging texture used across the rest of the retrieval pack.
func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	r.Use(logrusMiddleware())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/terminal/ws", s.handleTerminalWS)

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sensitiveQueryParams mirrors the retrieval pack's log-redaction list so a
// recovery token passed as a query parameter never reaches the access log.
var sensitiveQueryParams = []string{
	"token", "recovery_token", "recoveryToken", "access_token", "authorization", "auth",
}

func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}
	basePath, queryString := parts[0], parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		result := pathWithQuery
		for _, p := range sensitiveQueryParams {
			pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(p) + `=)[^&\s]*`)
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
		}
		return result
	}

	changed := false
	for key := range values {
		for _, p := range sensitiveQueryParams {
			if strings.EqualFold(key, p) {
				values.Set(key, "[REDACTED]")
				changed = true
				break
			}
		}
	}
	if !changed {
		return pathWithQuery
	}
	return basePath + "?" + values.Encode()
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitized := redactSecrets(path)

		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		status := c.Writer.Status()

		msg := fmt.Sprintf("%s %s %d %dms", c.Request.Method, sanitized, status, latency)
		switch {
		case len(c.Errors) > 0:
			logrus.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		case status >= http.StatusInternalServerError, status >= http.StatusBadRequest:
			logrus.Error(msg)
		default:
			logrus.Info(msg)
		}
	}
}
