// Package middleware provides the Gin middleware registered by internal/api/router.go in front
// of every todofetch route, including the catch-all static file handler.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/todofetch/todofetch/internal/telemetry"
)

const (
	// StaticPathLabel labels requests answered by the catch-all static handler.
	StaticPathLabel = "<static>"
	// NoRoutePathLabel labels unmatched requests that ended in 404 or 405.
	NoRoutePathLabel = "<no-route>"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for every
// request. The path label is the matched route template; requests without one are folded
// into StaticPathLabel or NoRoutePathLabel so raw URLs never become label values.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final status is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = StaticPathLabel
			if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
				path = NoRoutePathLabel
			}
		}

		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
