// Package api wires the HTTP surface of todofetch serve: a clock endpoint, a proxy for the
// upstream todo document, health and version probes, and a catch-all static file handler
// for everything else.
//
// Every route sits behind the same middleware chain, so security headers, CORS, request IDs
// and metrics apply to static files and 404s as much as to the JSON endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/todofetch/todofetch/internal/config"
	"github.com/todofetch/todofetch/internal/middleware"
	"github.com/todofetch/todofetch/internal/static"
	"github.com/todofetch/todofetch/internal/telemetry"
	"github.com/todofetch/todofetch/pkg/checksum"
)

// utcMillisLayout renders times like JavaScript's Date.toISOString.
const utcMillisLayout = "2006-01-02T15:04:05.000Z"

// TodoFetcher returns the upstream document re-encoded as compact JSON.
type TodoFetcher interface {
	FetchJSON(ctx context.Context) ([]byte, error)
}

// BackgroundServices holds goroutine-owning components created by NewRouter. The caller
// (cmd/todofetch) calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	rateLimiters []middleware.Limiter
}

// Shutdown stops all background goroutines.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, todos TodoFetcher, public *static.Dir, version string) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.StaticSiteSecurityHeadersConfig()))

	if cfg.Security.RateLimiting.Enabled {
		limiter, err := newLimiter(cfg.Security.RateLimiting)
		if err != nil {
			return nil, nil, err
		}
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		router.Use(middleware.RateLimitMiddleware(limiter))
	}

	router.GET("/time", timeHandler(time.Now))
	router.GET("/health", healthCheckHandler())
	router.GET("/version", versionHandler(cfg.Telemetry.ServiceName, version))
	router.GET("/api/todo", todoHandler(todos))

	router.NoRoute(staticHandler(public))

	return router, bg, nil
}

func newLimiter(cfg config.RateLimitingConfig) (middleware.Limiter, error) {
	limits := middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
	}
	if cfg.RedisURL == "" {
		return middleware.NewRateLimiter(limits), nil
	}
	limiter, err := middleware.NewRedisRateLimiter(cfg.RedisURL, limits)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	slog.Info("rate limits shared through redis")
	return limiter, nil
}

// timeHandler reports the current time as an ISO-8601 UTC string and as Unix milliseconds.
func timeHandler(now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		t := now().UTC()
		c.JSON(http.StatusOK, gin.H{
			"utc_time":  t.Format(utcMillisLayout),
			"timestamp": t.UnixMilli(),
		})
	}
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler(service, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": service,
			"version": version,
		})
	}
}

// todoHandler fetches the upstream document once per request; any fetch error is a 502.
func todoHandler(todos TodoFetcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := todos.FetchJSON(c.Request.Context())
		if err != nil {
			requestID := middleware.GetRequestID(c)
			slog.WarnContext(c.Request.Context(), "upstream fetch failed",
				"error", err,
				"request_id", requestID,
			)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":      "upstream fetch failed",
				"request_id": requestID,
			})
			return
		}

		etag := checksum.ETag(body)
		c.Header("ETag", etag)
		c.Header("Cache-Control", "no-cache")
		if checksum.MatchesETag(c.GetHeader("If-None-Match"), etag) {
			c.Status(http.StatusNotModified)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// staticHandler serves files from the public directory for any GET or HEAD that no route
// matched. Traversal attempts and missing files look the same to the client.
func staticHandler(public *static.Dir) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			notFound(c)
			return
		}

		urlPath := c.Request.URL.Path
		data, contentType, err := public.Read(urlPath)
		if err != nil {
			switch {
			case errors.Is(err, static.ErrOutsideRoot):
				slog.Warn("path traversal attempt", "path", urlPath, "ip", c.ClientIP())
			case errors.Is(err, static.ErrNotFound):
			default:
				slog.Error("failed to read static file", "path", urlPath, "error", err)
			}
			notFound(c)
			return
		}

		etag := checksum.ETag(data)
		c.Header("ETag", etag)
		if checksum.MatchesETag(c.GetHeader("If-None-Match"), etag) {
			c.Status(http.StatusNotModified)
			return
		}

		telemetry.StaticFilesServedTotal.WithLabelValues(contentType).Inc()
		c.Data(http.StatusOK, contentType, data)
	}
}

func notFound(c *gin.Context) {
	c.Data(http.StatusNotFound, "text/plain; charset=utf-8", []byte("Not Found"))
}

// LoggerMiddleware logs one structured record per request: error level for 5xx, warn for 4xx.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS. A "*" entry allows every origin without credentials; an
// explicit list echoes the matching origin back.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	wildcard := false
	allowed := make(map[string]struct{}, len(cfg.Security.CORS.AllowedOrigins))
	for _, o := range cfg.Security.CORS.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		ok := false
		if _, match := allowed[origin]; match && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
			ok = true
		} else if wildcard {
			c.Header("Access-Control-Allow-Origin", "*")
			ok = true
		}

		if ok {
			c.Header("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, If-None-Match, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "ETag, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
