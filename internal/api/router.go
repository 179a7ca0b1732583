// Package api exposes batch admission over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/health"
	"github.com/austindbirch/harbor_post/internal/logging"
	"github.com/austindbirch/harbor_post/internal/schedule"
)

// Submitter admits batches; *schedule.Coordinator implements it.
type Submitter interface {
	Submit(ctx context.Context, req schedule.SubmitRequest) (schedule.Ack, error)
}

type Options struct {
	ServiceName string
	Submitter   Submitter
	Location    *time.Location // zone for naive timestamps
	Logger      *logging.Logger
	Validator   *auth.JWTValidator // nil disables auth
	Limiter     *rate.Limiter      // nil disables throttling
	Health      *health.Checker
	Gatherer    prometheus.Gatherer
}

const (
	pathHealth  = "/healthz"
	pathMetrics = "/metrics"
)

// NewRouter builds the gin engine with tracing, logging, throttling and
// auth in front of the admission handlers.
func NewRouter(opts Options) *gin.Engine {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "harborpost"
	}

	h := &handlers{sub: opts.Submitter, loc: opts.Location, log: opts.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(requestLogger(opts.Logger))

	if opts.Health != nil {
		r.GET(pathHealth, opts.Health.GinHandler())
	} else {
		r.GET(pathHealth, func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	}
	if opts.Gatherer != nil {
		r.GET(pathMetrics, gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	admit := r.Group("/")
	if opts.Limiter != nil {
		admit.Use(rateLimit(opts.Limiter))
	}
	if opts.Validator != nil {
		admit.Use(opts.Validator.GinMiddleware())
	}
	admit.POST("/v1/batches", h.submitBatch)
	admit.POST("/tweet", h.submitTweets)

	return r
}

func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"accepted": false, "message": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == pathHealth || c.FullPath() == pathMetrics {
			return
		}
		entry := log.WithContext(c.Request.Context()).WithFields(map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("http request")
			return
		}
		entry.Info("http request")
	}
}
