package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
)

// unmatched labels requests that hit no route, keeping label cardinality bounded.
const unmatched = "unmatched"

// RequestLogger logs one line per request. Health checks and scrapes log
// at debug. The query string is left out since it carries OAuth codes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logging.Logger.Info()
		switch c.FullPath() {
		case "/health", "/metrics":
			log = logging.Logger.Debug()
		}
		if len(c.Errors) > 0 {
			log = logging.Logger.Error().Str("errors", c.Errors.String())
		}
		log.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Metrics records request counts and durations per route template.
func Metrics(rec metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = unmatched
		}
		rec.IncRequestsTotal(endpoint, c.Writer.Status())
		rec.ObserveRequestDuration(endpoint, time.Since(start))
	}
}
