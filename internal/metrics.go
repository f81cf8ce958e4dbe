package internal

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geochat_ws_connections",
		Help: "Current number of open websocket sessions",
	})
	messagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geochat_messages_persisted_total",
		Help: "Messages accepted into the ephemeral store",
	})
	deliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geochat_deliveries_dropped_total",
		Help: "Events not delivered because a session queue was full or closed",
	})
	messagesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geochat_messages_expired_total",
		Help: "Messages physically removed by the sweeper",
	})
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geochat_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "path", "status"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geochat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(wsConnections, messagesPersisted, deliveriesDropped, messagesExpired, httpRequests, httpDuration)
}

// RecordExpired is handed to the message sweeper.
func RecordExpired(removed int) {
	if removed > 0 {
		messagesExpired.Add(float64(removed))
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"path":   path,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequests.With(labels).Inc()
		httpDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
