package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	transitions    *prometheus.CounterVec
	complianceSync *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

var (
	registryOnce sync.Once
	registry     *Registry
)

// Escrow returns the lazily-initialised metrics registry for the service.
func Escrow() *Registry {
	registryOnce.Do(func() {
		registry = &Registry{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow state transitions segmented by transition and resulting status.",
			}, []string{"transition", "status"}),
			complianceSync: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "escrow",
				Name:      "compliance_sync_total",
				Help:      "Compliance synchronisation attempts segmented by outcome.",
			}, []string{"outcome"}),
			webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "payments",
				Name:      "webhooks_total",
				Help:      "Payment webhook deliveries segmented by event type and outcome.",
			}, []string{"type", "outcome"}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "klear",
				Subsystem: "escrow",
				Name:      "reconcile_total",
				Help:      "Escrows revisited by the compliance reconciliation sweep.",
			}, []string{"outcome"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "klear",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route", "code"}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.complianceSync,
			registry.webhooks,
			registry.reconciled,
			registry.httpLatency,
		)
	})
	return registry
}

func (r *Registry) Transition(transition, status string) {
	r.transitions.WithLabelValues(transition, status).Inc()
}

func (r *Registry) ComplianceSync(outcome string) {
	r.complianceSync.WithLabelValues(outcome).Inc()
}

func (r *Registry) Webhook(eventType, outcome string) {
	r.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (r *Registry) Reconciled(outcome string) {
	r.reconciled.WithLabelValues(outcome).Inc()
}

// Middleware records handler latency keyed by the matched route template.
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		r.httpLatency.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the default gatherer in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
