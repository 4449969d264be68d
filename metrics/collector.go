// Package metrics exposes Prometheus metrics for the checkpoint server.
//
// All recording methods are safe on a nil *Collector, so components take an
// optional collector without guarding every call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "askcontinue"

// Collector holds every metric the server reports.
type Collector struct {
	registry *prometheus.Registry

	requestsCreated  *prometheus.CounterVec
	requestsResolved *prometheus.CounterVec
	requestsExpired  *prometheus.CounterVec
	resolveRaces     prometheus.Counter
	decisionLatency  *prometheus.HistogramVec
	pending          prometheus.Gauge

	sessionsOpen   prometheus.Gauge
	ssePushes      *prometheus.CounterVec
	rpcCalls       *prometheus.CounterVec
	fileClaims     *prometheus.CounterVec
	portFilesSwept prometheus.Counter
}

// NewCollector builds a Collector on its own registry, so several servers in
// one process (or one test binary) never collide on registration.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		requestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Pending requests created, by transport",
		}, []string{"transport"}),

		requestsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_resolved_total",
			Help:      "Pending requests resolved, by transport and action",
		}, []string{"transport", "action"}),

		requestsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_expired_total",
			Help:      "Pending requests that expired without a decision",
		}, []string{"transport"}),

		resolveRaces: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_races_total",
			Help:      "Resolve calls that lost to an earlier resolve or expiry",
		}),

		decisionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_seconds",
			Help:      "Time from request creation to human decision",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"transport"}),

		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests currently awaiting a decision",
		}),

		sessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_sessions",
			Help:      "RPC sessions currently known to the server",
		}),

		ssePushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_pushes_total",
			Help:      "Messages pushed over SSE, by outcome",
		}, []string{"outcome"}),

		rpcCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls received, by method",
		}, []string{"method"}),

		fileClaims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_claims_total",
			Help:      "Requests claimed from the file channel, by scope",
		}, []string{"scope"}),

		portFilesSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_files_swept_total",
			Help:      "Stale port discovery files removed",
		}),
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying gatherer.
func (c *Collector) Registry() prometheus.Gatherer {
	return c.registry
}

// RequestCreated records a new pending request.
func (c *Collector) RequestCreated(transport string) {
	if c == nil {
		return
	}
	c.requestsCreated.WithLabelValues(transport).Inc()
}

// RequestResolved records a successful resolve and how long the human took.
func (c *Collector) RequestResolved(transport, action string, waited time.Duration) {
	if c == nil {
		return
	}
	c.requestsResolved.WithLabelValues(transport, action).Inc()
	c.decisionLatency.WithLabelValues(transport).Observe(waited.Seconds())
}

// RequestExpired records a request that timed out.
func (c *Collector) RequestExpired(transport string) {
	if c == nil {
		return
	}
	c.requestsExpired.WithLabelValues(transport).Inc()
}

// ResolveRace records a resolve that found no live record.
func (c *Collector) ResolveRace() {
	if c == nil {
		return
	}
	c.resolveRaces.Inc()
}

// SetPending sets the number of pending requests.
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

// SetSessions sets the number of known RPC sessions.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsOpen.Set(float64(n))
}

// SSEPush records an SSE push attempt; delivered is false when the stream was
// gone or its buffer full.
func (c *Collector) SSEPush(delivered bool) {
	if c == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "dropped"
	}
	c.ssePushes.WithLabelValues(outcome).Inc()
}

// RPCCall records a JSON-RPC method invocation.
func (c *Collector) RPCCall(method string) {
	if c == nil {
		return
	}
	c.rpcCalls.WithLabelValues(method).Inc()
}

// FileClaimed records a request claimed from the file channel.
func (c *Collector) FileClaimed(global bool) {
	if c == nil {
		return
	}
	scope := "workspace"
	if global {
		scope = "global"
	}
	c.fileClaims.WithLabelValues(scope).Inc()
}

// PortFilesSwept records stale discovery files removed by a sweep.
func (c *Collector) PortFilesSwept(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.portFilesSwept.Add(float64(n))
}
