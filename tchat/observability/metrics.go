package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness"
	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/memory/service"
	"github.com/ZanzyTHEbar/toolchat/tchat/pipeline"
)

const namespace = "toolchat"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics records turn, tool, retrieval, pipeline and HTTP measurements on
// its own registry.
type Metrics struct {
	registry *prometheus.Registry

	turns        *prometheus.CounterVec
	turnLatency  *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolLatency  *prometheus.HistogramVec
	retrievals   *prometheus.CounterVec
	retrievalLat *prometheus.HistogramVec
	chunks       prometheus.Gauge
	artifacts    *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	sessions     prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

var (
	_ harness.Metrics  = (*Metrics)(nil)
	_ service.Metrics  = (*Metrics)(nil)
	_ pipeline.Metrics = (*Metrics)(nil)
)

// NewMetrics registers every collector on a fresh registry, together with
// the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total",
			Help: "Conversation turns by profile and outcome",
		}, []string{"profile", "outcome"}),
		turnLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "turn_duration_seconds",
			Help: "Turn latency by profile", Buckets: latencyBuckets,
		}, []string{"profile"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orchestrator_transitions_total",
			Help: "Orchestrator state transitions",
		}, []string{"from", "to"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool calls by tool and result code",
		}, []string{"tool", "code"}),
		toolLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_duration_seconds",
			Help: "Tool call latency", Buckets: latencyBuckets,
		}, []string{"tool"}),
		retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retrieval_operations_total",
			Help: "Retrieval engine operations by status",
		}, []string{"op", "status"}),
		retrievalLat: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "retrieval_duration_seconds",
			Help: "Retrieval engine operation latency", Buckets: latencyBuckets,
		}, []string{"op"}),
		chunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "retrieval_indexed_chunks",
			Help: "Chunks in the retrieval index",
		}),
		artifacts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "artifact_lookups_total",
			Help: "Session artifact cache lookups by kind and result",
		}, []string{"kind", "result"}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "voice_stage_duration_seconds",
			Help: "Voice pipeline stage latency", Buckets: latencyBuckets,
		}, []string{"stage", "status"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Live sessions",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency by route", Buckets: latencyBuckets,
		}, []string{"route"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTurn(profile, outcome string, elapsed time.Duration) {
	m.turns.WithLabelValues(profile, outcome).Inc()
	m.turnLatency.WithLabelValues(profile).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveTool has the harness.CallObserver signature.
func (m *Metrics) ObserveTool(tool string, res ports.ToolResult, elapsed time.Duration) {
	code := "ok"
	if res.Err != nil {
		code = string(res.Err.Code)
	}
	m.toolCalls.WithLabelValues(tool, code).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetrieval(op string, elapsed time.Duration, err error) {
	m.retrievals.WithLabelValues(op, status(err)).Inc()
	m.retrievalLat.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) SetIndexedChunks(n int) { m.chunks.Set(float64(n)) }

func (m *Metrics) ObserveArtifact(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.artifacts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveStage(stage string, elapsed time.Duration, err error) {
	m.stageLatency.WithLabelValues(stage, status(err)).Observe(elapsed.Seconds())
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) { m.sessions.Set(float64(n)) }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
