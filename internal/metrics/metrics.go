// ABOUTME: Prometheus instrumentation for the chat pipeline
// ABOUTME: Counts sends, agent outcomes, streamed chunks and resumptions on a private registry

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "policydesk"

// Metrics holds the collectors. All methods are safe on a nil receiver,
// which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages      *prometheus.CounterVec
	agentRequests *prometheus.CounterVec
	firstChunk    prometheus.Histogram
	chunks        prometheus.Counter
	resumes       *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// New creates Metrics registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "User messages received, by outcome.",
		}, []string{"outcome"}),
		agentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Agent webhook invocations, by result.",
		}, []string{"result"}),
		firstChunk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_first_chunk_seconds",
			Help:      "Time from invoking the agent to its first content chunk.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Text deltas relayed to clients.",
		}),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_requests_total",
			Help:      "Stream resumption requests, by result.",
		}, []string{"result"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Replies currently being streamed.",
		}),
	}

	reg.MustRegister(
		m.messages,
		m.agentRequests,
		m.firstChunk,
		m.chunks,
		m.resumes,
		m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageReceived records a send attempt outcome (e.g. "accepted", "bad_request")
func (m *Metrics) MessageReceived(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// AgentResult records how an agent invocation ended
func (m *Metrics) AgentResult(result string) {
	if m == nil {
		return
	}
	m.agentRequests.WithLabelValues(result).Inc()
}

// FirstChunk records the latency to the first content chunk
func (m *Metrics) FirstChunk(d time.Duration) {
	if m == nil {
		return
	}
	m.firstChunk.Observe(d.Seconds())
}

// ChunkRelayed counts one text delta
func (m *Metrics) ChunkRelayed() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

// StreamStarted and StreamEnded track replies in flight
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// ResumeResult records how a resumption request was answered
func (m *Metrics) ResumeResult(result string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(result).Inc()
}
