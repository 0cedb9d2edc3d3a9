package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bridge session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tts_gateway_active_sessions",
		Help: "Number of connected host bridge sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_gateway_sessions_total",
		Help: "Total number of host bridge sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_gateway_session_duration_seconds",
		Help:    "Duration of host bridge sessions in seconds",
		Buckets: []float64{1, 10, 60, 300, 1800, 3600, 86400},
	})

	// Command metrics
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_gateway_commands_total",
		Help: "Chat commands handled by the plugin",
	}, []string{"command"})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_gateway_synthesis_requests_total",
		Help: "Total number of XFYun synthesis requests",
	}, []string{"status", "kind"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_gateway_synthesis_latency_seconds",
		Help:    "End-to-end synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_gateway_audio_bytes_total",
		Help: "Total synthesized audio bytes",
	})

	audioDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_gateway_audio_duration_seconds",
		Help:    "Playback length of synthesized clips in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tts_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single host bridge session
type Metrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a bridge session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Only the first call counts.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordCommand counts a handled chat command.
func RecordCommand(command string) {
	commandsTotal.WithLabelValues(command).Inc()
}

// RecordSynthesis records one synthesis attempt. kind is empty on success.
func RecordSynthesis(kind string, latency time.Duration) {
	status := "success"
	if kind != "" {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status, kind).Inc()
	synthesisLatency.Observe(latency.Seconds())
}

// RecordAudio records the size and playback length of a synthesized clip.
// A non-positive duration is not observed.
func RecordAudio(bytes int, duration time.Duration) {
	audioBytes.Add(float64(bytes))
	if duration > 0 {
		audioDuration.Observe(duration.Seconds())
	}
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
