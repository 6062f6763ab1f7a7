package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TurnEvents        *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	SpeechRestarts    *prometheus.CounterVec
	SpeechErrors      *prometheus.CounterVec
	CaptureFailures   *prometheus.CounterVec
	SynthesisFailures prometheus.Counter
	ResponseDuration  prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active panel sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Panel turn events (asked, submitted, completed).",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SpeechRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_restarts_total",
			Help:      "Speech recognition restarts by reason.",
		}, []string{"reason"}),
		SpeechErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_errors_total",
			Help:      "Speech recognition errors by class.",
		}, []string{"class"}),
		CaptureFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Capture stream acquisition failures by code.",
		}, []string{"code"}),
		SynthesisFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Interviewer speech synthesis failures.",
		}),
		ResponseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_duration_seconds",
			Help:      "Time from question to submitted response.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) TurnEvent(event string) {
	if m == nil {
		return
	}
	m.TurnEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SpeechRestart(reason string) {
	if m == nil {
		return
	}
	m.SpeechRestarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) SpeechError(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.SpeechErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) CaptureFailure(code string) {
	if m == nil {
		return
	}
	m.CaptureFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) SynthesisFailure() {
	if m == nil {
		return
	}
	m.SynthesisFailures.Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveResponseDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ResponseDuration.Observe(d.Seconds())
	m.turnStages.Observe("question_to_response", float64(d.Milliseconds()))
}

// ObserveTurnStage records a latency sample for the rolling percentile window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
