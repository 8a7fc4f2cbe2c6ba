package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ema_avatar_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ema_avatar_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ema_avatar_active_sessions",
			Help: "Number of connected session sockets",
		},
	)

	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ema_avatar_session_events_total",
			Help: "Total number of session events published to clients",
		},
		[]string{"kind"},
	)

	ProxiedAnswers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ema_avatar_proxied_answers_total",
			Help: "Total number of answers streamed through the speak endpoint",
		},
		[]string{"outcome"},
	)

	Heartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ema_avatar_stream_heartbeats_total",
			Help: "Total number of heartbeats sent on idle answer streams",
		},
	)

	AnswerFirstChunkLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "ema_avatar_answer_first_chunk_seconds",
			Help: "Time from question to first proxied answer chunk in seconds",
		},
	)
)
