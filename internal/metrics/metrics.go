package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivebrief_active_stream_sessions",
		Help: "Number of active audio stream sessions",
	})
	UpstreamQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivebrief_upstream_queue_depth",
		Help: "Outbound messages waiting for an upstream connection",
	})
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivebrief_connected_devices",
		Help: "Number of devices connected over websocket",
	})
)

// Counters
var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivebrief_stream_sessions_started_total",
		Help: "Total stream sessions started",
	})
	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_stream_sessions_ended_total",
		Help: "Total stream sessions ended by reason",
	}, []string{"reason"})
	ChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_audio_chunks_total",
		Help: "Audio chunks handled by outcome",
	}, []string{"outcome"})
	WakeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_wake_events_total",
		Help: "Accepted wake events by detection method",
	}, []string{"method"})
	InterpretationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_interpretations_total",
		Help: "Interpreted utterances by tier and outcome",
	}, []string{"tier", "outcome"})
	UpstreamReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivebrief_upstream_reconnects_total",
		Help: "Successful upstream reconnections",
	})
	UpstreamDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivebrief_upstream_dropped_total",
		Help: "Outbound messages dropped from a full upstream queue",
	})
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_turns_total",
		Help: "Completed voice turns by route",
	}, []string{"route"})
	ConversationsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivebrief_conversations_expired_total",
		Help: "Conversations marked expired by the cleanup loop",
	})
	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivebrief_events_dropped_total",
		Help: "Events dropped because the consumer channel was full",
	}, []string{"source"})
)

// Histograms
var (
	InterpretLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drivebrief_interpret_duration_ms",
		Help:    "Interpretation latency in milliseconds by tier",
		Buckets: []float64{1, 5, 25, 100, 250, 500, 1000, 2000, 5000},
	}, []string{"tier"})
	TurnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drivebrief_turn_duration_ms",
		Help:    "Time from final transcript to spoken reply by route",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	}, []string{"route"})
	FlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drivebrief_session_flush_duration_ms",
		Help:    "Time to flush a recognition stream on session end",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)
