// Package metrics provides Prometheus instrumentation for the support chat
// server: connection and conversation gauges, message and accept counters,
// and the time conversations wait for an operator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OperatorsOnline tracks connected operators and admins cluster-wide.
	OperatorsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_chat_operators_online",
		Help: "Operators and admins with at least one live session",
	})

	// MessagesTotal counts messages processed, labeled by result: "delivered",
	// "rejected" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// AcceptsTotal counts accept attempts, labeled "won" or "rejected".
	AcceptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_accepts_total",
		Help: "Accept attempts by outcome",
	}, []string{"outcome"})

	// MessageLatency records send_message handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_chat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AssignmentWait records the time from conversation start to accept.
	AssignmentWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_chat_assignment_wait_seconds",
		Help:    "Time a conversation waited in PENDING before an operator accepted it",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// FramesTotal counts inbound client frames by type, with "invalid" and
	// "unsupported" for frames that were not dispatched.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_frames_total",
		Help: "Inbound client frames by type",
	}, []string{"type"})

	// HeartbeatEvictions counts sockets dropped by the liveness probe,
	// labeled "idle" or "ping_failed".
	HeartbeatEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_heartbeat_evictions_total",
		Help: "Connections closed by the heartbeat",
	}, []string{"reason"})

	// PendingConversations tracks conversations waiting for an operator.
	PendingConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "support_chat_pending_conversations",
		Help: "Conversations waiting for an operator",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OperatorsOnline,
		MessagesTotal,
		AcceptsTotal,
		MessageLatency,
		AssignmentWait,
		PendingConversations,
		HeartbeatEvictions,
		FramesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
