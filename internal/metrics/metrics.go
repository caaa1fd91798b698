// Package metrics holds the Prometheus collectors of the signaling server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "findit_ws_connections_active",
		Help: "The current number of active signaling connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findit_ws_connections_total",
		Help: "The total number of signaling connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findit_ws_events_received_total",
		Help: "Inbound socket events by event name.",
	}, []string{"event"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findit_ws_frames_dropped_total",
		Help: "Outbound frames dropped because a send buffer was full.",
	})

	// Presence and rooms
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "findit_presence_online_users",
		Help: "Users with a registered live connection.",
	})
	MessagesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findit_room_messages_broadcast_total",
		Help: "Chat messages fanned out to a room.",
	})

	// Calls
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "findit_calls_active",
		Help: "Calls currently tracked in the active call table.",
	})
	CallsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findit_calls_finished_total",
		Help: "Calls that reached a terminal status, by status.",
	}, []string{"status"})
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "findit_call_duration_seconds",
		Help:    "Duration of completed and failed calls.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Persistence
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findit_persistence_failures_total",
		Help: "Best-effort writes that failed or were dropped, by operation.",
	}, []string{"op"})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findit_call_events_published_total",
		Help: "Call events handed to the event publisher, by publisher type.",
	}, []string{"publisher"})

	// Auth
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findit_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)
