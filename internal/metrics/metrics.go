// Package metrics holds the process-wide Prometheus collectors for the
// coordination layer. Collectors register with the default registry via
// promauto and are exposed by the server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EphemeralWrites counts writes to the ephemeral store by kind (set, batch, remove).
	EphemeralWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ephemeral_writes_total",
		Help: "Writes issued to the ephemeral broadcast store.",
	}, []string{"kind"})

	// DurableWrites counts durable shape writes by result (ok, error).
	DurableWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_durable_writes_total",
		Help: "Durable shape writes issued by the live broadcaster.",
	}, []string{"result"})

	// DurableWritesThrottled counts transform updates that did not reach the durable store.
	DurableWritesThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "canvas_durable_writes_throttled_total",
		Help: "Transform updates kept off the durable store by the per-shape rate limit.",
	})

	// LockAcquisitions counts AI lock acquisition attempts by result (acquired, held, error).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ai_lock_acquisitions_total",
		Help: "AI command lock acquisition attempts.",
	}, []string{"result"})

	// PresenceTransitions counts presence flips by direction (active, inactive).
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_presence_transitions_total",
		Help: "Presence record transitions between active and inactive.",
	}, []string{"state"})

	// PresenceMonitors tracks live aggregate monitor subscriptions.
	PresenceMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_presence_monitors",
		Help: "Underlying presence monitor subscriptions currently running.",
	})

	// Sessions tracks open canvas websocket sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_ws_sessions",
		Help: "Open canvas websocket sessions.",
	})
)
