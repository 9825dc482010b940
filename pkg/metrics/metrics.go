// Package metrics exposes Prometheus instrumentation for the collaboration
// engine. Metrics are registered once on first use; the recording functions
// are safe to call before initialization, which keeps library packages
// usable without a metrics backend.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace. Default: "collab".
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type set struct {
	opsAccepted       prometheus.Counter
	opsConflicted     prometheus.Counter
	opsReplayed       prometheus.Counter
	broadcastsTotal   prometheus.Counter
	queueOverflows    prometheus.Counter
	activeSessions    prometheus.Gauge
	activeDocuments   prometheus.Gauge
	authFailures      *prometheus.CounterVec
	malformedMessages prometheus.Counter
	reconnectsTotal   prometheus.Counter
	heartbeatsTotal   prometheus.Counter
	presenceEvents    *prometheus.CounterVec
}

// global is read lock-free by the recording functions, which may race with
// Init when traffic starts before registration finishes.
var (
	global   atomic.Pointer[set]
	globalMu sync.Mutex
)

// Init registers the collaboration metrics. Subsequent calls are no-ops.
func Init(config Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global.Load() != nil {
		return
	}
	if config.Namespace == "" {
		config.Namespace = "collab"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	global.Store(initSet(config))
}

func initSet(config Config) *set {
	factory := promauto.With(config.Registry)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &set{
		opsAccepted:     factory.NewCounter(opts("ops_accepted_total", "Total accepted document operations")),
		opsConflicted:   factory.NewCounter(opts("ops_conflicted_total", "Total operations rejected with a version conflict")),
		opsReplayed:     factory.NewCounter(opts("ops_replayed_total", "Total idempotent operation replays")),
		broadcastsTotal: factory.NewCounter(opts("broadcasts_total", "Total events published to document subscribers")),
		queueOverflows:  factory.NewCounter(opts("queue_overflows_total", "Total subscriber queue overflows forcing a resync")),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_sessions",
			Help:        "Number of live collaboration sessions",
			ConstLabels: config.ConstLabels,
		}),
		activeDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_documents",
			Help:        "Number of documents with a running sync worker",
			ConstLabels: config.ConstLabels,
		}),
		authFailures:      factory.NewCounterVec(opts("auth_failures_total", "Total rejected authentication attempts"), []string{"reason"}),
		malformedMessages: factory.NewCounter(opts("malformed_messages_total", "Total malformed wire messages dropped")),
		reconnectsTotal:   factory.NewCounter(opts("reconnects_total", "Total successful session resumes")),
		heartbeatsTotal:   factory.NewCounter(opts("heartbeats_total", "Total heartbeat probes answered")),
		presenceEvents:    factory.NewCounterVec(opts("presence_events_total", "Total presence events by kind"), []string{"kind"}),
	}
}

// RecordOpAccepted records an accepted operation.
func RecordOpAccepted() {
	if g := global.Load(); g != nil {
		g.opsAccepted.Inc()
	}
}

// RecordOpConflict records a version-conflict rejection.
func RecordOpConflict() {
	if g := global.Load(); g != nil {
		g.opsConflicted.Inc()
	}
}

// RecordOpReplay records an idempotent replay of an accepted operation.
func RecordOpReplay() {
	if g := global.Load(); g != nil {
		g.opsReplayed.Inc()
	}
}

// RecordBroadcast records one event published to a document's subscribers.
func RecordBroadcast() {
	if g := global.Load(); g != nil {
		g.broadcastsTotal.Inc()
	}
}

// RecordQueueOverflow records a subscriber ejected for slow consumption.
func RecordQueueOverflow() {
	if g := global.Load(); g != nil {
		g.queueOverflows.Inc()
	}
}

// RecordSessionCreate records a new live session.
func RecordSessionCreate() {
	if g := global.Load(); g != nil {
		g.activeSessions.Inc()
	}
}

// RecordSessionDestroy records a destroyed session.
func RecordSessionDestroy() {
	if g := global.Load(); g != nil {
		g.activeSessions.Dec()
	}
}

// SetActiveDocuments records the current document worker count.
func SetActiveDocuments(n int) {
	if g := global.Load(); g != nil {
		g.activeDocuments.Set(float64(n))
	}
}

// RecordAuthFailure records a rejected authentication attempt.
func RecordAuthFailure(reason string) {
	if g := global.Load(); g != nil {
		g.authFailures.WithLabelValues(reason).Inc()
	}
}

// RecordMalformed records a dropped malformed message.
func RecordMalformed() {
	if g := global.Load(); g != nil {
		g.malformedMessages.Inc()
	}
}

// RecordReconnect records a successful session resume.
func RecordReconnect() {
	if g := global.Load(); g != nil {
		g.reconnectsTotal.Inc()
	}
}

// RecordHeartbeat records an answered heartbeat probe.
func RecordHeartbeat() {
	if g := global.Load(); g != nil {
		g.heartbeatsTotal.Inc()
	}
}

// RecordPresenceEvent records a presence event by kind (join, leave, cursor,
// activity).
func RecordPresenceEvent(kind string) {
	if g := global.Load(); g != nil {
		g.presenceEvents.WithLabelValues(kind).Inc()
	}
}
