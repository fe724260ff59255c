// Package metrics defines the Prometheus instrumentation for the sync
// engine. One Set per process, injected into the components that
// record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the engine's collectors.
type Set struct {
	MutationsEnqueued *prometheus.CounterVec
	MutationsFinished *prometheus.CounterVec
	SyncPasses        prometheus.Counter
	TransmitDuration  prometheus.Histogram
	ConflictsResolved *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	EventsDelivered   *prometheus.CounterVec
	ChannelReconnects prometheus.Counter
}

// New creates and registers the collector set.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		MutationsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidesync_mutations_enqueued_total",
			Help: "Mutations accepted into the durable queue, by kind.",
		}, []string{"kind"}),
		MutationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidesync_mutations_finished_total",
			Help: "Mutations reaching a sync outcome, by outcome.",
		}, []string{"outcome"}),
		SyncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidesync_sync_passes_total",
			Help: "Completed sync passes.",
		}),
		TransmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tidesync_transmit_duration_seconds",
			Help:    "Server-of-record transmit latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidesync_conflicts_resolved_total",
			Help: "Conflicts resolved, by resolution strategy.",
		}, []string{"resolution"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tidesync_queue_depth",
			Help: "Mutations in the durable queue, by status.",
		}, []string{"status"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidesync_events_delivered_total",
			Help: "Events delivered through the channel, backfill vs live.",
		}, []string{"mode"}),
		ChannelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidesync_channel_reconnects_total",
			Help: "Live connection reconnect attempts.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.MutationsEnqueued,
			s.MutationsFinished,
			s.SyncPasses,
			s.TransmitDuration,
			s.ConflictsResolved,
			s.QueueDepth,
			s.EventsDelivered,
			s.ChannelReconnects,
		)
	}
	return s
}

// NewUnregistered returns a set suitable for tests: collectors exist
// but nothing is exported.
func NewUnregistered() *Set {
	return New(nil)
}
