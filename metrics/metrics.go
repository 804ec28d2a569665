// Package metrics holds the Prometheus collectors of the sync core.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellar_sync_decisions_total",
		Help: "Sync decisions taken per category and action (none, push, pull)",
	}, []string{"category", "action"})

	SyncedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellar_synced_items_total",
		Help: "Resources pushed to or pulled from the cluster",
	}, []string{"category", "direction"})

	FilteredItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellar_filtered_items_total",
		Help: "Resources blocked by the event filter",
	}, []string{"category", "direction"})

	ItemErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cellar_item_errors_total",
		Help: "Resources that failed to sync and were skipped",
	}, []string{"category", "direction"})

	PassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellar_sync_pass_duration_seconds",
		Help:    "Duration of push and pull passes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"category", "direction"})

	PendingCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cellar_pending_commands",
		Help: "Commands awaiting a result",
	})
)

// Register registers the collectors on the given registry (or the
// default one if nil). Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		SyncDecisions,
		SyncedItems,
		FilteredItems,
		ItemErrors,
		PassDuration,
		PendingCommands,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
