// Package metrics exposes Prometheus instrumentation for the index engine.
// Metrics register themselves on the default registry via promauto; hosts
// that scrape the default registry pick them up with no wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/tapeann/graph"
)

var (
	// SearchesTotal counts completed searches, labeled by distance kind.
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeann_searches_total",
			Help: "Total number of completed graph searches",
		},
		[]string{"kind"}, // "full" or "quantized"
	)

	// SearchDuration measures end-to-end search latency.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapeann_search_duration_seconds",
			Help:    "Duration of graph searches in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"kind"},
	)

	// NodeReadsTotal counts node fetches from page storage during search.
	NodeReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapeann_node_reads_total",
			Help: "Total node reads performed by graph traversal",
		},
	)

	// DistanceComparisonsTotal counts distance evaluations during search.
	DistanceComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapeann_distance_comparisons_total",
			Help: "Total distance evaluations during graph traversal",
		},
		[]string{"kind"},
	)

	// TombstonePassThroughsTotal counts deleted nodes traversed through.
	TombstonePassThroughsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapeann_tombstone_passthroughs_total",
			Help: "Total tombstoned nodes expanded through during search",
		},
	)

	// BrokenEdgesTotal counts neighbor pointers that failed to resolve.
	BrokenEdgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapeann_broken_edges_total",
			Help: "Total unresolvable neighbor pointers skipped during search",
		},
	)

	// NodesTotal tracks live (non-tombstoned) nodes in the index.
	NodesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapeann_nodes_total",
			Help: "Number of live nodes in the index",
		},
	)

	// InsertsTotal counts incremental node insertions.
	InsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapeann_inserts_total",
			Help: "Total incremental insertions",
		},
	)

	// DeletesTotal counts tombstoned nodes.
	DeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapeann_deletes_total",
			Help: "Total node deletions (tombstones)",
		},
	)
)

// ObserveSearch folds one search's traversal counters into the exported
// metrics. kind is "full" or "quantized".
func ObserveSearch(kind string, seconds float64, stats *graph.Stats) {
	SearchesTotal.WithLabelValues(kind).Inc()
	SearchDuration.WithLabelValues(kind).Observe(seconds)
	NodeReadsTotal.Add(float64(stats.NodeReads))
	DistanceComparisonsTotal.WithLabelValues(kind).Add(float64(stats.DistanceComparisons))
	TombstonePassThroughsTotal.Add(float64(stats.TombstonePassThroughs))
	BrokenEdgesTotal.Add(float64(stats.BrokenEdges))
}
