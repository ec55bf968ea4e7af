package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the best imported block.
	Height metrics.Gauge
	// Number of connected peers.
	Peers metrics.Gauge
	// Number of requests awaiting a response.
	InflightRequests metrics.Gauge
	// Number of blocks buffered in the import queue.
	QueuedBlocks metrics.Gauge
	// Whether the node is major syncing (1 if yes, 0 if no).
	Syncing metrics.Gauge

	ImportedBlocks     metrics.Counter
	RejectedBlocks     metrics.Counter
	ProtocolViolations metrics.Counter
	RequestTimeouts    metrics.Counter
	RedundantRequests  metrics.Counter
	AncestorSearches   metrics.Counter
	ServedBlocks       metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the best imported block.",
		}, labels).With(labelsAndValues...),
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers.",
		}, labels).With(labelsAndValues...),
		InflightRequests: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "inflight_requests",
			Help:      "Number of block requests awaiting a response.",
		}, labels).With(labelsAndValues...),
		QueuedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued_blocks",
			Help:      "Number of blocks waiting in the import queue.",
		}, labels).With(labelsAndValues...),
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether or not a node is major syncing. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		ImportedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "imported_blocks",
			Help:      "Number of blocks accepted by the validation hook.",
		}, labels).With(labelsAndValues...),
		RejectedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_blocks",
			Help:      "Number of blocks rejected by the validation hook.",
		}, labels).With(labelsAndValues...),
		ProtocolViolations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "protocol_violations",
			Help:      "Number of malformed or non-contiguous messages received from peers.",
		}, labels).With(labelsAndValues...),
		RequestTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_timeouts",
			Help:      "Number of block requests that timed out.",
		}, labels).With(labelsAndValues...),
		RedundantRequests: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "redundant_requests",
			Help:      "Number of requests repeated to a standby peer after a stall.",
		}, labels).With(labelsAndValues...),
		AncestorSearches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ancestor_searches",
			Help:      "Number of completed common ancestor searches.",
		}, labels).With(labelsAndValues...),
		ServedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "served_blocks",
			Help:      "Number of blocks sent in response to peer requests.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:             discard.NewGauge(),
		Peers:              discard.NewGauge(),
		InflightRequests:   discard.NewGauge(),
		QueuedBlocks:       discard.NewGauge(),
		Syncing:            discard.NewGauge(),
		ImportedBlocks:     discard.NewCounter(),
		RejectedBlocks:     discard.NewCounter(),
		ProtocolViolations: discard.NewCounter(),
		RequestTimeouts:    discard.NewCounter(),
		RedundantRequests:  discard.NewCounter(),
		AncestorSearches:   discard.NewCounter(),
		ServedBlocks:       discard.NewCounter(),
	}
}
