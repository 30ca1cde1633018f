// Package metrics defines the core's prometheus instrumentation, following
// the shape of jcalabro-atlas's internal/metrics/prometheus.go and
// generalizing the teacher's per-reason commitVerify* counters
// (cmd/relayered/relay/validator.go) into label-valued vectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

var (
	// CommitVerifyTotal counts commit/sync validation outcomes by host and
	// reason: "ok", or a drop reason such as "sig", "revb", "did", "car".
	CommitVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_verify_total",
		Help:      "Commit/sync validation outcomes by host and reason",
	}, []string{"host", "reason"})

	// HostSeqGapTotal counts detected upstream sequence gaps per host.
	HostSeqGapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_seq_gap_total",
		Help:      "Detected upstream sequence gaps per host",
	}, []string{"host"})

	// FirehoseCursor is the last cursor written to the firehose partition.
	FirehoseCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "firehose_cursor",
		Help:      "Last cursor assigned to the firehose log",
	})

	// QueueDepth is the number of rows currently buffered in the queue
	// partition, sampled after each drain pass.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Rows buffered in the queue partition awaiting identity resolution",
	})

	// ResolverCacheTotal counts resolver lookups by outcome: "hit", "miss",
	// "inflight".
	ResolverCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_cache_total",
		Help:      "Resolver lookups by outcome",
	}, []string{"result"})

	// ResolverFetchTotal counts outbound resolver HTTP fetches by kind
	// ("did_web", "did_plc", "plc_export") and outcome ("ok", "error").
	ResolverFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_fetch_total",
		Help:      "Outbound resolver HTTP fetches by kind and outcome",
	}, []string{"kind", "outcome"})

	// PublisherConnections is the current number of live downstream
	// connections across all publisher workers.
	PublisherConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "publisher_connections",
		Help:      "Live downstream subscriber connections",
	})

	// PublisherDroppedTotal counts connections shed by reason: "buffer" or
	// "send_error". Connections always start at the live tail, so no
	// connection is shed for an invalid cursor.
	PublisherDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publisher_dropped_total",
		Help:      "Downstream connections shed by the publisher, by reason",
	}, []string{"reason"})
)
