package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapkeeper"

// Registry holds all application metrics.
//
// Every recording method is safe on a nil *Registry, so components take
// an optional registry without guarding each call site.
type Registry struct {
	reg *prometheus.Registry

	// Unsafe region
	UnsafeActive  prometheus.Gauge
	UnsafeSeconds prometheus.Counter
	UnsafeEntries prometheus.Counter

	// Stores
	EpochCommits *prometheus.CounterVec
	Recoveries   *prometheus.CounterVec
	StoreMarker  *prometheus.GaugeVec

	// Snapshots
	SnapshotsCreated   prometheus.Counter
	SnapshotsInstalled prometheus.Counter
	SnapshotDuration   prometheus.Histogram

	// Agreement
	AgreementRuns *prometheus.CounterVec
	PeerQueries   *prometheus.CounterVec
	QuorumVotes   prometheus.Gauge
}

// NewRegistry creates a registry with every snapkeeper metric registered,
// plus the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		UnsafeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unsafe",
			Name:      "active",
			Help:      "1 while at least one unsafe region is open",
		}),
		UnsafeSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unsafe",
			Name:      "seconds_total",
			Help:      "Accumulated time spent inside unsafe regions",
		}),
		UnsafeEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unsafe",
			Name:      "entries_total",
			Help:      "Number of outermost unsafe region entries",
		}),

		EpochCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "epoch_commits_total",
			Help:      "Epoch markers committed per store",
		}, []string{"store"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "recoveries_total",
			Help:      "Store recoveries by policy",
		}, []string{"store", "policy"}),
		StoreMarker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "latest_marker",
			Help:      "Latest committed epoch marker per store",
		}, []string{"store"}),

		SnapshotsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "created_total",
			Help:      "Snapshots produced by this node",
		}),
		SnapshotsInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "installed_total",
			Help:      "Snapshots installed from a peer",
		}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Time to produce a snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),

		AgreementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agreement",
			Name:      "runs_total",
			Help:      "Hash agreement passes by result",
		}, []string{"result"}),
		PeerQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agreement",
			Name:      "peer_queries_total",
			Help:      "Peer RPC queries by method and outcome",
		}, []string{"method", "outcome"}),
		QuorumVotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agreement",
			Name:      "leading_hash_votes",
			Help:      "Votes received by the leading hash in the last pass",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.UnsafeActive, r.UnsafeSeconds, r.UnsafeEntries,
		r.EpochCommits, r.Recoveries, r.StoreMarker,
		r.SnapshotsCreated, r.SnapshotsInstalled, r.SnapshotDuration,
		r.AgreementRuns, r.PeerQueries, r.QuorumVotes,
	)

	return r
}

// Prometheus returns the underlying registry, for components that
// register their own collectors (e.g. Badger size gauges).
func (r *Registry) Prometheus() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// UnsafeEntered records the outermost entry into an unsafe region.
func (r *Registry) UnsafeEntered() {
	if r == nil {
		return
	}
	r.UnsafeActive.Set(1)
	r.UnsafeEntries.Inc()
}

// UnsafeExited records the outermost exit and the time spent inside.
func (r *Registry) UnsafeExited(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.UnsafeActive.Set(0)
	r.UnsafeSeconds.Add(elapsed.Seconds())
}

// Committed records an epoch commit on a store.
func (r *Registry) Committed(store string, marker uint64) {
	if r == nil {
		return
	}
	r.EpochCommits.WithLabelValues(store).Inc()
	r.StoreMarker.WithLabelValues(store).Set(float64(marker))
}

// Recovered records a store recovery.
func (r *Registry) Recovered(store, policy string) {
	if r == nil {
		return
	}
	r.Recoveries.WithLabelValues(store, policy).Inc()
}

// SnapshotCreated records a produced snapshot.
func (r *Registry) SnapshotCreated(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.SnapshotsCreated.Inc()
	r.SnapshotDuration.Observe(elapsed.Seconds())
}

// SnapshotInstalled records an installed snapshot.
func (r *Registry) SnapshotInstalled() {
	if r == nil {
		return
	}
	r.SnapshotsInstalled.Inc()
}

// AgreementFinished records the result of one agreement pass
// ("quorum", "insufficient_votes", "no_target") and the leading hash's votes.
func (r *Registry) AgreementFinished(result string, leadingVotes int) {
	if r == nil {
		return
	}
	r.AgreementRuns.WithLabelValues(result).Inc()
	r.QuorumVotes.Set(float64(leadingVotes))
}

// PeerQueried records one peer RPC outcome ("ok", "unreachable", "malformed").
func (r *Registry) PeerQueried(method, outcome string) {
	if r == nil {
		return
	}
	r.PeerQueries.WithLabelValues(method, outcome).Inc()
}
