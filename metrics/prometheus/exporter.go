// Package prometheus exposes authkit engine counters as Prometheus
// metrics. The exporter is a collector over the engine's lock-free
// snapshot; it is never registered globally, callers mount the handler or
// register the collector in their own registry.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authkit "github.com/cwhitfield/authkit"
)

const namespace = "authkit"

// MetricsSource yields point-in-time engine counters. *authkit.Engine
// satisfies it.
type MetricsSource interface {
	MetricsSnapshot() authkit.MetricsSnapshot
}

// Exporter adapts an engine snapshot to the Prometheus collector
// interface.
type Exporter struct {
	source   MetricsSource
	descs    map[authkit.MetricID]*prometheus.Desc
	latency  *prometheus.Desc
	registry *prometheus.Registry
}

// NewExporter builds an exporter and a private registry holding it.
func NewExporter(source MetricsSource) *Exporter {
	e := &Exporter{
		source: source,
		descs:  map[authkit.MetricID]*prometheus.Desc{},
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "validate_latency_seconds"),
			"Access token validation latency.",
			nil, nil,
		),
		registry: prometheus.NewRegistry(),
	}

	for id, name := range counterIDs() {
		e.descs[id] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name+"_total"),
			"Count of "+name+" events.",
			nil, nil,
		)
	}

	e.registry.MustRegister(e)
	return e
}

// Handler serves the exporter's registry in exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.descs {
		ch <- desc
	}
	ch <- e.latency
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snapshot := e.source.MetricsSnapshot()

	for id, desc := range e.descs {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(snapshot.Counters[id]))
	}

	if len(snapshot.LatencyBuckets) > 0 {
		buckets := map[float64]uint64{}
		var count uint64
		bounds := authkit.LatencyBucketBounds()
		for i, observed := range snapshot.LatencyBuckets {
			count += observed
			if i < len(bounds) {
				buckets[float64(bounds[i])/1000] = count
			}
		}
		// Sum is not tracked by the engine's fixed-bucket histogram.
		ch <- prometheus.MustNewConstHistogram(e.latency, count, 0, buckets)
	}
}

func counterIDs() map[authkit.MetricID]string {
	ids := map[authkit.MetricID]string{}
	for _, id := range []authkit.MetricID{
		authkit.MetricRegisterSuccess,
		authkit.MetricRegisterDuplicate,
		authkit.MetricLoginSuccess,
		authkit.MetricLoginFailure,
		authkit.MetricAccountLocked,
		authkit.MetricMFARequired,
		authkit.MetricMFASuccess,
		authkit.MetricMFAFailure,
		authkit.MetricRefreshSuccess,
		authkit.MetricRefreshFailure,
		authkit.MetricRefreshReuseDetected,
		authkit.MetricLogout,
		authkit.MetricLogoutAll,
		authkit.MetricTokenValidated,
		authkit.MetricTokenRejected,
	} {
		ids[id] = id.Name()
	}
	return ids
}
