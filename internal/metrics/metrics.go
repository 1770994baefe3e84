// Package metrics exposes storage and oplog counters through Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors registered by oplogd.
type Registry struct {
	reg *prometheus.Registry

	storageWrites  prometheus.Histogram
	storageReads   prometheus.Histogram
	batchCommits   prometheus.Histogram
	batchBytes     prometheus.Counter
	entriesAdded   prometheus.Counter
	commits        prometheus.Histogram
	transfers      *prometheus.CounterVec
	transferErrors *prometheus.CounterVec
	payloadBytes   prometheus.Counter
}

// New creates a registry with process and Go collectors attached.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.storageWrites = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oplog", Subsystem: "storage", Name: "write_seconds",
		Help: "Latency of single key writes.", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	r.storageReads = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oplog", Subsystem: "storage", Name: "read_seconds",
		Help: "Latency of point reads.", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	r.batchCommits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oplog", Subsystem: "storage", Name: "batch_commit_seconds",
		Help: "Latency of batch commits.", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	r.batchBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog", Subsystem: "storage", Name: "batch_bytes_total",
		Help: "Bytes committed in batches.",
	})
	r.entriesAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog", Name: "entries_added_total",
		Help: "Entries appended to worker oplogs.",
	})
	r.commits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oplog", Name: "commit_seconds",
		Help: "Latency of oplog commits.", Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
	r.transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog", Name: "transferred_entries_total",
		Help: "Entries moved to a colder tier, by source layer.",
	}, []string{"layer"})
	r.transferErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog", Name: "transfer_errors_total",
		Help: "Failed tier transfers, by source layer.",
	}, []string{"layer"})
	r.payloadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oplog", Name: "payload_uploaded_bytes_total",
		Help: "Bytes uploaded to the blob sink as external payloads.",
	})
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.storageWrites, r.storageReads, r.batchCommits, r.batchBytes,
		r.entriesAdded, r.commits, r.transfers, r.transferErrors, r.payloadBytes,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveWrite(elapsed time.Duration, _ int) { r.storageWrites.Observe(elapsed.Seconds()) }
func (r *Registry) ObserveRead(elapsed time.Duration, _ int)  { r.storageReads.Observe(elapsed.Seconds()) }

func (r *Registry) ObserveBatchCommit(elapsed time.Duration, _ int, bytes int) {
	r.batchCommits.Observe(elapsed.Seconds())
	r.batchBytes.Add(float64(bytes))
}

func (r *Registry) EntriesAdded(n int) { r.entriesAdded.Add(float64(n)) }

func (r *Registry) Committed(_ int, elapsed time.Duration) { r.commits.Observe(elapsed.Seconds()) }

func (r *Registry) Transferred(layer int, entries int) {
	r.transfers.WithLabelValues(strconv.Itoa(layer)).Add(float64(entries))
}

func (r *Registry) TransferFailed(layer int) {
	r.transferErrors.WithLabelValues(strconv.Itoa(layer)).Inc()
}

func (r *Registry) PayloadUploaded(bytes int) { r.payloadBytes.Add(float64(bytes)) }
