// Package telemetry exposes Prometheus counters for the metrics an
// operator running the DX/UX extraction engines actually watches:
// documents scanned and upserted, attachments stored, errors, snapshot
// checkpoint resets, and HTTP throttle events against the directory.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors registered for one process.
// Unlike the teacher's sprawling tracing.Metrics, this is scoped to
// exactly the counters spec_full §12.3 names.
type Metrics struct {
	DocumentsScanned  *prometheus.CounterVec
	DocumentsUpserted *prometheus.CounterVec
	AttachmentsStored *prometheus.CounterVec
	Errors            *prometheus.CounterVec
	CheckpointResets  *prometheus.CounterVec
	HTTPThrottles     *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh set of collectors under
// namespace (defaults to "notesync" when empty).
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "notesync"
	}

	return &Metrics{
		DocumentsScanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_scanned_total",
				Help:      "Documents returned by a view snapshot scan, by plan and view.",
			},
			[]string{"plan_id", "view"},
		),
		DocumentsUpserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_upserted_total",
				Help:      "Documents successfully upserted into the SQL sink, by plan and view.",
			},
			[]string{"plan_id", "view"},
		),
		AttachmentsStored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachments_stored_total",
				Help:      "Attachments written to the content-addressed store, by attachment kind (mixed when a document's attachments differ in kind).",
			},
			[]string{"strategy"},
		),
		Errors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors encountered during extraction, by component.",
			},
			[]string{"component"},
		),
		CheckpointResets: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_resets_total",
				Help:      "Times a view's snapshot signature diverged from its checkpoint and restarted from batch zero.",
			},
			[]string{"plan_id", "view"},
		),
		HTTPThrottles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_throttles_total",
				Help:      "429/503/504 responses observed from the directory API.",
			},
			[]string{"endpoint"},
		),
	}
}
