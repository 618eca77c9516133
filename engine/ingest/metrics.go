package ingest

import (
	"strings"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/metrics"
)

type pipelineMetrics struct {
	reg        *metrics.Registry
	pages      *metrics.Counter
	pageErrors *metrics.Counter
	duration   *metrics.Histogram
	lastRun    *metrics.Gauge
}

func newPipelineMetrics(reg *metrics.Registry) *pipelineMetrics {
	return &pipelineMetrics{
		reg:        reg,
		pages:      reg.Counter("castmatch_ingest_pages_total", "Catalog pages processed"),
		pageErrors: reg.Counter("castmatch_ingest_page_errors_total", "Catalog page fetch failures"),
		duration:   reg.Histogram("castmatch_ingest_run_duration_seconds", "Ingestion run wall time", []float64{1, 10, 60, 300, 900, 1800, 3600, 7200}),
		lastRun:    reg.Gauge("castmatch_ingest_last_run_timestamp_seconds", "Epoch of the last finished run"),
	}
}

func (m *pipelineMetrics) runs(result string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("castmatch_ingest_runs_total", "result", result), "Ingestion runs by result")
}

func (m *pipelineMetrics) entities(outcome string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("castmatch_ingest_entities_total", "outcome", outcome), "Catalog entities by outcome")
}

func (m *pipelineMetrics) failures(kind string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("castmatch_ingest_failures_total", "kind", kind), "Entity failures by error kind")
}

// kindLabel turns an error kind into a metric label.
func kindLabel(err error) string {
	k := domain.Kind(err)
	if k == nil {
		return "other"
	}
	return strings.ReplaceAll(strings.TrimSuffix(k.Error(), " error"), " ", "_")
}
