package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// PageFileMetrics holds all the metric instruments for a page file.
type PageFileMetrics struct {
	CommitsCounter         metric.Int64Counter
	CommitFailuresCounter  metric.Int64Counter
	CommitLatencyHistogram metric.Int64Histogram
	FlushesCounter         metric.Int64Counter
	CompactionsCounter     metric.Int64Counter
	PagesReclaimedCounter  metric.Int64Counter
	PagesRelocatedCounter  metric.Int64Counter
	RecoveriesCounter      metric.Int64Counter
	PartialReplaysCounter  metric.Int64Counter
	FreePagesGauge         metric.Int64Gauge
	PageCountGauge         metric.Int64Gauge
}

// NewPageFileMetrics creates and registers all the metrics for a page file.
func NewPageFileMetrics(meter metric.Meter) (*PageFileMetrics, error) {
	commits, err := meter.Int64Counter(
		"pagestore.pagefile.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitFailures, err := meter.Int64Counter(
		"pagestore.pagefile.commit_failures_total",
		metric.WithDescription("Total number of commits that failed to write their redo batch."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Int64Histogram(
		"pagestore.pagefile.commit.duration",
		metric.WithDescription("The latency of transaction commits."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"pagestore.pagefile.flushes_total",
		metric.WithDescription("Total number of flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	compactions, err := meter.Int64Counter(
		"pagestore.pagefile.compactions_total",
		metric.WithDescription("Total number of compactions that shrank the file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reclaimed, err := meter.Int64Counter(
		"pagestore.pagefile.pages_reclaimed_total",
		metric.WithDescription("Pages removed from the end of the file by compaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	relocated, err := meter.Int64Counter(
		"pagestore.pagefile.pages_relocated_total",
		metric.WithDescription("Live pages moved to a lower id by compaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter(
		"pagestore.pagefile.recoveries_total",
		metric.WithDescription("Loads that had to replay the redo log."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	partialReplays, err := meter.Int64Counter(
		"pagestore.pagefile.partial_replays_total",
		metric.WithDescription("Recoveries that stopped at an unreadable redo record."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	freePages, err := meter.Int64Gauge(
		"pagestore.pagefile.free_pages",
		metric.WithDescription("Free page count as of the last flush or compaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageCount, err := meter.Int64Gauge(
		"pagestore.pagefile.pages",
		metric.WithDescription("Page count as of the last flush or compaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PageFileMetrics{
		CommitsCounter:         commits,
		CommitFailuresCounter:  commitFailures,
		CommitLatencyHistogram: commitLatency,
		FlushesCounter:         flushes,
		CompactionsCounter:     compactions,
		PagesReclaimedCounter:  reclaimed,
		PagesRelocatedCounter:  relocated,
		RecoveriesCounter:      recoveries,
		PartialReplaysCounter:  partialReplays,
		FreePagesGauge:         freePages,
		PageCountGauge:         pageCount,
	}, nil
}

// NoopPageFileMetrics returns instruments that record nothing.
func NoopPageFileMetrics() *PageFileMetrics {
	m, _ := NewPageFileMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}
