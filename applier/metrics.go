package applier

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/goedderz/go-replication/applier")

var (
	PhaseGauge           metric.Int64Gauge
	LastAppliedTickGauge metric.Int64Gauge
	TailModeGauge        metric.Int64Gauge
	TailBufferGauge      metric.Int64Gauge
	AppliedEntries       metric.Int64Counter
	SkippedEntries       metric.Int64Counter
	Reconnects           metric.Int64Counter
	SnapshotDocuments    metric.Int64Counter
)

var (
	TailModeStream    = attribute.String("mode", "stream")
	TailModePaginated = attribute.String("mode", "paginated")
)

func targetAttr(target string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("target", target))
}

func init() {
	var err error
	PhaseGauge, err = meter.Int64Gauge("replication_applier_phase",
		metric.WithDescription("Applier phase (0 stopped, 1 starting, 2 initial-sync, 3 running, 4 stopping, 5 forgotten)"),
	)
	if err != nil {
		panic(err)
	}
	LastAppliedTickGauge, err = meter.Int64Gauge("replication_applier_last_applied_tick",
		metric.WithDescription("The most recently applied leader tick"),
	)
	if err != nil {
		panic(err)
	}
	TailModeGauge, err = meter.Int64Gauge("replication_applier_tail_mode",
		metric.WithDescription("Current tail mode: 1 with mode attribute (stream or paginated)"),
	)
	if err != nil {
		panic(err)
	}
	TailBufferGauge, err = meter.Int64Gauge("replication_applier_tail_buffer",
		metric.WithDescription("Number of received entries waiting to be applied"),
	)
	if err != nil {
		panic(err)
	}
	AppliedEntries, err = meter.Int64Counter("replication_applier_applied_entries",
		metric.WithDescription("Log entries applied to local storage"),
	)
	if err != nil {
		panic(err)
	}
	SkippedEntries, err = meter.Int64Counter("replication_applier_skipped_entries",
		metric.WithDescription("Log entries filtered out or of unknown kind"),
	)
	if err != nil {
		panic(err)
	}
	Reconnects, err = meter.Int64Counter("replication_applier_reconnects",
		metric.WithDescription("Tail reconnect attempts after transport errors"),
	)
	if err != nil {
		panic(err)
	}
	SnapshotDocuments, err = meter.Int64Counter("replication_applier_snapshot_documents",
		metric.WithDescription("Documents transferred by initial syncs"),
	)
	if err != nil {
		panic(err)
	}
}
