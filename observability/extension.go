package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/record"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.RecordSubmitted    = (*MetricsExtension)(nil)
	_ ext.RecordDeduplicated = (*MetricsExtension)(nil)
	_ ext.RecordPromoted     = (*MetricsExtension)(nil)
	_ ext.RecordCompleted    = (*MetricsExtension)(nil)
	_ ext.RecordRetrying     = (*MetricsExtension)(nil)
	_ ext.RecordFailed       = (*MetricsExtension)(nil)
	_ ext.RecordCancelled    = (*MetricsExtension)(nil)
	_ ext.PromotionPass      = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/courier/observability"

// MetricsExtension records system-wide lifecycle metrics through the
// OpenTelemetry metric API. Record counters carry a job_name attribute.
type MetricsExtension struct {
	Submitted    metric.Int64Counter
	Deduplicated metric.Int64Counter
	Promoted     metric.Int64Counter
	Completed    metric.Int64Counter
	Retried      metric.Int64Counter
	Failed       metric.Int64Counter
	Cancelled    metric.Int64Counter
	RunDuration  metric.Float64Histogram

	Passes       metric.Int64Counter
	PassPromoted metric.Int64Counter
	PassFailed   metric.Int64Counter
	PassSkipped  metric.Int64Counter
	PassDuration metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
// Instrument creation errors leave noop instruments in place.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	hist := func(name, desc string) metric.Float64Histogram {
		h, _ := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}
	return &MetricsExtension{
		Submitted:    counter("courier.record.submitted", "Job records created"),
		Deduplicated: counter("courier.record.deduplicated", "Submissions absorbed by an active record"),
		Promoted:     counter("courier.record.promoted", "Records handed to the broker"),
		Completed:    counter("courier.record.completed", "Records completed"),
		Retried:      counter("courier.record.retried", "Failed attempts re-armed for retry"),
		Failed:       counter("courier.record.failed", "Records failed for good"),
		Cancelled:    counter("courier.record.cancelled", "Records cancelled"),
		RunDuration:  hist("courier.record.run_duration", "Time from promotion to completion"),

		Passes:       counter("courier.promotion.passes", "Promotion passes run"),
		PassPromoted: counter("courier.promotion.promoted", "Records promoted by passes"),
		PassFailed:   counter("courier.promotion.failed", "Records a pass could not promote"),
		PassSkipped:  counter("courier.promotion.skipped", "Records a pass found already handled"),
		PassDuration: hist("courier.promotion.duration", "Promotion pass duration"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttr(r *record.Record) metric.AddOption {
	return metric.WithAttributes(attribute.String("job_name", r.JobName))
}

// ── Record lifecycle hooks ──────────────────────────

// OnRecordSubmitted implements ext.RecordSubmitted.
func (m *MetricsExtension) OnRecordSubmitted(ctx context.Context, r *record.Record) error {
	m.Submitted.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRecordDeduplicated implements ext.RecordDeduplicated.
func (m *MetricsExtension) OnRecordDeduplicated(ctx context.Context, r *record.Record) error {
	m.Deduplicated.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRecordPromoted implements ext.RecordPromoted.
func (m *MetricsExtension) OnRecordPromoted(ctx context.Context, r *record.Record) error {
	m.Promoted.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRecordCompleted implements ext.RecordCompleted.
func (m *MetricsExtension) OnRecordCompleted(ctx context.Context, r *record.Record, elapsed time.Duration) error {
	m.Completed.Add(ctx, 1, jobAttr(r))
	m.RunDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("job_name", r.JobName)))
	return nil
}

// OnRecordRetrying implements ext.RecordRetrying.
func (m *MetricsExtension) OnRecordRetrying(ctx context.Context, r *record.Record, _ int, _ time.Time) error {
	m.Retried.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRecordFailed implements ext.RecordFailed.
func (m *MetricsExtension) OnRecordFailed(ctx context.Context, r *record.Record, _ error) error {
	m.Failed.Add(ctx, 1, jobAttr(r))
	return nil
}

// OnRecordCancelled implements ext.RecordCancelled.
func (m *MetricsExtension) OnRecordCancelled(ctx context.Context, r *record.Record) error {
	m.Cancelled.Add(ctx, 1, jobAttr(r))
	return nil
}

// ── Promotion hooks ─────────────────────────────────

// OnPromotionPass implements ext.PromotionPass.
func (m *MetricsExtension) OnPromotionPass(ctx context.Context, promoted, failed, skipped int, elapsed time.Duration) error {
	m.Passes.Add(ctx, 1)
	m.PassPromoted.Add(ctx, int64(promoted))
	m.PassFailed.Add(ctx, int64(failed))
	m.PassSkipped.Add(ctx, int64(skipped))
	m.PassDuration.Record(ctx, elapsed.Seconds())
	return nil
}
