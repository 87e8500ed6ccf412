package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter              metric.Meter
	contextOpened      metric.Int64Counter
	contextClosed      metric.Int64Counter
	operationCompleted metric.Int64Counter
	operationFailed    metric.Int64Counter
	completionPolls    metric.Int64Histogram
	regionAttached     metric.Int64Counter
	regionDetached     metric.Int64Counter
	attachedBytes      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rma-go/telemetry"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	contextOpened, err := meter.Int64Counter("rma.context.opened")
	if err != nil {
		return nil, err
	}
	contextClosed, err := meter.Int64Counter("rma.context.closed")
	if err != nil {
		return nil, err
	}
	operationCompleted, err := meter.Int64Counter("rma.operation.completed")
	if err != nil {
		return nil, err
	}
	operationFailed, err := meter.Int64Counter("rma.operation.failed")
	if err != nil {
		return nil, err
	}
	completionPolls, err := meter.Int64Histogram("rma.completion.polls", metric.WithDescription("Completion polls per waited operation"))
	if err != nil {
		return nil, err
	}
	regionAttached, err := meter.Int64Counter("rma.region.attached")
	if err != nil {
		return nil, err
	}
	regionDetached, err := meter.Int64Counter("rma.region.detached")
	if err != nil {
		return nil, err
	}
	attachedBytes, err := meter.Int64Counter("rma.region.attached_bytes", metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:              meter,
		contextOpened:      contextOpened,
		contextClosed:      contextClosed,
		operationCompleted: operationCompleted,
		operationFailed:    operationFailed,
		completionPolls:    completionPolls,
		regionAttached:     regionAttached,
		regionDetached:     regionDetached,
		attachedBytes:      attachedBytes,
	}, nil
}

// ContextOpened records a communication context being opened.
func (o *OTelMetrics) ContextOpened(attrs map[string]string) {
	o.contextOpened.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ContextClosed records a communication context being closed.
func (o *OTelMetrics) ContextClosed(attrs map[string]string) {
	o.contextClosed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// OperationCompleted records a successful completion.
func (o *OTelMetrics) OperationCompleted(attrs map[string]string) {
	o.operationCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// OperationFailed records a failed completion.
func (o *OTelMetrics) OperationFailed(_ error, attrs map[string]string) {
	o.operationFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// CompletionPolled records how many polls a waited operation needed.
func (o *OTelMetrics) CompletionPolled(polls int, attrs map[string]string) {
	o.completionPolls.Record(context.Background(), int64(polls), metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// RegionAttached records a region attach of size bytes.
func (o *OTelMetrics) RegionAttached(size uint64, attrs map[string]string) {
	opt := metric.WithAttributes(otelAttrs(attrs)...)
	o.regionAttached.Add(context.Background(), 1, opt)
	o.attachedBytes.Add(context.Background(), int64(size), opt)
}

// RegionDetached records a region detach.
func (o *OTelMetrics) RegionDetached(attrs map[string]string) {
	o.regionDetached.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelRank, attrs[labelRank]),
		attribute.String(labelSize, attrs[labelSize]),
	}
	if v := attrs[labelName]; v != "" {
		kvs = append(kvs, attribute.String(labelName, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
