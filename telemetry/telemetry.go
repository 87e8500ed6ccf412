// Package telemetry carries the logging, tracing and metric hooks of a
// communication context. Every hook is optional; a nil *Recorder discards
// everything.
package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Logger provides printf-style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap the lifetime of a communication context.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures context and operation telemetry events.
type MetricHook interface {
	ContextOpened(attrs map[string]string)
	ContextClosed(attrs map[string]string)
	OperationCompleted(attrs map[string]string)
	OperationFailed(err error, attrs map[string]string)
	CompletionPolled(polls int, attrs map[string]string)
	RegionAttached(size uint64, attrs map[string]string)
	RegionDetached(attrs map[string]string)
}

const (
	labelName      = "name"
	labelRank      = "rank"
	labelSize      = "size"
	labelOperation = "operation"
	labelStatus    = "status"
)

// SpanName is the name of the span covering a context's lifetime.
const SpanName = "rma-context"

// Options configures NewRecorder.
type Options struct {
	Name             string
	Rank             int
	Size             int
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Stats contains counters for one context.
type Stats struct {
	OperationsPosted    uint64
	OperationsCompleted uint64
	OperationsFailed    uint64
	Polls               uint64
	RegionsAttached     uint64
	RegionsDetached     uint64
	BytesAttached       uint64
	BytesWritten        uint64
	BytesRead           uint64
}

type recorderStats struct {
	posted        atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	polls         atomic.Uint64
	attached      atomic.Uint64
	detached      atomic.Uint64
	bytesAttached atomic.Uint64
	bytesWritten  atomic.Uint64
	bytesRead     atomic.Uint64
}

// Recorder fans telemetry out to the configured hooks.
type Recorder struct {
	opts  Options
	stats recorderStats

	spanMu sync.Mutex
	span   Span
}

// NewRecorder returns a recorder for opts.
func NewRecorder(opts Options) *Recorder {
	return &Recorder{opts: opts}
}

// Field is a key/value pair attached to log entries, span events and metric
// attributes.
type Field struct {
	Key   string
	Value any
}

// KV builds a Field.
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Opened starts the context span and records the open event.
func (r *Recorder) Opened(fields ...Field) {
	if r == nil {
		return
	}
	if r.opts.Tracer != nil {
		span := r.opts.Tracer.StartSpan(SpanName, attributesFromFields(r.baseFields()...)...)
		r.spanMu.Lock()
		r.span = span
		r.spanMu.Unlock()
	}
	r.Event("open", fields...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.ContextOpened(r.metricAttrs(fields...))
	}
}

// Closed records the close event and ends the context span with err.
func (r *Recorder) Closed(err error) {
	if r == nil {
		return
	}
	fields := []Field{KV("status", statusOf(err))}
	if err != nil {
		fields = append(fields, KV("error", err))
	}
	r.Event("close", fields...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.ContextClosed(r.metricAttrs())
	}
	r.spanMu.Lock()
	span := r.span
	r.span = nil
	r.spanMu.Unlock()
	if span != nil {
		span.End(err)
	}
}

// Completed records the outcome of an operation that needed polls polls of
// its completion token.
func (r *Recorder) Completed(op string, polls int, err error, fields ...Field) {
	if r == nil {
		return
	}
	r.stats.polls.Add(uint64(polls))
	fields = append([]Field{KV(labelOperation, op), KV(labelStatus, statusOf(err))}, fields...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.CompletionPolled(polls, r.metricAttrs(fields...))
	}
	if err != nil {
		r.stats.failed.Add(1)
		fields = append(fields, KV("polls", polls), KV("error", err))
		r.Event("completion_error", fields...)
		r.spanError(err)
		if r.opts.Metrics != nil {
			r.opts.Metrics.OperationFailed(err, r.metricAttrs(fields...))
		}
		return
	}
	r.stats.completed.Add(1)
	r.log("completion", append(fields, KV("polls", polls))...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.OperationCompleted(r.metricAttrs(fields...))
	}
}

// Posted records a non-blocking operation being issued with the bytes it
// moves to and from remote memory.
func (r *Recorder) Posted(written, read uintptr) {
	if r == nil {
		return
	}
	r.stats.posted.Add(1)
	r.stats.bytesWritten.Add(uint64(written))
	r.stats.bytesRead.Add(uint64(read))
}

// Attached records a region of size bytes becoming remotely accessible.
func (r *Recorder) Attached(size uintptr, fields ...Field) {
	if r == nil {
		return
	}
	r.stats.attached.Add(1)
	r.stats.bytesAttached.Add(uint64(size))
	fields = append(fields, KV("bytes", humanize.IBytes(uint64(size))))
	r.Event("attach", fields...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RegionAttached(uint64(size), r.metricAttrs())
	}
}

// Detached records a region of size bytes being withdrawn.
func (r *Recorder) Detached(size uintptr, fields ...Field) {
	if r == nil {
		return
	}
	r.stats.detached.Add(1)
	r.stats.bytesAttached.Add(^uint64(size - 1))
	fields = append(fields, KV("bytes", humanize.IBytes(uint64(size))))
	r.Event("detach", fields...)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RegionDetached(r.metricAttrs())
	}
}

// Stats returns a snapshot of the recorder's counters.
func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		OperationsPosted:    r.stats.posted.Load(),
		OperationsCompleted: r.stats.completed.Load(),
		OperationsFailed:    r.stats.failed.Load(),
		Polls:               r.stats.polls.Load(),
		RegionsAttached:     r.stats.attached.Load(),
		RegionsDetached:     r.stats.detached.Load(),
		BytesAttached:       r.stats.bytesAttached.Load(),
		BytesWritten:        r.stats.bytesWritten.Load(),
		BytesRead:           r.stats.bytesRead.Load(),
	}
}

// Event logs event and mirrors it onto the context span.
func (r *Recorder) Event(event string, fields ...Field) {
	if r == nil {
		return
	}
	r.log(event, fields...)
	r.spanMu.Lock()
	span := r.span
	r.spanMu.Unlock()
	if span != nil {
		span.AddEvent(event, attributesFromFields(fields...)...)
	}
}

// Debugf forwards to the printf-style logger.
func (r *Recorder) Debugf(format string, args ...any) {
	if r == nil || r.opts.Logger == nil {
		return
	}
	r.opts.Logger.Debugf(format, args...)
}

func (r *Recorder) log(event string, fields ...Field) {
	if r.opts.StructuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, labelRank, r.opts.Rank)
		if r.opts.Name != "" {
			kv = append(kv, labelName, r.opts.Name)
		}
		for _, field := range fields {
			if field.Key == "" {
				continue
			}
			kv = append(kv, field.Key, field.Value)
		}
		r.opts.StructuredLogger.Debugw("rma context", kv...)
		return
	}
	if r.opts.Logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.Value))
	}
	r.opts.Logger.Debugf("rma context rank %d %s", r.opts.Rank, b.String())
}

func (r *Recorder) spanError(err error) {
	r.spanMu.Lock()
	span := r.span
	r.spanMu.Unlock()
	if span != nil && err != nil {
		span.RecordError(err)
	}
}

func (r *Recorder) baseFields() []Field {
	fields := []Field{KV(labelRank, r.opts.Rank), KV(labelSize, r.opts.Size)}
	if r.opts.Name != "" {
		fields = append(fields, KV(labelName, r.opts.Name))
	}
	return fields
}

func (r *Recorder) metricAttrs(fields ...Field) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelRank] = fmt.Sprint(r.opts.Rank)
	attrs[labelSize] = fmt.Sprint(r.opts.Size)
	if r.opts.Name != "" {
		attrs[labelName] = r.opts.Name
	}
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs[field.Key] = fmt.Sprint(field.Value)
	}
	return attrs
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func attributesFromFields(fields ...Field) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.Key, Value: field.Value})
	}
	return attrs
}
