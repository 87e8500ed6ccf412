package telemetry

import (
	"errors"
	"strings"
	"sync"
	"testing"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.Opened()
	r.Completed("put", 1, errors.New("boom"))
	r.Attached(8)
	r.Detached(8)
	r.Event("noop")
	r.Debugf("ignored %d", 1)
	r.Closed(nil)
	if got := r.Stats(); got != (Stats{}) {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestRecorderStructuredLogAndSpan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()
	spans := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(spans))
	metrics := &countingMetrics{}

	r := NewRecorder(Options{
		Name:             "ring",
		Rank:             2,
		Size:             4,
		StructuredLogger: logger,
		Tracer:           NewOTelTracer(OTelTracerOptions{TracerProvider: tp}),
		Metrics:          metrics,
	})
	r.Opened()
	r.Attached(2048, KV("base", uintptr(0x1000)))
	r.Posted(8, 0)
	r.Posted(0, 16)
	r.Completed("put", 3, nil)
	r.Completed("get", 1, errors.New("range"))
	r.Detached(2048)
	r.Closed(nil)

	stats := r.Stats()
	if stats.OperationsCompleted != 1 || stats.OperationsFailed != 1 || stats.Polls != 4 {
		t.Fatalf("unexpected operation stats %+v", stats)
	}
	if stats.OperationsPosted != 2 || stats.BytesWritten != 8 || stats.BytesRead != 16 {
		t.Fatalf("unexpected traffic stats %+v", stats)
	}
	if stats.RegionsAttached != 1 || stats.RegionsDetached != 1 || stats.BytesAttached != 0 {
		t.Fatalf("unexpected region stats %+v", stats)
	}

	var sawAttach, sawError bool
	for _, entry := range logs.All() {
		ctx := entry.ContextMap()
		switch ctx["event"] {
		case "attach":
			sawAttach = ctx["bytes"] == "2.0 KiB"
		case "completion_error":
			sawError = ctx["operation"] == "get"
		}
		if ctx["rank"] != int64(2) {
			t.Fatalf("missing rank field in %v", ctx)
		}
	}
	if !sawAttach || !sawError {
		t.Fatalf("missing log entries attach=%v error=%v", sawAttach, sawError)
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != SpanName {
		t.Fatalf("expected one %s span, got %d", SpanName, len(ended))
	}
	var events []string
	for _, evt := range ended[0].Events() {
		events = append(events, evt.Name)
	}
	joined := strings.Join(events, ",")
	for _, want := range []string{"open", "attach", "completion_error", "detach", "close"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("span events %q missing %q", joined, want)
		}
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.opened != 1 || metrics.closed != 1 || metrics.completed != 1 || metrics.failed != 1 || metrics.polls != 4 {
		t.Fatalf("unexpected metric calls %+v", metrics)
	}
	if metrics.lastAttrs[labelName] != "ring" || metrics.lastAttrs[labelRank] != "2" {
		t.Fatalf("unexpected metric attrs %v", metrics.lastAttrs)
	}
}

type printfLogger struct {
	mu    sync.Mutex
	lines []string
}

func (p *printfLogger) Debugf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, format)
	_ = args
}

func TestRecorderPrintfFallback(t *testing.T) {
	logger := &printfLogger{}
	r := NewRecorder(Options{Rank: 1, Size: 2, Logger: logger})
	r.Event("barrier", KV("seq", 3))
	if len(logger.lines) != 1 || !strings.HasPrefix(logger.lines[0], "rma context rank") {
		t.Fatalf("unexpected log lines %v", logger.lines)
	}
}

type countingMetrics struct {
	mu        sync.Mutex
	opened    int
	closed    int
	completed int
	failed    int
	polls     int
	attached  uint64
	detached  int
	lastAttrs map[string]string
}

func (c *countingMetrics) record(attrs map[string]string) {
	c.lastAttrs = attrs
}

func (c *countingMetrics) ContextOpened(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	c.record(attrs)
}

func (c *countingMetrics) ContextClosed(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.record(attrs)
}

func (c *countingMetrics) OperationCompleted(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
	c.record(attrs)
}

func (c *countingMetrics) OperationFailed(_ error, attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.record(attrs)
}

func (c *countingMetrics) CompletionPolled(polls int, attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls += polls
	c.record(attrs)
}

func (c *countingMetrics) RegionAttached(size uint64, attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached += size
	c.record(attrs)
}

func (c *countingMetrics) RegionDetached(attrs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached++
	c.record(attrs)
}
