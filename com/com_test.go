package com

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/rma-go/rma"
	"github.com/rocketbitz/rma-go/sched"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
	"github.com/rocketbitz/rma-go/transport/loopback"
)

func TestComLifecycleTelemetry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	spans := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(spans))
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewPrometheusMetrics(telemetry.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	f, err := loopback.New(2)
	if err != nil {
		t.Fatalf("loopback.New: %v", err)
	}
	var stats [2]telemetry.Stats
	err = f.Spawn(func(tr transport.Device) error {
		cfg := Config{Name: "com-test", Scheduler: sched.OS{}, Metrics: metrics}
		if tr.Rank() == 0 {
			// A sugared logger only set as Logger is promoted to structured logging.
			cfg.Logger = zap.New(core).Sugar()
			cfg.Tracer = telemetry.NewOTelTracer(telemetry.OTelTracerOptions{TracerProvider: tp})
		}
		c, err := Open(tr, cfg)
		if err != nil {
			return err
		}
		if c.Rank() != tr.Rank() || c.Size() != 2 {
			t.Errorf("identity rank=%d size=%d", c.Rank(), c.Size())
		}
		var v int64
		a, err := rma.Attach(c.RMA(), &v, 1)
		if err != nil {
			return err
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		if err := rma.Detach(c.RMA(), a); err != nil {
			return err
		}
		stats[c.Rank()] = c.Stats()
		if err := c.Close(); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			t.Errorf("second Close = %v", err)
		}
		if err := c.Barrier(); !errors.Is(err, ErrClosed) {
			t.Errorf("Barrier after Close = %v, want ErrClosed", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	for rank, st := range stats {
		if st.RegionsAttached != 1 || st.RegionsDetached != 1 || st.OperationsCompleted != 1 {
			t.Fatalf("rank %d stats = %+v", rank, st)
		}
	}

	seen := map[string]bool{}
	for _, entry := range logs.All() {
		ctx := entry.ContextMap()
		if ctx["name"] != "com-test" {
			t.Fatalf("entry without context name: %v", ctx)
		}
		seen[ctx["event"].(string)] = true
	}
	for _, event := range []string{"open", "attach", "collective", "completion", "detach", "close"} {
		if !seen[event] {
			t.Fatalf("missing %q log entry; saw %v", event, seen)
		}
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != telemetry.SpanName {
		t.Fatalf("unexpected spans %d", len(ended))
	}
	events := map[string]bool{}
	for _, ev := range ended[0].Events() {
		events[ev.Name] = true
	}
	if !events["open"] || !events["close"] {
		t.Fatalf("span events = %v", events)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for name, want := range map[string]float64{
		"rma_context_opened_total":  2,
		"rma_context_closed_total":  2,
		"rma_region_attached_total": 2,
		"rma_region_detached_total": 2,
	} {
		if got := counterSum(mfs, name); got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestOpenDefaults(t *testing.T) {
	if _, err := Open(nil, Config{}); !errors.Is(err, transport.ErrArg) {
		t.Fatalf("Open(nil) = %v, want ErrArg", err)
	}

	f, err := loopback.New(1)
	if err != nil {
		t.Fatalf("loopback.New: %v", err)
	}
	c, err := Open(f.Endpoint(0), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Scheduler() != sched.Default() {
		t.Fatalf("default scheduler = %T", c.Scheduler())
	}
	if c.Engine().Scheduler() != c.Scheduler() {
		t.Fatal("engine and context disagree on the scheduler")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var nilCom *Com
	if nilCom.Close() != nil || nilCom.Stats() != (telemetry.Stats{}) {
		t.Fatal("nil context must be inert")
	}
}

func counterSum(mfs []*dto.MetricFamily, name string) float64 {
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
