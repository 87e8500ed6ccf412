package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus collectors.
type PrometheusMetrics struct {
	contextOpened      *prometheus.CounterVec
	contextClosed      *prometheus.CounterVec
	operationCompleted *prometheus.CounterVec
	operationFailed    *prometheus.CounterVec
	completionPolls    *prometheus.HistogramVec
	regionAttached     *prometheus.CounterVec
	regionDetached     *prometheus.CounterVec
	attachedBytes      *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		contextOpened:      counter("rma_context_opened_total", "Number of communication contexts opened", contextLabelKeys),
		contextClosed:      counter("rma_context_closed_total", "Number of communication contexts closed", contextLabelKeys),
		operationCompleted: counter("rma_operation_completed_total", "Number of successful operation completions", completionLabelKeys),
		operationFailed:    counter("rma_operation_failed_total", "Number of failed operation completions", failureLabelKeys),
		completionPolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "rma_completion_polls",
			Help:        "Number of completion polls needed per waited operation",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
		}, failureLabelKeys),
		regionAttached: counter("rma_region_attached_total", "Number of regions attached to the window", contextLabelKeys),
		regionDetached: counter("rma_region_detached_total", "Number of regions detached from the window", contextLabelKeys),
		attachedBytes:  counter("rma_region_attached_bytes_total", "Bytes exposed through attached regions", contextLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.contextOpened, &p.contextClosed,
		&p.operationCompleted, &p.operationFailed,
		&p.regionAttached, &p.regionDetached, &p.attachedBytes,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	if p.completionPolls, err = registerHistogramVec(reg, p.completionPolls); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	contextLabelKeys    = []string{labelName, labelRank, labelSize}
	completionLabelKeys = []string{labelName, labelRank, labelSize, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelName, labelRank, labelSize, labelOperation}
)

// ContextOpened records a communication context being opened.
func (p *PrometheusMetrics) ContextOpened(attrs map[string]string) {
	p.contextOpened.With(labels(attrs, contextLabelKeys...)).Inc()
}

// ContextClosed records a communication context being closed.
func (p *PrometheusMetrics) ContextClosed(attrs map[string]string) {
	p.contextClosed.With(labels(attrs, contextLabelKeys...)).Inc()
}

// OperationCompleted records a successful completion.
func (p *PrometheusMetrics) OperationCompleted(attrs map[string]string) {
	p.operationCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

// OperationFailed records a failed completion.
func (p *PrometheusMetrics) OperationFailed(_ error, attrs map[string]string) {
	p.operationFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

// CompletionPolled observes the number of polls a wait took.
func (p *PrometheusMetrics) CompletionPolled(polls int, attrs map[string]string) {
	p.completionPolls.With(labels(attrs, failureLabelKeys...)).Observe(float64(polls))
}

// RegionAttached records an attached region and its size.
func (p *PrometheusMetrics) RegionAttached(size uint64, attrs map[string]string) {
	labs := labels(attrs, contextLabelKeys...)
	p.regionAttached.With(labs).Inc()
	p.attachedBytes.With(labs).Add(float64(size))
}

// RegionDetached records a detached region.
func (p *PrometheusMetrics) RegionDetached(attrs map[string]string) {
	p.regionDetached.With(labels(attrs, contextLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
