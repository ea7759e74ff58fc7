package core

import (
	"context"
	"expvar"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq atomic.Uint64

// ExpvarMetricsRecorder publishes per-operation counters under one expvar
// map: "<op>.success", "<op>.error" and "<op>.duration_ms".
type ExpvarMetricsRecorder struct {
	name string
	vars *expvar.Map
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated name when name is empty. Publishing the same name twice panics,
// as expvar does.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("floppa_metrics_%d", expvarSeq.Add(1))
	}
	return &ExpvarMetricsRecorder{name: name, vars: expvar.NewMap(name)}
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Count returns how many outcomes of operation were recorded.
func (r *ExpvarMetricsRecorder) Count(operation string, success bool) int64 {
	if v, ok := r.vars.Get(operation + "." + statusLabel(success)).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

// TotalDuration returns the summed latency of operation.
func (r *ExpvarMetricsRecorder) TotalDuration(operation string) time.Duration {
	if v, ok := r.vars.Get(operation + ".duration_ms").(*expvar.Float); ok {
		return time.Duration(v.Value() * float64(time.Millisecond))
	}
	return 0
}

// Observe records an operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.vars.Add(operation+"."+statusLabel(success), 1)
	r.vars.AddFloat(operation+".duration_ms", float64(duration)/float64(time.Millisecond))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// LogTracer writes one debug record per finished span.
type LogTracer struct {
	Logger Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Start implements Tracer.
func (t LogTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	now := t.Now
	if now == nil {
		now = time.Now
	}
	return ctx, logSpan{logger: t.Logger, now: now, operation: operation, started: now()}
}

type logSpan struct {
	logger    Logger
	now       func() time.Time
	operation string
	started   time.Time
}

func (s logSpan) End(err error) {
	args := []any{"operation", s.operation, "duration", s.now().Sub(s.started).String()}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	s.logger.Debug("span", args...)
}

// PrometheusMetricsRecorder exports operation counts and latency histograms.
type PrometheusMetricsRecorder struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder creates the collectors and registers them
// with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "floppa",
			Name:      "operations_total",
			Help:      "Registry operations by outcome.",
		}, []string{"operation", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "floppa",
			Name:      "operation_duration_seconds",
			Help:      "Registry operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.ops, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return r, nil
}

// Observe records an operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.ops.WithLabelValues(operation, statusLabel(success)).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// MultiMetricsRecorder fans observations out to several recorders.
type MultiMetricsRecorder []MetricsRecorder

// Observe forwards to every recorder.
func (m MultiMetricsRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		r.Observe(ctx, operation, success, duration)
	}
}

// LogAuditRecorder writes audit entries to a Logger.
type LogAuditRecorder struct {
	Logger Logger
}

// Record logs the entry at info level, or warn when it failed.
func (l LogAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	args := []any{
		"operation", entry.Operation,
		"actor", entry.Actor,
		"target", entry.Target,
		"duration", entry.Duration.String(),
	}
	if entry.Status == AuditStatusError {
		l.Logger.Warn("audit", append(args, "error", entry.Error)...)
		return
	}
	l.Logger.Info("audit", args...)
}
