package observer

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gradingnode"

// PrometheusRecorder exports sandbox metrics to a prometheus registry.
type PrometheusRecorder struct {
	builds       *prometheus.CounterVec
	buildLatency *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	runCPU       *prometheus.HistogramVec
	runMemory    *prometheus.HistogramVec
	verdicts     *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	subLatency   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the grading metrics on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Total number of build steps by language and result",
		}, []string{"language", "ok"}),
		buildLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_cpu_seconds",
			Help:      "CPU time spent in build steps",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"language"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_runs_total",
			Help:      "Total number of sandboxed test runs by exit status",
		}, []string{"language", "status"}),
		runCPU: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_run_cpu_seconds",
			Help:      "CPU time of sandboxed test runs",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"language"}),
		runMemory: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_run_memory_bytes",
			Help:      "Peak memory of sandboxed test runs",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12),
		}, []string{"language"}),
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_verdicts_total",
			Help:      "Total number of judged tests by verdict",
		}, []string{"language", "verdict"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of finished submissions by state and verdict",
		}, []string{"state", "verdict"}),
		subLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "End to end grading duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
	}
}

func (p *PrometheusRecorder) ObserveBuild(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64) {
	p.builds.WithLabelValues(languageID, strconv.FormatBool(ok)).Inc()
	p.buildLatency.WithLabelValues(languageID).Observe(float64(timeMs) / 1000)
}

func (p *PrometheusRecorder) ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64) {
	p.runs.WithLabelValues(languageID, status).Inc()
	p.runCPU.WithLabelValues(languageID).Observe(float64(timeMs) / 1000)
	p.runMemory.WithLabelValues(languageID).Observe(float64(memoryKB) * 1024)
}

func (p *PrometheusRecorder) ObserveVerdict(ctx context.Context, languageID string, verdict string) {
	p.verdicts.WithLabelValues(languageID, verdict).Inc()
}

func (p *PrometheusRecorder) ObserveSubmission(ctx context.Context, state string, verdict string, durationMs int64) {
	p.submissions.WithLabelValues(state, verdict).Inc()
	p.subLatency.WithLabelValues(state).Observe(float64(durationMs) / 1000)
}
