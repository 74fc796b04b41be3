// Package observer defines metrics hooks for sandbox execution.
package observer

import "context"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveBuild(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64)
	ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64)
	ObserveVerdict(ctx context.Context, languageID string, verdict string)
	ObserveSubmission(ctx context.Context, state string, verdict string, durationMs int64)
}

// NoopMetricsRecorder is a metrics recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveBuild(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, languageID string, status string, timeMs int64, memoryKB int64) {
}

func (NoopMetricsRecorder) ObserveVerdict(ctx context.Context, languageID string, verdict string) {}

func (NoopMetricsRecorder) ObserveSubmission(ctx context.Context, state string, verdict string, durationMs int64) {
}
