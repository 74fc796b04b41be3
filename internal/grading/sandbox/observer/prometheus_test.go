package observer

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	ctx := context.Background()

	rec.ObserveRun(ctx, "cpp", "exited", 12, 2048)
	rec.ObserveRun(ctx, "cpp", "exited", 30, 4096)
	rec.ObserveRun(ctx, "cpp", "timed-out", 1000, 4096)
	rec.ObserveVerdict(ctx, "cpp", "Accepted")
	rec.ObserveSubmission(ctx, "Completed", "Accepted", 250)

	if got := testutil.ToFloat64(rec.runs.WithLabelValues("cpp", "exited")); got != 2 {
		t.Fatalf("expected 2 exited runs, got %v", got)
	}
	if got := testutil.ToFloat64(rec.runs.WithLabelValues("cpp", "timed-out")); got != 1 {
		t.Fatalf("expected 1 timed-out run, got %v", got)
	}
	if got := testutil.ToFloat64(rec.submissions.WithLabelValues("Completed", "Accepted")); got != 1 {
		t.Fatalf("expected 1 submission, got %v", got)
	}
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var rec MetricsRecorder = NoopMetricsRecorder{}
	rec.ObserveBuild(context.Background(), "go", true, 1, 1)
}
