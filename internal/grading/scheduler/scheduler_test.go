package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"
)

type plan struct {
	delay   time.Duration
	verdict result.Verdict
}

func makeTests(n int) []sandbox.TestCase {
	tests := make([]sandbox.TestCase, n)
	for i := range tests {
		// deliberately reversed input order
		ord := n - i
		tests[i] = sandbox.TestCase{ID: fmt.Sprintf("t%d", ord), Ordinal: ord}
	}
	return tests
}

func planned(plans map[string]plan, started *int32) ExecFunc {
	return func(ctx context.Context, tc sandbox.TestCase) (result.TestResult, error) {
		if started != nil {
			atomic.AddInt32(started, 1)
		}
		p := plans[tc.ID]
		if p.verdict == "" {
			p.verdict = result.VerdictAccepted
		}
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return result.TestResult{}, ctx.Err()
		}
		return result.TestResult{TestID: tc.ID, Ordinal: tc.Ordinal, Verdict: p.verdict}, nil
	}
}

func TestRunAllOrdersByOrdinal(t *testing.T) {
	tests := makeTests(6)
	plans := map[string]plan{}
	for i := 1; i <= 6; i++ {
		// later ordinals finish first
		plans[fmt.Sprintf("t%d", i)] = plan{delay: time.Duration(7-i) * 10 * time.Millisecond}
	}
	plans["t3"] = plan{delay: 5 * time.Millisecond, verdict: result.VerdictWrongAnswer}

	var streamed []int
	res, err := Schedule(context.Background(), tests, planned(plans, nil), Options{
		Mode:     sandbox.PolicyRunAll,
		FanOut:   6,
		OnResult: func(r result.TestResult) { streamed = append(streamed, r.Ordinal) },
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(res) != 6 {
		t.Fatalf("expected 6 results, got %d", len(res))
	}
	for i, r := range res {
		if r.Ordinal != i+1 {
			t.Fatalf("result %d has ordinal %d", i, r.Ordinal)
		}
		if r.Ordinal == 3 && r.Verdict != result.VerdictWrongAnswer {
			t.Fatalf("run-all must keep verdicts, got %s", r.Verdict)
		}
		if r.Ordinal != 3 && r.Verdict != result.VerdictAccepted {
			t.Fatalf("run-all must run every test, ordinal %d got %s", r.Ordinal, r.Verdict)
		}
	}
	if fmt.Sprint(streamed) != "[1 2 3 4 5 6]" {
		t.Fatalf("unexpected stream order %v", streamed)
	}
}

func TestStopOnFirstFailureMarksLaterNotRun(t *testing.T) {
	tests := makeTests(6)
	plans := map[string]plan{
		"t1": {delay: 5 * time.Millisecond},
		"t2": {delay: 60 * time.Millisecond, verdict: result.VerdictWrongAnswer},
		"t3": {delay: time.Millisecond},
		"t4": {delay: time.Millisecond, verdict: result.VerdictRuntimeError},
		"t5": {delay: 2 * time.Second},
		"t6": {delay: 2 * time.Second},
	}
	var streamed []result.Verdict
	start := time.Now()
	res, err := Schedule(context.Background(), tests, planned(plans, nil), Options{
		Mode:     sandbox.PolicyStopOnFirstFailure,
		FanOut:   6,
		OnResult: func(r result.TestResult) { streamed = append(streamed, r.Verdict) },
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("later tests were not cancelled")
	}
	want := []result.Verdict{
		result.VerdictAccepted,
		result.VerdictWrongAnswer,
		result.VerdictNotRun,
		result.VerdictNotRun,
		result.VerdictNotRun,
		result.VerdictNotRun,
	}
	for i, r := range res {
		if r.Verdict != want[i] || r.Ordinal != i+1 {
			t.Fatalf("result %d: got %s ordinal %d, want %s", i, r.Verdict, r.Ordinal, want[i])
		}
	}
	if fmt.Sprint(streamed) != fmt.Sprint(want) {
		t.Fatalf("unexpected stream %v", streamed)
	}
}

func TestStopOnFirstFailureSequential(t *testing.T) {
	tests := makeTests(4)
	plans := map[string]plan{"t2": {verdict: result.VerdictTimeLimitExceeded}}
	var started int32
	res, err := Schedule(context.Background(), tests, planned(plans, &started), Options{
		Mode:   sandbox.PolicyStopOnFirstFailure,
		FanOut: 1,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 executions, got %d", started)
	}
	if res[2].Verdict != result.VerdictNotRun || res[3].Verdict != result.VerdictNotRun {
		t.Fatalf("expected NotRun tail, got %+v", res)
	}
}

func TestInternalErrorPolicy(t *testing.T) {
	tests := makeTests(3)
	plans := map[string]plan{"t1": {verdict: result.VerdictInternalError}}

	res, err := Schedule(context.Background(), tests, planned(plans, nil), Options{
		Mode:                        sandbox.PolicyStopOnFirstFailure,
		TreatInternalErrorAsFailure: false,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res[1].Verdict != result.VerdictAccepted || res[2].Verdict != result.VerdictAccepted {
		t.Fatalf("internal error should not stop the run: %+v", res)
	}

	res, err = Schedule(context.Background(), tests, planned(plans, nil), Options{
		Mode:                        sandbox.PolicyStopOnFirstFailure,
		TreatInternalErrorAsFailure: true,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res[1].Verdict != result.VerdictNotRun {
		t.Fatalf("internal error should stop the run: %+v", res)
	}
}

func TestFanOutBound(t *testing.T) {
	tests := makeTests(10)
	var mu sync.Mutex
	active, peak := 0, 0
	exec := func(ctx context.Context, tc sandbox.TestCase) (result.TestResult, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return result.TestResult{TestID: tc.ID, Ordinal: tc.Ordinal, Verdict: result.VerdictAccepted}, nil
	}
	if _, err := Schedule(context.Background(), tests, exec, Options{Mode: sandbox.PolicyRunAll, FanOut: 3}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if peak > 3 {
		t.Fatalf("fan-out exceeded: %d", peak)
	}
}

func TestCancelReturnsCompletedOnly(t *testing.T) {
	tests := makeTests(4)
	plans := map[string]plan{
		"t1": {delay: time.Millisecond},
		"t2": {delay: 5 * time.Second},
		"t3": {delay: 5 * time.Second},
		"t4": {delay: 5 * time.Second},
	}
	ctx, cancel := context.WithCancel(context.Background())
	var streamed int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := Schedule(ctx, tests, planned(plans, nil), Options{
		Mode:     sandbox.PolicyRunAll,
		FanOut:   4,
		OnResult: func(result.TestResult) { atomic.AddInt32(&streamed, 1) },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(res) != 1 || res[0].TestID != "t1" {
		t.Fatalf("expected only the completed test, got %+v", res)
	}
	if streamed != 1 {
		t.Fatalf("expected one streamed result, got %d", streamed)
	}
}

func TestEmptyTests(t *testing.T) {
	res, err := Schedule(context.Background(), nil, planned(nil, nil), Options{})
	if err != nil || len(res) != 0 {
		t.Fatalf("unexpected result %v %v", res, err)
	}
}

func TestSlowOnResultDoesNotBlockSiblings(t *testing.T) {
	tests := makeTests(3)
	var started int32
	allStarted := make(chan struct{})
	emitting := make(chan struct{})
	released := make(chan struct{})
	exec := func(ctx context.Context, tc sandbox.TestCase) (result.TestResult, error) {
		if atomic.AddInt32(&started, 1) == 3 {
			close(allStarted)
		}
		switch tc.Ordinal {
		case 1:
			<-allStarted
			return result.TestResult{TestID: tc.ID, Ordinal: 1, Verdict: result.VerdictAccepted}, nil
		case 2:
			<-emitting
			return result.TestResult{TestID: tc.ID, Ordinal: 2, Verdict: result.VerdictWrongAnswer}, nil
		default:
			// only finishes once the failure of ordinal 2 was recorded
			<-ctx.Done()
			close(released)
			return result.TestResult{}, ctx.Err()
		}
	}
	var streamed []result.Verdict
	timedOut := false
	res, err := Schedule(context.Background(), tests, exec, Options{
		Mode:   sandbox.PolicyStopOnFirstFailure,
		FanOut: 3,
		OnResult: func(r result.TestResult) {
			if r.Ordinal == 1 {
				close(emitting)
				select {
				case <-released:
				case <-time.After(5 * time.Second):
					timedOut = true
				}
			}
			streamed = append(streamed, r.Verdict)
		},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if timedOut {
		t.Fatalf("sibling completion was blocked while a result was being emitted")
	}
	want := []result.Verdict{result.VerdictAccepted, result.VerdictWrongAnswer, result.VerdictNotRun}
	for i, r := range res {
		if r.Verdict != want[i] {
			t.Fatalf("result %d: got %s, want %s", i, r.Verdict, want[i])
		}
	}
	if fmt.Sprint(streamed) != fmt.Sprint(want) {
		t.Fatalf("unexpected stream %v", streamed)
	}
}
