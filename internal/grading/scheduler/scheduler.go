// Package scheduler drives the test cases of one submission through an
// execution function and reassembles their results in ordinal order.
package scheduler

import (
	"context"
	"sort"
	"sync"

	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"

	"golang.org/x/sync/errgroup"
)

const defaultFanOut = 1

// ExecFunc runs and judges one test. It returns an error only when the test
// could not be completed, typically because ctx was cancelled.
type ExecFunc func(ctx context.Context, tc sandbox.TestCase) (result.TestResult, error)

// Options controls one Schedule call.
type Options struct {
	Mode                        sandbox.PolicyMode
	FanOut                      int
	TreatInternalErrorAsFailure bool
	// OnResult receives results in ordinal order as soon as every earlier
	// test is settled. Calls never overlap, and a slow OnResult does not hold
	// up tests that are still running.
	OnResult func(result.TestResult)
}

// Schedule runs tests through exec. Results are ordered by ordinal. Under
// stop-on-first-failure every test after the lowest failing ordinal is
// reported NotRun. When ctx ends or exec fails, the results completed so far
// are returned together with the error.
func Schedule(ctx context.Context, tests []sandbox.TestCase, exec ExecFunc, opts Options) ([]result.TestResult, error) {
	sorted := make([]sandbox.TestCase, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	st := &state{
		opts:      opts,
		tests:     sorted,
		results:   make([]result.TestResult, len(sorted)),
		done:      make([]bool, len(sorted)),
		cancels:   make([]context.CancelFunc, len(sorted)),
		failIdx:   len(sorted),
		cancelAll: cancelAll,
	}

	fanOut := opts.FanOut
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	var g errgroup.Group
	g.SetLimit(fanOut)
	for i := range sorted {
		if runCtx.Err() != nil || st.skipped(i) {
			break
		}
		testCtx, cancel := context.WithCancel(runCtx)
		st.register(i, cancel)
		idx := i
		g.Go(func() error {
			defer cancel()
			if testCtx.Err() != nil || st.skipped(idx) {
				return nil
			}
			res, err := exec(testCtx, sorted[idx])
			st.complete(ctx, idx, res, err)
			st.flush()
			return nil
		})
	}
	_ = g.Wait()

	st.mu.Lock()
	err := st.err
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		completed := st.completed()
		st.mu.Unlock()
		st.flush()
		return completed, err
	}
	for i := range st.results {
		if !st.done[i] {
			st.results[i] = notRun(sorted[i])
			st.done[i] = true
		}
	}
	st.release()
	st.mu.Unlock()
	st.flush()
	return st.results, nil
}

type state struct {
	mu sync.Mutex
	// emitMu serializes OnResult calls; pending is guarded by mu.
	emitMu    sync.Mutex
	pending   []result.TestResult
	opts      Options
	tests     []sandbox.TestCase
	results   []result.TestResult
	done      []bool
	cancels   []context.CancelFunc
	failIdx   int
	next      int
	err       error
	cancelAll context.CancelFunc
}

func (s *state) skipped(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return i > s.failIdx
}

func (s *state) register(i int, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[i] = cancel
	if i > s.failIdx {
		cancel()
	}
}

func (s *state) complete(parent context.Context, i int, res result.TestResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if i > s.failIdx && parent.Err() == nil {
			// cancelled because an earlier test failed
			return
		}
		if s.err == nil {
			s.err = err
			s.cancelAll()
		}
		return
	}
	s.results[i] = res
	s.done[i] = true
	if s.isFailure(res.Verdict) && i < s.failIdx {
		s.failIdx = i
		for j := i + 1; j < len(s.cancels); j++ {
			if s.cancels[j] != nil {
				s.cancels[j]()
			}
		}
	}
	if s.err == nil {
		s.release()
	}
}

func (s *state) isFailure(v result.Verdict) bool {
	if s.opts.Mode != sandbox.PolicyStopOnFirstFailure {
		return false
	}
	switch v {
	case result.VerdictAccepted, result.VerdictNotRun:
		return false
	case result.VerdictInternalError:
		return s.opts.TreatInternalErrorAsFailure
	default:
		return true
	}
}

// release queues every result whose predecessors are settled. Callers hold mu.
func (s *state) release() {
	for s.next < len(s.tests) {
		i := s.next
		switch {
		case i > s.failIdx:
			s.results[i] = notRun(s.tests[i])
			s.done[i] = true
		case s.done[i]:
		default:
			return
		}
		if s.opts.OnResult != nil {
			s.pending = append(s.pending, s.results[i])
		}
		s.next++
	}
}

// flush hands queued results to OnResult without holding mu. Batches are taken
// under emitMu, so results keep their ordinal order across goroutines.
func (s *state) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, r := range batch {
		s.opts.OnResult(r)
	}
}

func (s *state) completed() []result.TestResult {
	out := make([]result.TestResult, 0, len(s.results))
	for i, r := range s.results {
		if s.done[i] && r.Verdict != result.VerdictNotRun {
			out = append(out, r)
		}
	}
	return out
}

func notRun(tc sandbox.TestCase) result.TestResult {
	return result.TestResult{TestID: tc.ID, Ordinal: tc.Ordinal, Verdict: result.VerdictNotRun}
}
