package engine

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"gradingnode/internal/grading/sandbox/result"
)

func TestBreachSlotFirstReportTriggers(t *testing.T) {
	var slot breachSlot
	if !slot.report(result.LimitMemory) {
		t.Fatalf("first report should trigger termination")
	}
	if slot.report(result.LimitWall) {
		t.Fatalf("second report must not trigger termination again")
	}
	if got := slot.seal(); got != result.LimitWall {
		t.Fatalf("expected tie order to prefer wall, got %s", got)
	}
}

func TestBreachSlotIgnoresReportsAfterSeal(t *testing.T) {
	var slot breachSlot
	slot.report(result.LimitOutput)
	slot.seal()
	if slot.report(result.LimitCPU) {
		t.Fatalf("report after seal must be ignored")
	}
	if got := slot.seal(); got != result.LimitOutput {
		t.Fatalf("sealed slot changed to %s", got)
	}
}

func TestBreachSlotConcurrentReportsYieldOneOutcome(t *testing.T) {
	var slot breachSlot
	var wg sync.WaitGroup
	var mu sync.Mutex
	triggers := 0
	kinds := []result.LimitKind{result.LimitOutput, result.LimitMemory, result.LimitWall, result.LimitCPU}
	for i := 0; i < 40; i++ {
		kind := kinds[i%len(kinds)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot.report(kind) {
				mu.Lock()
				triggers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if triggers != 1 {
		t.Fatalf("expected exactly one trigger, got %d", triggers)
	}
	if got := slot.seal(); got != result.LimitCPU {
		t.Fatalf("expected cpu to win ties, got %s", got)
	}
}

func TestDrainCapsAndReportsOnce(t *testing.T) {
	calls := 0
	out := drain(strings.NewReader(strings.Repeat("y\n", 100)), 10, func() { calls++ })
	if !bytes.Equal(out.data, []byte(strings.Repeat("y\n", 5))) {
		t.Fatalf("unexpected captured data %q", out.data)
	}
	if !out.truncated || out.total != 200 {
		t.Fatalf("unexpected capture state: truncated=%v total=%d", out.truncated, out.total)
	}
	if calls != 1 {
		t.Fatalf("expected one overflow report, got %d", calls)
	}
}

func TestDrainExactLimitIsNotOverflow(t *testing.T) {
	out := drain(strings.NewReader("12345"), 5, func() { t.Fatalf("unexpected overflow") })
	if out.truncated || string(out.data) != "12345" {
		t.Fatalf("unexpected capture: %+v", out)
	}
}
