package result

// Verdict is the classification of a test or submission outcome.
type Verdict string

const (
	VerdictAccepted            Verdict = "Accepted"
	VerdictWrongAnswer         Verdict = "WrongAnswer"
	VerdictRuntimeError        Verdict = "RuntimeError"
	VerdictTimeLimitExceeded   Verdict = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded Verdict = "MemoryLimitExceeded"
	VerdictOutputLimitExceeded Verdict = "OutputLimitExceeded"
	VerdictCompileError        Verdict = "CompileError"
	VerdictCheckerError        Verdict = "CheckerError"
	VerdictInternalError       Verdict = "InternalError"

	// VerdictNotRun marks tests skipped by stop-on-first-failure. It never aggregates.
	VerdictNotRun Verdict = "NotRun"
)

var severity = map[Verdict]int{
	VerdictAccepted:            0,
	VerdictWrongAnswer:         1,
	VerdictRuntimeError:        2,
	VerdictTimeLimitExceeded:   3,
	VerdictMemoryLimitExceeded: 4,
	VerdictOutputLimitExceeded: 5,
	VerdictCompileError:        6,
	VerdictCheckerError:        7,
	VerdictInternalError:       8,
}

// Severity returns the fixed rank of v. Unknown verdicts and NotRun return -1.
func (v Verdict) Severity() int {
	if s, ok := severity[v]; ok {
		return s
	}
	return -1
}

// Worse returns the more severe of a and b.
func Worse(a, b Verdict) Verdict {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Aggregate returns the worst verdict over judged tests.
// An empty set is Accepted only when allowEmpty is set.
func Aggregate(tests []TestResult, allowEmpty bool) Verdict {
	var agg Verdict
	judged := 0
	for _, t := range tests {
		if t.Verdict.Severity() < 0 {
			continue
		}
		judged++
		if agg == "" {
			agg = t.Verdict
			continue
		}
		agg = Worse(agg, t.Verdict)
	}
	if judged == 0 {
		if allowEmpty {
			return VerdictAccepted
		}
		return VerdictInternalError
	}
	return agg
}

// AggregateUsage returns the per-field maximum usage over judged tests.
func AggregateUsage(tests []TestResult) ResourceUsage {
	var usage ResourceUsage
	for _, t := range tests {
		if t.Outcome == nil || t.Verdict.Severity() < 0 {
			continue
		}
		usage.MaxCPUTimeMs = max(usage.MaxCPUTimeMs, t.Outcome.CPUTimeMs)
		usage.MaxWallTimeMs = max(usage.MaxWallTimeMs, t.Outcome.WallTimeMs)
		usage.MaxMemoryKB = max(usage.MaxMemoryKB, t.Outcome.MemoryKB)
	}
	return usage
}
