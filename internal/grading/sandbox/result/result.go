// Package result defines sandbox execution outcomes, verdicts and submission results.
package result

import "time"

// ExitStatus classifies how a sandboxed process ended.
type ExitStatus string

const (
	StatusExited         ExitStatus = "exited"
	StatusTimedOut       ExitStatus = "timed-out"
	StatusMemoryExceeded ExitStatus = "memory-exceeded"
	StatusOutputExceeded ExitStatus = "output-exceeded"
	StatusCrashed        ExitStatus = "crashed"
	StatusRunnerError    ExitStatus = "runner-error"
)

// LimitKind names the limit that tripped a run.
type LimitKind string

const (
	LimitNone   LimitKind = ""
	LimitCPU    LimitKind = "cpu"
	LimitWall   LimitKind = "wall"
	LimitMemory LimitKind = "memory"
	LimitOutput LimitKind = "output"
)

// Rank orders limit kinds for tie resolution. Lower wins.
func (k LimitKind) Rank() int {
	switch k {
	case LimitCPU:
		return 0
	case LimitWall:
		return 1
	case LimitMemory:
		return 2
	case LimitOutput:
		return 3
	default:
		return 4
	}
}

// Status returns the exit status reported for a breach of this limit.
func (k LimitKind) Status() ExitStatus {
	switch k {
	case LimitCPU, LimitWall:
		return StatusTimedOut
	case LimitMemory:
		return StatusMemoryExceeded
	case LimitOutput:
		return StatusOutputExceeded
	default:
		return StatusExited
	}
}

// ExecutionOutcome captures raw sandbox execution data for one run.
type ExecutionOutcome struct {
	Status          ExitStatus `json:"status"`
	ExitCode        int        `json:"exitCode"`
	Signal          int        `json:"signal,omitempty"`
	Breach          LimitKind  `json:"breach,omitempty"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	StdoutTruncated bool       `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool       `json:"stderrTruncated,omitempty"`
	CPUTimeMs       int64      `json:"cpuTimeMs"`
	WallTimeMs      int64      `json:"wallTimeMs"`
	MemoryKB        int64      `json:"memoryKB"`
	// Error carries runner-internal detail. It is never serialized.
	Error string `json:"-"`
}

// RunnerError builds the outcome reported when the sandbox itself failed.
func RunnerError(err error) ExecutionOutcome {
	out := ExecutionOutcome{Status: StatusRunnerError, ExitCode: -1}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// BuildResult contains compilation outcomes.
type BuildResult struct {
	OK         bool       `json:"ok"`
	Skipped    bool       `json:"skipped,omitempty"`
	Status     ExitStatus `json:"status,omitempty"`
	ExitCode   int        `json:"exitCode"`
	CPUTimeMs  int64      `json:"cpuTimeMs"`
	WallTimeMs int64      `json:"wallTimeMs"`
	MemoryKB   int64      `json:"memoryKB"`
	Log        string     `json:"log,omitempty"`
	Error      string     `json:"-"`
}

// TestResult is the judged result of one test case.
type TestResult struct {
	TestID         string            `json:"testId"`
	Ordinal        int               `json:"ordinal"`
	Verdict        Verdict           `json:"verdict"`
	Outcome        *ExecutionOutcome `json:"outcome,omitempty"`
	CheckerMessage string            `json:"checkerMessage,omitempty"`
}

// ResourceUsage is the aggregate usage over judged tests.
type ResourceUsage struct {
	MaxCPUTimeMs  int64 `json:"maxCpuTimeMs"`
	MaxWallTimeMs int64 `json:"maxWallTimeMs"`
	MaxMemoryKB   int64 `json:"maxMemoryKB"`
}

// SubmissionState represents the lifecycle state of a submission.
type SubmissionState string

const (
	StateAccepted  SubmissionState = "Accepted"
	StateBuilding  SubmissionState = "Building"
	StateRunning   SubmissionState = "Running"
	StateCompleted SubmissionState = "Completed"
	StateCancelled SubmissionState = "Cancelled"
	StateFailed    SubmissionState = "Failed"
)

// Terminal reports whether no further transitions follow this state.
func (s SubmissionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// SubmissionResult is the unified response structure for a submission.
type SubmissionResult struct {
	SubmissionID string          `json:"submissionId"`
	Language     string          `json:"language,omitempty"`
	State        SubmissionState `json:"state"`
	Verdict      Verdict         `json:"verdict,omitempty"`
	Message      string          `json:"message,omitempty"`
	Build        *BuildResult    `json:"build,omitempty"`
	Tests        []TestResult    `json:"tests"`
	Usage        ResourceUsage   `json:"usage"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
}
