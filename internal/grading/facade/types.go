package facade

import (
	"gradingnode/internal/grading/artifact"
	"gradingnode/internal/grading/executor"
	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/spec"
)

// ResponseMode selects how results are returned.
type ResponseMode string

const (
	ResponseAtomic ResponseMode = "atomic"
	ResponseStream ResponseMode = "stream"
)

// InternalFailure replaces every sandbox-internal detail shown to callers.
const InternalFailure = "internal failure"

// SourceRequest is the program to grade, inline or by reference.
type SourceRequest struct {
	Language string        `json:"language"`
	FileName string        `json:"fileName,omitempty"`
	Content  []byte        `json:"content,omitempty"`
	Ref      *artifact.Ref `json:"ref,omitempty"`
	Prebuilt bool          `json:"prebuilt,omitempty"`
}

// TestCaseRequest is one test, with data inline or by reference.
type TestCaseRequest struct {
	ID          string        `json:"id,omitempty"`
	Ordinal     int           `json:"ordinal,omitempty"`
	Input       []byte        `json:"input,omitempty"`
	InputRef    *artifact.Ref `json:"inputRef,omitempty"`
	Expected    []byte        `json:"expected,omitempty"`
	ExpectedRef *artifact.Ref `json:"expectedRef,omitempty"`
}

// GradeRequest is the inbound grading request.
type GradeRequest struct {
	SubmissionID string              `json:"submissionId,omitempty"`
	Source       SourceRequest       `json:"source"`
	Tests        []TestCaseRequest   `json:"tests"`
	Limits       spec.ResourceLimit  `json:"limits"`
	Checker      sandbox.CheckerSpec `json:"checker"`
	Policy       sandbox.Policy      `json:"policy"`
	AllowEmpty   bool                `json:"allowEmpty,omitempty"`
	ResponseMode ResponseMode        `json:"responseMode,omitempty"`
}

// StreamEvent is one streamed message: a test result, or the final summary.
type StreamEvent struct {
	Test    *result.TestResult       `json:"test,omitempty"`
	Summary *result.SubmissionResult `json:"summary,omitempty"`
}

// StatusView is the polled status of a submission.
type StatusView = executor.StatusUpdate
