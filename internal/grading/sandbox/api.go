// Package sandbox defines the request shapes handed to the grading engine.
package sandbox

import (
	"gradingnode/internal/grading/sandbox/spec"
)

// SourceArtifact is the program under test.
type SourceArtifact struct {
	Language string `json:"language"`
	FileName string `json:"fileName,omitempty"`
	Content  []byte `json:"content"`
	// Prebuilt marks Content as a ready-to-run executable; the build step is skipped.
	Prebuilt bool `json:"prebuilt,omitempty"`
}

// TestCase describes one input and its expected answer.
type TestCase struct {
	ID       string `json:"id"`
	Input    []byte `json:"input"`
	Expected []byte `json:"expected,omitempty"`
	// Ordinal defines reporting order. Execution order may differ.
	Ordinal int `json:"ordinal"`
}

// CheckerMode selects how produced output is verified.
type CheckerMode string

const (
	CheckerExact     CheckerMode = "exact"
	CheckerTolerance CheckerMode = "tolerance"
	CheckerCustom    CheckerMode = "custom"
)

// CheckerSpec configures the verdict judge.
type CheckerSpec struct {
	Mode              CheckerMode `json:"mode"`
	AbsoluteTolerance float64     `json:"absoluteTolerance,omitempty"`
	RelativeTolerance float64     `json:"relativeTolerance,omitempty"`
	// Command is a command template for custom checkers. The input, produced
	// output and expected output paths are appended as the last three arguments.
	Command string             `json:"command,omitempty"`
	Limits  spec.ResourceLimit `json:"limits,omitempty"`
}

// PolicyMode controls early exit across test cases.
type PolicyMode string

const (
	PolicyRunAll             PolicyMode = "run-all"
	PolicyStopOnFirstFailure PolicyMode = "stop-on-first-failure"
)

// Policy controls scheduling of a submission's tests.
type Policy struct {
	Mode   PolicyMode `json:"mode"`
	FanOut int        `json:"fanOut,omitempty"`
	// TreatInternalErrorAsFailure makes InternalError stop scheduling under
	// stop-on-first-failure. Nil means the default, which is true.
	TreatInternalErrorAsFailure *bool `json:"treatInternalErrorAsFailure,omitempty"`
}

// InternalErrorIsFailure resolves the internal-error policy.
func (p Policy) InternalErrorIsFailure() bool {
	if p.TreatInternalErrorAsFailure == nil {
		return true
	}
	return *p.TreatInternalErrorAsFailure
}

// Submission is one program plus its test cases.
type Submission struct {
	ID         string             `json:"id"`
	Source     SourceArtifact     `json:"source"`
	Tests      []TestCase         `json:"tests"`
	Limits     spec.ResourceLimit `json:"limits"`
	Checker    CheckerSpec        `json:"checker"`
	Policy     Policy             `json:"policy"`
	AllowEmpty bool               `json:"allowEmpty,omitempty"`
}

// Clone returns a deep copy so the caller's slices are never shared.
func (s Submission) Clone() Submission {
	out := s
	out.Source.Content = append([]byte(nil), s.Source.Content...)
	if s.Tests != nil {
		out.Tests = make([]TestCase, len(s.Tests))
		for i, tc := range s.Tests {
			out.Tests[i] = TestCase{
				ID:       tc.ID,
				Input:    append([]byte(nil), tc.Input...),
				Expected: append([]byte(nil), tc.Expected...),
				Ordinal:  tc.Ordinal,
			}
		}
	}
	if s.Policy.TreatInternalErrorAsFailure != nil {
		v := *s.Policy.TreatInternalErrorAsFailure
		out.Policy.TreatInternalErrorAsFailure = &v
	}
	return out
}
