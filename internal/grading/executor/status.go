package executor

import (
	"context"
	"time"

	"gradingnode/internal/grading/sandbox/result"
)

// StatusUpdate is one state transition of a submission.
type StatusUpdate struct {
	SubmissionID string                   `json:"submissionId"`
	State        result.SubmissionState   `json:"state"`
	Language     string                   `json:"language,omitempty"`
	TotalTests   int                      `json:"totalTests"`
	DoneTests    int                      `json:"doneTests"`
	At           time.Time                `json:"at"`
	Result       *result.SubmissionResult `json:"result,omitempty"`
}

// StatusReporter receives submission state transitions. Terminal updates carry
// the final result.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}
