//go:build !linux

package engine

import (
	"context"
	"fmt"

	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/spec"
	"gradingnode/pkg/utils/logger"
)

type stubEngine struct{}

func NewEngine(cfg Config, resolver ProfileResolver, log *logger.Logger) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error) {
	return result.ExecutionOutcome{}, fmt.Errorf("sandbox engine is only supported on linux")
}

func (s *stubEngine) KillSubmission(ctx context.Context, submissionID string) error {
	return fmt.Errorf("sandbox engine is only supported on linux")
}
