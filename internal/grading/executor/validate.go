package executor

import (
	"strings"

	"gradingnode/internal/grading/sandbox"
	appErr "gradingnode/pkg/errors"
)

// Validate checks a submission before it is accepted.
func Validate(sub sandbox.Submission) error {
	if strings.TrimSpace(sub.ID) == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if strings.ContainsAny(sub.ID, `/\`) || sub.ID == "." || sub.ID == ".." {
		return appErr.ValidationError("submission_id", "invalid")
	}
	if sub.Source.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if len(sub.Source.Content) == 0 {
		return appErr.ValidationError("source", "required")
	}
	seen := make(map[string]struct{}, len(sub.Tests))
	for _, tc := range sub.Tests {
		if tc.ID == "" {
			return appErr.ValidationError("test_id", "required")
		}
		if _, ok := seen[tc.ID]; ok {
			return appErr.ValidationError("test_id", "duplicate")
		}
		seen[tc.ID] = struct{}{}
	}
	if len(sub.Tests) == 0 && !sub.AllowEmpty {
		return appErr.ValidationError("tests", "required")
	}
	switch sub.Checker.Mode {
	case "", sandbox.CheckerExact:
	case sandbox.CheckerTolerance:
		if sub.Checker.AbsoluteTolerance < 0 || sub.Checker.RelativeTolerance < 0 {
			return appErr.ValidationError("tolerance", "negative")
		}
	case sandbox.CheckerCustom:
		if strings.TrimSpace(sub.Checker.Command) == "" {
			return appErr.ValidationError("checker_command", "required")
		}
	default:
		return appErr.Newf(appErr.InvalidParams, "unsupported checker mode: %s", sub.Checker.Mode)
	}
	switch sub.Policy.Mode {
	case "", sandbox.PolicyRunAll, sandbox.PolicyStopOnFirstFailure:
	default:
		return appErr.Newf(appErr.InvalidParams, "unsupported policy mode: %s", sub.Policy.Mode)
	}
	if sub.Policy.FanOut < 0 {
		return appErr.ValidationError("fan_out", "negative")
	}
	return nil
}
