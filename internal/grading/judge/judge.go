// Package judge classifies execution outcomes into verdicts.
package judge

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/runner"
	"gradingnode/pkg/utils/logger"

	"go.uber.org/zap"
)

const maxCheckerMessage = 256

// CheckerRunner runs custom checker programs.
type CheckerRunner interface {
	RunChecker(ctx context.Context, req runner.CheckerRequest) (result.ExecutionOutcome, error)
}

// Input is everything needed to judge one test.
type Input struct {
	SubmissionID string
	TestID       string
	LanguageID   string
	WorkDir      string
	Outcome      result.ExecutionOutcome
	Input        []byte
	Expected     []byte
	Checker      sandbox.CheckerSpec
}

// Decision is the verdict for one test plus an optional explanation.
type Decision struct {
	Verdict result.Verdict
	Message string
}

// Judge maps outcomes to verdicts.
type Judge struct {
	checker CheckerRunner
	log     *logger.Logger
}

// New creates a judge. checker may be nil when custom checkers are not used.
func New(checker CheckerRunner, log *logger.Logger) *Judge {
	if log == nil {
		log = logger.Nop()
	}
	return &Judge{checker: checker, log: log}
}

// Judge decides the verdict of one test. The error is non-nil only when ctx
// was cancelled while a custom checker was running.
func (j *Judge) Judge(ctx context.Context, in Input) (Decision, error) {
	if verdict, msg, ok := ShortCircuit(in.Outcome); ok {
		return Decision{Verdict: verdict, Message: msg}, nil
	}
	produced := []byte(in.Outcome.Stdout)
	switch in.Checker.Mode {
	case "", sandbox.CheckerExact:
		if CompareExact(produced, in.Expected) {
			return Decision{Verdict: result.VerdictAccepted}, nil
		}
		return Decision{Verdict: result.VerdictWrongAnswer, Message: "output differs from expected"}, nil
	case sandbox.CheckerTolerance:
		ok, msg := CompareTolerance(produced, in.Expected, in.Checker.AbsoluteTolerance, in.Checker.RelativeTolerance)
		if ok {
			return Decision{Verdict: result.VerdictAccepted}, nil
		}
		return Decision{Verdict: result.VerdictWrongAnswer, Message: msg}, nil
	case sandbox.CheckerCustom:
		return j.runCustom(ctx, in, produced)
	default:
		return Decision{Verdict: result.VerdictInternalError, Message: fmt.Sprintf("unsupported checker mode %q", in.Checker.Mode)}, nil
	}
}

// ShortCircuit returns the verdict of outcomes that are decided without
// looking at the produced output.
func ShortCircuit(out result.ExecutionOutcome) (result.Verdict, string, bool) {
	switch out.Status {
	case result.StatusTimedOut:
		return result.VerdictTimeLimitExceeded, breachMessage(out.Breach), true
	case result.StatusMemoryExceeded:
		return result.VerdictMemoryLimitExceeded, "", true
	case result.StatusOutputExceeded:
		return result.VerdictOutputLimitExceeded, "", true
	case result.StatusCrashed:
		return result.VerdictRuntimeError, signalMessage(out.Signal), true
	case result.StatusRunnerError:
		return result.VerdictInternalError, "", true
	case result.StatusExited:
		if out.ExitCode != 0 {
			return result.VerdictRuntimeError, fmt.Sprintf("exit code %d", out.ExitCode), true
		}
		return "", "", false
	default:
		return result.VerdictInternalError, "", true
	}
}

func (j *Judge) runCustom(ctx context.Context, in Input, produced []byte) (Decision, error) {
	if j.checker == nil || strings.TrimSpace(in.Checker.Command) == "" {
		return Decision{Verdict: result.VerdictCheckerError, Message: "checker is not configured"}, nil
	}
	out, err := j.checker.RunChecker(ctx, runner.CheckerRequest{
		SubmissionID: in.SubmissionID,
		TestID:       in.TestID,
		LanguageID:   in.LanguageID,
		Command:      in.Checker.Command,
		WorkDir:      in.WorkDir,
		Input:        in.Input,
		Produced:     produced,
		Expected:     in.Expected,
		Limits:       in.Checker.Limits,
	})
	if err != nil {
		return Decision{}, err
	}
	feedback := checkerFeedback(out)
	if out.Status == result.StatusExited {
		switch out.ExitCode {
		case 0:
			return Decision{Verdict: result.VerdictAccepted, Message: feedback}, nil
		case 1:
			return Decision{Verdict: result.VerdictWrongAnswer, Message: feedback}, nil
		}
	}
	j.log.Warn(ctx, "checker malfunction",
		zap.String("submission_id", in.SubmissionID),
		zap.String("test_id", in.TestID),
		zap.String("status", string(out.Status)),
		zap.Int("exit_code", out.ExitCode),
		zap.String("error", out.Error),
	)
	msg := fmt.Sprintf("checker %s", out.Status)
	if out.Status == result.StatusExited {
		msg = fmt.Sprintf("checker exited with code %d", out.ExitCode)
	}
	return Decision{Verdict: result.VerdictCheckerError, Message: msg}, nil
}

func checkerFeedback(out result.ExecutionOutcome) string {
	text := strings.TrimSpace(out.Stdout)
	if text == "" {
		text = strings.TrimSpace(out.Stderr)
	}
	if len(text) > maxCheckerMessage {
		text = text[:maxCheckerMessage]
	}
	return text
}

func breachMessage(kind result.LimitKind) string {
	switch kind {
	case result.LimitCPU:
		return "cpu time limit exceeded"
	case result.LimitWall:
		return "wall time limit exceeded"
	default:
		return ""
	}
}

func signalMessage(sig int) string {
	if sig <= 0 {
		return ""
	}
	return fmt.Sprintf("killed by signal %s", syscall.Signal(sig))
}
