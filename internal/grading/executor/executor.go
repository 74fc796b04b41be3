// Package executor runs a whole submission: build, schedule tests, aggregate.
package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gradingnode/internal/grading/judge"
	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/observer"
	"gradingnode/internal/grading/sandbox/profile"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/runner"
	"gradingnode/internal/grading/sandbox/spec"
	"gradingnode/internal/grading/scheduler"
	appErr "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/contextkey"
	"gradingnode/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultFanOut = 1

// Runner is the sandbox surface the executor needs.
type Runner interface {
	Build(ctx context.Context, req runner.BuildRequest) (result.BuildResult, error)
	Run(ctx context.Context, req runner.RunRequest) (result.ExecutionOutcome, error)
	Kill(ctx context.Context, submissionID string) error
}

// Verifier judges one test outcome.
type Verifier interface {
	Judge(ctx context.Context, in judge.Input) (judge.Decision, error)
}

// Config controls the executor.
type Config struct {
	// WorkRoot holds one workspace directory per submission.
	WorkRoot string
	// DefaultFanOut is used when a submission does not set its own.
	DefaultFanOut int
	// BuildLimits override the compile task profile defaults.
	BuildLimits spec.ResourceLimit
}

// Executor grades submissions.
type Executor struct {
	runner   Runner
	judge    Verifier
	langs    config.LanguageSpecRepository
	cfg      Config
	reporter StatusReporter
	metrics  observer.MetricsRecorder
	log      *logger.Logger
}

// Option customizes one Execute call.
type Option func(*ExecOptions)

// ExecOptions collects the per-call settings applied by Option values.
type ExecOptions struct {
	// OnResult streams test results in ordinal order as they settle.
	OnResult   func(result.TestResult)
	ReceivedAt time.Time
}

// WithResultHandler streams test results in ordinal order as they settle.
func WithResultHandler(fn func(result.TestResult)) Option {
	return func(o *ExecOptions) { o.OnResult = fn }
}

// WithReceivedAt sets the intake time recorded on the result.
func WithReceivedAt(t time.Time) Option {
	return func(o *ExecOptions) { o.ReceivedAt = t }
}

// New creates an executor.
func New(r Runner, j Verifier, langs config.LanguageSpecRepository, cfg Config, metrics observer.MetricsRecorder, log *logger.Logger) *Executor {
	if cfg.DefaultFanOut <= 0 {
		cfg.DefaultFanOut = defaultFanOut
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{runner: r, judge: j, langs: langs, cfg: cfg, metrics: metrics, log: log}
}

// SetStatusReporter injects a reporter for state transitions.
func (e *Executor) SetStatusReporter(reporter StatusReporter) {
	e.reporter = reporter
}

// Execute grades one submission. Invalid submissions are rejected with an
// error before any state is reported; every accepted submission ends in a
// terminal state and is returned with a nil error.
func (e *Executor) Execute(ctx context.Context, sub sandbox.Submission, opts ...Option) (result.SubmissionResult, error) {
	var o ExecOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = time.Now()
	}
	if err := Validate(sub); err != nil {
		return result.SubmissionResult{}, err
	}
	if e.runner == nil || e.judge == nil || e.langs == nil {
		return result.SubmissionResult{}, appErr.New(appErr.GradingSystemError).WithMessage("executor dependencies are not initialized")
	}
	lang, err := e.langs.GetLanguageSpec(ctx, sub.Source.Language)
	if err != nil {
		return result.SubmissionResult{}, err
	}
	if sub.Source.Prebuilt && lang.BinaryFile == "" {
		return result.SubmissionResult{}, appErr.Newf(appErr.InvalidParams, "language %s does not accept prebuilt binaries", lang.ID)
	}

	sub = sub.Clone()
	ctx = context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
	res := result.SubmissionResult{
		SubmissionID: sub.ID,
		Language:     lang.ID,
		State:        result.StateAccepted,
		Tests:        []result.TestResult{},
		ReceivedAt:   o.ReceivedAt,
	}
	total := len(sub.Tests)
	e.report(ctx, &res, total, 0)

	workDir := filepath.Join(e.cfg.WorkRoot, sub.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return e.fail(ctx, res, appErr.Wrapf(err, appErr.GradingSystemError, "create submission workspace failed")), nil
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			e.log.Warn(ctx, "remove submission workspace failed", zap.String("dir", workDir), zap.Error(err))
		}
	}()
	if err := stageProgram(workDir, sub.Source, lang); err != nil {
		return e.fail(ctx, res, err), nil
	}

	if !sub.Source.Prebuilt && lang.CompileEnabled {
		res.State = result.StateBuilding
		e.report(ctx, &res, total, 0)
		build, err := e.runner.Build(ctx, runner.BuildRequest{
			SubmissionID: sub.ID,
			Language:     lang,
			WorkDir:      workDir,
			Limits:       e.cfg.BuildLimits,
		})
		if err != nil {
			return e.cancel(ctx, res, err), nil
		}
		res.Build = &build
		if build.Status == result.StatusRunnerError {
			return e.fail(ctx, res, appErr.New(appErr.SandboxLaunchFailed).WithMessage("build sandbox failed")), nil
		}
		if !build.OK {
			res.State = result.StateCompleted
			res.Verdict = result.VerdictCompileError
			return e.finish(ctx, res, total), nil
		}
	}

	res.State = result.StateRunning
	e.report(ctx, &res, total, 0)

	var done int32
	exec := func(ctx context.Context, tc sandbox.TestCase) (result.TestResult, error) {
		return e.runTest(ctx, sub, lang, workDir, tc)
	}
	fanOut := sub.Policy.FanOut
	if fanOut <= 0 {
		fanOut = e.cfg.DefaultFanOut
	}
	tests, err := scheduler.Schedule(ctx, sub.Tests, exec, scheduler.Options{
		Mode:                        sub.Policy.Mode,
		FanOut:                      fanOut,
		TreatInternalErrorAsFailure: sub.Policy.InternalErrorIsFailure(),
		OnResult: func(tr result.TestResult) {
			n := atomic.AddInt32(&done, 1)
			progress := res
			e.report(ctx, &progress, total, int(n))
			if o.OnResult != nil {
				o.OnResult(tr)
			}
		},
	})
	res.Tests = tests
	if err != nil {
		return e.cancel(ctx, res, err), nil
	}
	res.State = result.StateCompleted
	res.Verdict = result.Aggregate(tests, sub.AllowEmpty)
	res.Usage = result.AggregateUsage(tests)
	return e.finish(ctx, res, total), nil
}

func (e *Executor) runTest(ctx context.Context, sub sandbox.Submission, lang profile.LanguageSpec, workDir string, tc sandbox.TestCase) (result.TestResult, error) {
	out, err := e.runner.Run(ctx, runner.RunRequest{
		SubmissionID: sub.ID,
		TestID:       tc.ID,
		Language:     lang,
		WorkDir:      workDir,
		Input:        tc.Input,
		Limits:       sub.Limits,
	})
	if err != nil {
		return result.TestResult{}, err
	}
	dec, err := e.judge.Judge(ctx, judge.Input{
		SubmissionID: sub.ID,
		TestID:       tc.ID,
		LanguageID:   lang.ID,
		WorkDir:      workDir,
		Outcome:      out,
		Input:        tc.Input,
		Expected:     tc.Expected,
		Checker:      sub.Checker,
	})
	if err != nil {
		return result.TestResult{}, err
	}
	e.metrics.ObserveVerdict(ctx, lang.ID, string(dec.Verdict))
	return result.TestResult{
		TestID:         tc.ID,
		Ordinal:        tc.Ordinal,
		Verdict:        dec.Verdict,
		Outcome:        &out,
		CheckerMessage: dec.Message,
	}, nil
}

func (e *Executor) fail(ctx context.Context, res result.SubmissionResult, err error) result.SubmissionResult {
	e.log.Error(ctx, "submission failed", zap.String("submission_id", res.SubmissionID), zap.Error(err))
	res.State = result.StateFailed
	res.Verdict = result.VerdictInternalError
	res.Message = appErr.GetCode(err).Message()
	return e.finish(ctx, res, len(res.Tests))
}

func (e *Executor) cancel(ctx context.Context, res result.SubmissionResult, err error) result.SubmissionResult {
	if ctx.Err() == nil {
		// only context errors escape the runner and the scheduler
		return e.fail(ctx, res, err)
	}
	res.State = result.StateCancelled
	res.Verdict = ""
	res.Usage = result.ResourceUsage{}
	res.Message = cancelMessage(context.Cause(ctx))
	if res.Tests == nil {
		res.Tests = []result.TestResult{}
	}
	return e.finish(ctx, res, len(res.Tests))
}

func (e *Executor) finish(ctx context.Context, res result.SubmissionResult, total int) result.SubmissionResult {
	res.FinishedAt = time.Now()
	// terminal transitions must be recorded even when ctx is already cancelled
	reportCtx := context.WithoutCancel(ctx)
	done := 0
	for _, tr := range res.Tests {
		if tr.Verdict != result.VerdictNotRun {
			done++
		}
	}
	final := res
	e.reportWith(reportCtx, StatusUpdate{
		SubmissionID: res.SubmissionID,
		State:        res.State,
		Language:     res.Language,
		TotalTests:   total,
		DoneTests:    done,
		At:           res.FinishedAt,
		Result:       &final,
	})
	e.metrics.ObserveSubmission(reportCtx, string(res.State), string(res.Verdict), res.FinishedAt.Sub(res.ReceivedAt).Milliseconds())
	e.log.Info(reportCtx, "submission finished",
		zap.String("submission_id", res.SubmissionID),
		zap.String("state", string(res.State)),
		zap.String("verdict", string(res.Verdict)),
		zap.Int("tests", len(res.Tests)),
	)
	return res
}

func (e *Executor) report(ctx context.Context, res *result.SubmissionResult, total, done int) {
	e.reportWith(ctx, StatusUpdate{
		SubmissionID: res.SubmissionID,
		State:        res.State,
		Language:     res.Language,
		TotalTests:   total,
		DoneTests:    done,
		At:           time.Now(),
	})
}

func (e *Executor) reportWith(ctx context.Context, update StatusUpdate) {
	if e.reporter == nil {
		return
	}
	if err := e.reporter.ReportStatus(ctx, update); err != nil {
		e.log.Warn(ctx, "report status failed",
			zap.String("submission_id", update.SubmissionID),
			zap.String("state", string(update.State)),
			zap.Error(err),
		)
	}
}

func stageProgram(workDir string, src sandbox.SourceArtifact, lang profile.LanguageSpec) error {
	name, mode := lang.SourceFile, os.FileMode(0o644)
	if src.Prebuilt {
		name, mode = lang.BinaryFile, 0o755
	}
	if name == "" {
		name = filepath.Base(src.FileName)
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return appErr.Newf(appErr.InvalidParams, "language %s has no source file name", lang.ID)
	}
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, src.Content, mode); err != nil {
		return appErr.Wrapf(err, appErr.GradingSystemError, "write program failed")
	}
	// WriteFile mode is filtered by umask
	if err := os.Chmod(path, mode); err != nil {
		return appErr.Wrapf(err, appErr.GradingSystemError, "chmod program failed")
	}
	return nil
}

func cancelMessage(cause error) string {
	var coded *appErr.Error
	switch {
	case errors.As(cause, &coded):
		return coded.Message
	case errors.Is(cause, context.DeadlineExceeded):
		return appErr.Timeout.Message()
	default:
		return appErr.Canceled.Message()
	}
}
