// Package runner turns build, test and checker steps into sandboxed runs.
package runner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/engine"
	"gradingnode/internal/grading/sandbox/observer"
	"gradingnode/internal/grading/sandbox/profile"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/spec"
	appErr "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	buildTestID      = "build"
	checkerSuffix    = "-checker"
	checkerInput     = "input.txt"
	checkerOutput    = "output.txt"
	checkerAnswer    = "answer.txt"
	defaultMaxWorker = 4
)

// Config controls the runner.
type Config struct {
	// MaxConcurrent bounds sandboxes running at once across the node.
	MaxConcurrent int64
	// ContainerWorkDir is where the submission workspace is bind mounted inside
	// the sandbox. Empty means guests see host paths.
	ContainerWorkDir string
}

// RunRequest describes one test execution.
type RunRequest struct {
	SubmissionID string
	TestID       string
	Language     profile.LanguageSpec
	// WorkDir is the host workspace that holds the built program.
	WorkDir string
	Input   []byte
	Limits  spec.ResourceLimit
}

// BuildRequest describes one build step. The source must already be in WorkDir.
type BuildRequest struct {
	SubmissionID string
	Language     profile.LanguageSpec
	WorkDir      string
	Limits       spec.ResourceLimit
}

// CheckerRequest describes one custom checker invocation.
type CheckerRequest struct {
	SubmissionID string
	TestID       string
	LanguageID   string
	// Command is a template; the input, produced and expected paths are appended.
	Command  string
	WorkDir  string
	Input    []byte
	Produced []byte
	Expected []byte
	Limits   spec.ResourceLimit
}

// Runner executes sandboxed steps. Failures of the sandbox itself are returned
// as runner-error outcomes; only context cancellation is returned as an error.
type Runner struct {
	eng      engine.Engine
	profiles config.TaskProfileRepository
	sem      *semaphore.Weighted
	cfg      Config
	metrics  observer.MetricsRecorder
	log      *logger.Logger
}

// New creates a runner backed by the sandbox engine.
func New(eng engine.Engine, profiles config.TaskProfileRepository, cfg Config, metrics observer.MetricsRecorder, log *logger.Logger) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxWorker
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		eng:      eng,
		profiles: profiles,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
	}
}

// Run executes the program of req.Language against one input.
func (r *Runner) Run(ctx context.Context, req RunRequest) (result.ExecutionOutcome, error) {
	prof, err := r.taskProfile(ctx, profile.TaskTypeRun, req.Language.ID)
	if err != nil {
		return r.runnerError(ctx, req.SubmissionID, req.TestID, err), nil
	}
	cmd, err := r.buildCommand(req.Language.RunCmdTpl, req.Language, req.WorkDir)
	if err != nil {
		return r.runnerError(ctx, req.SubmissionID, req.TestID, err), nil
	}
	runSpec := spec.RunSpec{
		SubmissionID: req.SubmissionID,
		TestID:       req.TestID,
		WorkDir:      r.guestWorkDir(req.WorkDir),
		Cmd:          cmd,
		Env:          req.Language.Env,
		Input:        req.Input,
		BindMounts:   r.bindMounts(req.WorkDir, true),
		Profile:      profile.Name(prof.LanguageID, prof.TaskType),
		Limits:       applyLimits(req.Limits, prof.DefaultLimits, req.Language),
	}
	out, err := r.execute(ctx, runSpec)
	if err != nil {
		return result.ExecutionOutcome{}, err
	}
	r.metrics.ObserveRun(ctx, req.Language.ID, string(out.Status), out.CPUTimeMs, out.MemoryKB)
	return out, nil
}

// Build runs the compile step of req.Language.
func (r *Runner) Build(ctx context.Context, req BuildRequest) (result.BuildResult, error) {
	if !req.Language.CompileEnabled {
		return result.BuildResult{OK: true, Skipped: true}, nil
	}
	prof, err := r.taskProfile(ctx, profile.TaskTypeCompile, req.Language.ID)
	if err != nil {
		return buildFromOutcome(r.runnerError(ctx, req.SubmissionID, buildTestID, err)), nil
	}
	cmd, err := r.buildCommand(req.Language.CompileCmdTpl, req.Language, req.WorkDir)
	if err != nil {
		return buildFromOutcome(r.runnerError(ctx, req.SubmissionID, buildTestID, err)), nil
	}
	runSpec := spec.RunSpec{
		SubmissionID: req.SubmissionID,
		TestID:       buildTestID,
		WorkDir:      r.guestWorkDir(req.WorkDir),
		Cmd:          cmd,
		Env:          req.Language.Env,
		BindMounts:   r.bindMounts(req.WorkDir, false),
		Profile:      profile.Name(prof.LanguageID, prof.TaskType),
		Limits:       mergeLimits(prof.DefaultLimits, req.Limits),
	}
	out, err := r.execute(ctx, runSpec)
	if err != nil {
		return result.BuildResult{}, err
	}
	res := buildFromOutcome(out)
	r.metrics.ObserveBuild(ctx, req.Language.ID, res.OK, res.CPUTimeMs, res.MemoryKB)
	return res, nil
}

// RunChecker invokes a custom checker with input, produced and expected files.
func (r *Runner) RunChecker(ctx context.Context, req CheckerRequest) (result.ExecutionOutcome, error) {
	testID := req.TestID + checkerSuffix
	prof, err := r.taskProfile(ctx, profile.TaskTypeChecker, req.LanguageID)
	if err != nil {
		return r.runnerError(ctx, req.SubmissionID, testID, err), nil
	}
	dir, err := os.MkdirTemp(req.WorkDir, "checker-")
	if err != nil {
		return r.runnerError(ctx, req.SubmissionID, testID, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create checker dir failed")), nil
	}
	defer os.RemoveAll(dir)

	files := []struct {
		name string
		data []byte
	}{{checkerInput, req.Input}, {checkerOutput, req.Produced}, {checkerAnswer, req.Expected}}
	guestDir := filepath.Join(r.guestWorkDir(req.WorkDir), filepath.Base(dir))
	var args []string
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return r.runnerError(ctx, req.SubmissionID, testID, appErr.Wrapf(err, appErr.SandboxSetupFailed, "write checker file failed")), nil
		}
		args = append(args, filepath.Join(guestDir, f.name))
	}

	cmd, err := r.buildCommand(req.Command, profile.LanguageSpec{}, req.WorkDir)
	if err != nil {
		return r.runnerError(ctx, req.SubmissionID, testID, err), nil
	}
	runSpec := spec.RunSpec{
		SubmissionID: req.SubmissionID,
		TestID:       testID,
		WorkDir:      guestDir,
		Cmd:          append(cmd, args...),
		BindMounts:   r.bindMounts(req.WorkDir, true),
		Profile:      profile.Name(prof.LanguageID, prof.TaskType),
		Limits:       mergeLimits(prof.DefaultLimits, req.Limits),
	}
	return r.execute(ctx, runSpec)
}

// Kill terminates every in-flight run of a submission.
func (r *Runner) Kill(ctx context.Context, submissionID string) error {
	return r.eng.KillSubmission(ctx, submissionID)
}

func (r *Runner) execute(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return result.ExecutionOutcome{}, err
	}
	defer r.sem.Release(1)

	out, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result.ExecutionOutcome{}, ctxErr
		}
		return r.runnerError(ctx, runSpec.SubmissionID, runSpec.TestID, appErr.Wrapf(err, appErr.SandboxLaunchFailed, "sandbox run failed")), nil
	}
	return out, nil
}

func (r *Runner) runnerError(ctx context.Context, submissionID, testID string, err error) result.ExecutionOutcome {
	r.log.Error(ctx, "sandbox runner failure",
		zap.String("submission_id", submissionID),
		zap.String("test_id", testID),
		zap.Error(err),
	)
	return result.RunnerError(err)
}

func (r *Runner) taskProfile(ctx context.Context, taskType profile.TaskType, languageID string) (profile.TaskProfile, error) {
	if r.profiles == nil {
		return profile.TaskProfile{LanguageID: languageID, TaskType: taskType}, nil
	}
	return r.profiles.GetTaskProfile(ctx, taskType, languageID)
}

func (r *Runner) guestWorkDir(hostDir string) string {
	if r.cfg.ContainerWorkDir != "" {
		return r.cfg.ContainerWorkDir
	}
	return hostDir
}

func (r *Runner) bindMounts(hostDir string, readOnly bool) []spec.MountSpec {
	if r.cfg.ContainerWorkDir == "" || hostDir == "" {
		return nil
	}
	return []spec.MountSpec{{Source: hostDir, Target: r.cfg.ContainerWorkDir, ReadOnly: readOnly}}
}

func (r *Runner) buildCommand(tpl string, lang profile.LanguageSpec, hostDir string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	dir := r.guestWorkDir(hostDir)
	expanded := strings.ReplaceAll(tpl, "{workdir}", dir)
	if lang.SourceFile != "" {
		expanded = strings.ReplaceAll(expanded, "{src}", filepath.Join(dir, lang.SourceFile))
	}
	if lang.BinaryFile != "" {
		expanded = strings.ReplaceAll(expanded, "{bin}", filepath.Join(dir, lang.BinaryFile))
	}
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func buildFromOutcome(out result.ExecutionOutcome) result.BuildResult {
	log := out.Stderr
	if out.Stdout != "" {
		log = strings.TrimRight(out.Stdout, "\n") + "\n" + log
	}
	return result.BuildResult{
		OK:         out.Status == result.StatusExited && out.ExitCode == 0,
		Status:     out.Status,
		ExitCode:   out.ExitCode,
		CPUTimeMs:  out.CPUTimeMs,
		WallTimeMs: out.WallTimeMs,
		MemoryKB:   out.MemoryKB,
		Log:        log,
		Error:      out.Error,
	}
}

func applyLimits(override, defaults spec.ResourceLimit, lang profile.LanguageSpec) spec.ResourceLimit {
	return applyMultipliers(mergeLimits(defaults, override), lang)
}

func mergeLimits(base, override spec.ResourceLimit) spec.ResourceLimit {
	return spec.Merge(base, override)
}

func applyMultipliers(limits spec.ResourceLimit, lang profile.LanguageSpec) spec.ResourceLimit {
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, lang.TimeMultiplier)
	limits.WallTimeMs = scaleLimit(limits.WallTimeMs, lang.TimeMultiplier)
	limits.MemoryBytes = scaleLimit(limits.MemoryBytes, lang.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}
