package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gradingnode/internal/grading/judge"
	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/profile"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/runner"
	appErr "gradingnode/pkg/errors"
)

type fakeRunner struct {
	mu       sync.Mutex
	build    result.BuildResult
	builds   int
	runs     []runner.RunRequest
	kills    []string
	runFn    func(ctx context.Context, req runner.RunRequest) (result.ExecutionOutcome, error)
	observed func(req runner.RunRequest)
}

func (f *fakeRunner) Build(ctx context.Context, req runner.BuildRequest) (result.BuildResult, error) {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return result.BuildResult{}, err
	}
	return f.build, nil
}

func (f *fakeRunner) Run(ctx context.Context, req runner.RunRequest) (result.ExecutionOutcome, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.mu.Unlock()
	if f.observed != nil {
		f.observed(req)
	}
	if f.runFn != nil {
		return f.runFn(ctx, req)
	}
	// echo the input
	return result.ExecutionOutcome{Status: result.StatusExited, Stdout: string(req.Input), CPUTimeMs: 10, MemoryKB: 100}, nil
}

func (f *fakeRunner) Kill(ctx context.Context, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, submissionID)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (r *recorder) ReportStatus(ctx context.Context, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
	return nil
}

func (r *recorder) states() []result.SubmissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []result.SubmissionState
	for _, u := range r.updates {
		if len(out) == 0 || out[len(out)-1] != u.State {
			out = append(out, u.State)
		}
	}
	return out
}

func testLanguages() *config.LocalRepository {
	return config.NewLocalRepository([]profile.LanguageSpec{
		{ID: "cpp", SourceFile: "main.cpp", BinaryFile: "main", CompileEnabled: true, CompileCmdTpl: "g++ {src} -o {bin}", RunCmdTpl: "{bin}"},
		{ID: "python", SourceFile: "main.py", RunCmdTpl: "python3 {src}"},
	}, nil)
}

func newTestExecutor(t *testing.T, fr *fakeRunner) (*Executor, *recorder, string) {
	t.Helper()
	root := t.TempDir()
	exec := New(fr, judge.New(nil, nil), testLanguages(), Config{WorkRoot: root, DefaultFanOut: 2}, nil, nil)
	rec := &recorder{}
	exec.SetStatusReporter(rec)
	return exec, rec, root
}

func submission(id, lang string, tests ...sandbox.TestCase) sandbox.Submission {
	return sandbox.Submission{
		ID:     id,
		Source: sandbox.SourceArtifact{Language: lang, Content: []byte("int main(){}")},
		Tests:  tests,
	}
}

func tc(id string, ordinal int, input, expected string) sandbox.TestCase {
	return sandbox.TestCase{ID: id, Ordinal: ordinal, Input: []byte(input), Expected: []byte(expected)}
}

func TestExecuteAggregatesWorstVerdict(t *testing.T) {
	fr := &fakeRunner{build: result.BuildResult{OK: true, Status: result.StatusExited}}
	exec, rec, root := newTestExecutor(t, fr)
	sub := submission("s1", "cpp", tc("a", 1, "1", "1"), tc("b", 2, "2", "3"), tc("c", 3, "3", "3"))

	res, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != result.StateCompleted || res.Verdict != result.VerdictWrongAnswer {
		t.Fatalf("unexpected result %s %s", res.State, res.Verdict)
	}
	if len(res.Tests) != 3 || res.Tests[1].Verdict != result.VerdictWrongAnswer {
		t.Fatalf("unexpected tests %+v", res.Tests)
	}
	if res.Usage.MaxCPUTimeMs != 10 || res.Usage.MaxMemoryKB != 100 {
		t.Fatalf("unexpected usage %+v", res.Usage)
	}
	want := []result.SubmissionState{result.StateAccepted, result.StateBuilding, result.StateRunning, result.StateCompleted}
	got := rec.states()
	if len(got) != len(want) {
		t.Fatalf("unexpected states %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected states %v", got)
		}
	}
	last := rec.updates[len(rec.updates)-1]
	if last.Result == nil || last.Result.Verdict != result.VerdictWrongAnswer {
		t.Fatalf("terminal update must carry the result: %+v", last)
	}
	if _, err := os.Stat(filepath.Join(root, "s1")); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
}

func TestBuildFailureYieldsCompileError(t *testing.T) {
	fr := &fakeRunner{build: result.BuildResult{OK: false, Status: result.StatusExited, ExitCode: 1, Log: "error: expected ';'"}}
	exec, _, _ := newTestExecutor(t, fr)
	res, err := exec.Execute(context.Background(), submission("s2", "cpp", tc("a", 1, "1", "1")))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != result.StateCompleted || res.Verdict != result.VerdictCompileError {
		t.Fatalf("unexpected result %s %s", res.State, res.Verdict)
	}
	if len(res.Tests) != 0 || len(fr.runs) != 0 {
		t.Fatalf("no test may run after a failed build")
	}
	if res.Build == nil || res.Build.Log == "" {
		t.Fatalf("build log missing")
	}
}

func TestBuildSandboxFailureIsInternalError(t *testing.T) {
	fr := &fakeRunner{build: result.BuildResult{Status: result.StatusRunnerError, Error: "cgroup"}}
	exec, _, _ := newTestExecutor(t, fr)
	res, err := exec.Execute(context.Background(), submission("s3", "cpp", tc("a", 1, "1", "1")))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.State != result.StateFailed || res.Verdict != result.VerdictInternalError {
		t.Fatalf("unexpected result %s %s", res.State, res.Verdict)
	}
}

func TestInterpretedLanguageSkipsBuild(t *testing.T) {
	fr := &fakeRunner{}
	exec, rec, root := newTestExecutor(t, fr)
	fr.observed = func(req runner.RunRequest) {
		data, err := os.ReadFile(filepath.Join(root, "s4", "main.py"))
		if err != nil || string(data) != "int main(){}" {
			t.Errorf("source not staged: %v", err)
		}
	}
	res, err := exec.Execute(context.Background(), submission("s4", "python", tc("a", 1, "x", "x")))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Verdict != result.VerdictAccepted || fr.builds != 0 {
		t.Fatalf("unexpected result %s builds=%d", res.Verdict, fr.builds)
	}
	for _, s := range rec.states() {
		if s == result.StateBuilding {
			t.Fatalf("interpreted language must not enter Building")
		}
	}
}

func TestPrebuiltBinaryIsExecutable(t *testing.T) {
	fr := &fakeRunner{}
	exec, _, root := newTestExecutor(t, fr)
	fr.observed = func(req runner.RunRequest) {
		info, err := os.Stat(filepath.Join(root, "s5", "main"))
		if err != nil || info.Mode().Perm()&0o100 == 0 {
			t.Errorf("binary not executable: %v", err)
		}
	}
	sub := submission("s5", "cpp", tc("a", 1, "x", "x"))
	sub.Source.Prebuilt = true
	res, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fr.builds != 0 || res.Build != nil || res.Verdict != result.VerdictAccepted {
		t.Fatalf("prebuilt binaries skip the build: builds=%d verdict=%s", fr.builds, res.Verdict)
	}
}

func TestStreamingOrderAndNotRun(t *testing.T) {
	fr := &fakeRunner{}
	exec, _, _ := newTestExecutor(t, fr)
	sub := submission("s6", "python", tc("c", 3, "3", "3"), tc("a", 1, "1", "1"), tc("b", 2, "2", "x"))
	sub.Policy = sandbox.Policy{Mode: sandbox.PolicyStopOnFirstFailure, FanOut: 1}
	var streamed []string
	res, err := exec.Execute(context.Background(), sub, WithResultHandler(func(tr result.TestResult) {
		streamed = append(streamed, tr.TestID+":"+string(tr.Verdict))
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"a:Accepted", "b:WrongAnswer", "c:NotRun"}
	if len(streamed) != 3 {
		t.Fatalf("unexpected stream %v", streamed)
	}
	for i := range want {
		if streamed[i] != want[i] {
			t.Fatalf("unexpected stream %v", streamed)
		}
	}
	if res.Verdict != result.VerdictWrongAnswer {
		t.Fatalf("unexpected verdict %s", res.Verdict)
	}
}

func TestCallerIsolation(t *testing.T) {
	fr := &fakeRunner{}
	exec, _, _ := newTestExecutor(t, fr)
	sub := submission("s7", "python", tc("a", 1, "1", "1"))
	fr.observed = func(req runner.RunRequest) {
		sub.Tests[0].Input[0] = 'z'
	}
	res, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Verdict != result.VerdictAccepted {
		t.Fatalf("caller mutation leaked into the run: %s", res.Verdict)
	}
}

func TestValidationErrors(t *testing.T) {
	fr := &fakeRunner{}
	exec, rec, _ := newTestExecutor(t, fr)
	cases := []struct {
		sub  sandbox.Submission
		code appErr.ErrorCode
	}{
		{submission("", "cpp", tc("a", 1, "", "")), appErr.ValidationFailed},
		{submission("../x", "cpp", tc("a", 1, "", "")), appErr.ValidationFailed},
		{submission("s", "cobol", tc("a", 1, "", "")), appErr.LanguageNotSupported},
		{submission("s", "cpp", tc("a", 1, "", ""), tc("a", 2, "", "")), appErr.ValidationFailed},
		{submission("s", "cpp"), appErr.ValidationFailed},
	}
	for _, c := range cases {
		_, err := exec.Execute(context.Background(), c.sub)
		if appErr.GetCode(err) != c.code {
			t.Fatalf("submission %q: expected %d, got %v", c.sub.ID, c.code, err)
		}
	}
	if len(rec.updates) != 0 {
		t.Fatalf("rejected submissions must not report states")
	}
}

func TestAllowEmpty(t *testing.T) {
	fr := &fakeRunner{}
	exec, _, _ := newTestExecutor(t, fr)
	sub := submission("s8", "python")
	sub.AllowEmpty = true
	res, err := exec.Execute(context.Background(), sub)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Verdict != result.VerdictAccepted || len(res.Tests) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func blockingRunner(release <-chan struct{}) *fakeRunner {
	return &fakeRunner{runFn: func(ctx context.Context, req runner.RunRequest) (result.ExecutionOutcome, error) {
		if req.TestID == "a" {
			return result.ExecutionOutcome{Status: result.StatusExited, Stdout: string(req.Input)}, nil
		}
		select {
		case <-ctx.Done():
			return result.ExecutionOutcome{}, ctx.Err()
		case <-release:
			return result.ExecutionOutcome{Status: result.StatusExited, Stdout: string(req.Input)}, nil
		}
	}}
}

func TestManagerCancelMidRun(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fr := blockingRunner(release)
	exec, rec, _ := newTestExecutor(t, fr)
	mgr := NewManager(exec, ManagerConfig{MaxActive: 2}, nil)
	sub := submission("s9", "python", tc("a", 1, "1", "1"), tc("b", 2, "2", "2"), tc("c", 3, "3", "3"))
	sub.Policy.FanOut = 3

	done := make(chan result.SubmissionResult, 1)
	go func() {
		res, err := mgr.Submit(context.Background(), sub)
		if err != nil {
			t.Errorf("submit: %v", err)
		}
		done <- res
	}()

	deadline := time.After(2 * time.Second)
	for {
		fr.mu.Lock()
		n := len(fr.runs)
		fr.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("runs did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := mgr.Cancel(context.Background(), "s9"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var res result.SubmissionResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled submission did not finish")
	}
	if res.State != result.StateCancelled || res.Verdict != "" {
		t.Fatalf("unexpected result %s %s", res.State, res.Verdict)
	}
	if len(res.Tests) != 1 || res.Tests[0].TestID != "a" {
		t.Fatalf("only completed tests may be reported: %+v", res.Tests)
	}
	if res.Message != "cancelled by request" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if len(fr.kills) != 1 || fr.kills[0] != "s9" {
		t.Fatalf("runs were not killed: %v", fr.kills)
	}
	states := rec.states()
	if states[len(states)-1] != result.StateCancelled {
		t.Fatalf("unexpected states %v", states)
	}
	if mgr.Active("s9") {
		t.Fatalf("submission still registered")
	}
}

func TestManagerRejectsDuplicatesAndFullQueue(t *testing.T) {
	release := make(chan struct{})
	fr := blockingRunner(release)
	exec, _, _ := newTestExecutor(t, fr)
	mgr := NewManager(exec, ManagerConfig{MaxActive: 1, QueueTimeout: 20 * time.Millisecond}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mgr.Submit(context.Background(), submission("busy", "python", tc("b", 1, "1", "1")))
	}()
	deadline := time.After(2 * time.Second)
	for !mgr.Active("busy") {
		select {
		case <-deadline:
			t.Fatalf("submission never became active")
		case <-time.After(time.Millisecond):
		}
	}
	// wait until the slot is taken
	for {
		fr.mu.Lock()
		n := len(fr.runs)
		fr.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run did not start")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := mgr.Submit(context.Background(), submission("busy", "python", tc("b", 1, "1", "1")))
	if appErr.GetCode(err) != appErr.SubmissionAlreadyActive {
		t.Fatalf("expected already active, got %v", err)
	}
	_, err = mgr.Submit(context.Background(), submission("other", "python", tc("b", 1, "1", "1")))
	if appErr.GetCode(err) != appErr.GradingQueueFull {
		t.Fatalf("expected queue full, got %v", err)
	}
	close(release)
	<-done
}

func TestManagerCancelUnknown(t *testing.T) {
	exec, _, _ := newTestExecutor(t, &fakeRunner{})
	mgr := NewManager(exec, ManagerConfig{}, nil)
	if err := mgr.Cancel(context.Background(), "nope"); appErr.GetCode(err) != appErr.SubmissionNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManagerWorkerTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec, _, _ := newTestExecutor(t, blockingRunner(release))
	mgr := NewManager(exec, ManagerConfig{WorkerTimeout: 30 * time.Millisecond}, nil)
	res, err := mgr.Submit(context.Background(), submission("slow", "python", tc("b", 1, "1", "1")))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.State != result.StateCancelled || res.Message != "grading time exceeded" {
		t.Fatalf("unexpected result %s %q", res.State, res.Message)
	}
}

func TestOptionsApplyToExecOptions(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var streamed []string
	var o ExecOptions
	for _, opt := range []Option{WithReceivedAt(at), WithResultHandler(func(tr result.TestResult) { streamed = append(streamed, tr.TestID) })} {
		opt(&o)
	}
	if !o.ReceivedAt.Equal(at) || o.OnResult == nil {
		t.Fatalf("options not applied: %+v", o)
	}

	fr := &fakeRunner{}
	exec, _, _ := newTestExecutor(t, fr)
	res, err := exec.Execute(context.Background(), submission("s-opt", "python", tc("a", 1, "1", "1")),
		WithReceivedAt(at), WithResultHandler(func(tr result.TestResult) { streamed = append(streamed, tr.TestID) }))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.ReceivedAt.Equal(at) {
		t.Fatalf("expected received time %v, got %v", at, res.ReceivedAt)
	}
	if len(streamed) != 1 || streamed[0] != "a" {
		t.Fatalf("unexpected stream %v", streamed)
	}
}
