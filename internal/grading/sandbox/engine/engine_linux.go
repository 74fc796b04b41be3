//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/spec"
	"gradingnode/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type linuxEngine struct {
	cfg      Config
	resolver ProfileResolver
	cgroups  *cgroupParents
	log      *logger.Logger

	registryM sync.Mutex
	registry  map[string]map[uint64]*terminator
	nextRunID atomic.Uint64
}

// NewEngine creates a Linux sandbox engine.
// Without a helper, rootfs, bind mounts and seccomp profiles are not applied;
// isolation is limited to the process group, rlimits, cgroup and namespaces
// that can be entered at clone time.
func NewEngine(cfg Config, resolver ProfileResolver, log *logger.Logger) (Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.EnableSeccomp && cfg.HelperPath == "" {
		return nil, fmt.Errorf("seccomp requires the sandbox helper")
	}
	if cfg.WorkRoot != "" {
		if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &linuxEngine{
		cfg:      cfg,
		resolver: resolver,
		cgroups:  newCgroupParents(cfg.CgroupRoot),
		log:      log,
		registry: make(map[string]map[uint64]*terminator),
	}, nil
}

// terminator kills one run exactly once.
type terminator struct {
	once   sync.Once
	pid    int
	cgroup *runCgroup
}

func (t *terminator) terminate() {
	t.once.Do(func() {
		_ = killProcessGroup(t.pid)
		if t.cgroup != nil {
			_ = t.cgroup.kill()
		}
	})
}

// usageSample holds the highest values seen by the sampler.
type usageSample struct {
	cpuMs  atomic.Int64
	peakKB atomic.Int64
}

func storeMax(v *atomic.Int64, val int64) {
	for {
		cur := v.Load()
		if val <= cur || v.CompareAndSwap(cur, val) {
			return
		}
	}
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.ExecutionOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return result.ExecutionOutcome{}, err
	}
	runSpec.Limits = e.cfg.wallBounded(runSpec.Limits)
	iso, err := e.resolveIsolation(runSpec.Profile)
	if err != nil {
		return result.ExecutionOutcome{}, fmt.Errorf("resolve profile: %w", err)
	}

	runDir, err := os.MkdirTemp(e.cfg.WorkRoot, "run-")
	if err != nil {
		return result.ExecutionOutcome{}, fmt.Errorf("create run workspace: %w", err)
	}
	defer os.RemoveAll(runDir)

	stdinPath := filepath.Join(runDir, "stdin")
	if err := os.WriteFile(stdinPath, runSpec.Input, 0o644); err != nil {
		return result.ExecutionOutcome{}, fmt.Errorf("write input: %w", err)
	}
	stdin, err := os.Open(stdinPath)
	if err != nil {
		return result.ExecutionOutcome{}, fmt.Errorf("open input: %w", err)
	}
	defer stdin.Close()

	var cg *runCgroup
	if e.cfg.EnableCgroup {
		cg, err = e.cgroups.create(runSpec.SubmissionID, runSpec.TestID)
		if err != nil {
			return result.ExecutionOutcome{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer cg.remove()
		if err := cg.applyLimits(runSpec.Limits); err != nil {
			return result.ExecutionOutcome{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	helper := e.cfg.HelperPath != ""
	var childEnds, parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	newPipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("create pipe: %w", err)
		}
		return r, w, nil
	}

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		return result.ExecutionOutcome{}, err
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)
	stderrR, stderrW, err := newPipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return result.ExecutionOutcome{}, err
	}
	parentEnds, childEnds = append(parentEnds, stderrR), append(childEnds, stderrW)

	cmd := e.buildCommand(runSpec, runDir)
	cmd.Stdin = stdin
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = buildSysProcAttr(iso, e.cfg.EnableNamespaces, helper)
	if cg != nil {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = cg.fd()
	}

	var reqW, statusR *os.File
	if helper {
		reqR, w, err := newPipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return result.ExecutionOutcome{}, err
		}
		reqW = w
		parentEnds, childEnds = append(parentEnds, reqW), append(childEnds, reqR)
		r, statusW, err := newPipe()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return result.ExecutionOutcome{}, err
		}
		statusR = r
		parentEnds, childEnds = append(parentEnds, statusR), append(childEnds, statusW)
		// ExtraFiles[i] becomes fd 3+i in the child.
		cmd.ExtraFiles = []*os.File{reqR, statusW}
	}

	start := time.Now()
	startErr := cmd.Start()
	closeAll(childEnds)
	if startErr != nil {
		closeAll(parentEnds)
		return result.ExecutionOutcome{}, fmt.Errorf("start process: %w", startErr)
	}
	defer closeAll(parentEnds)

	pid := cmd.Process.Pid
	term := &terminator{pid: pid, cgroup: cg}
	unregister := e.register(runSpec.SubmissionID, term)
	defer unregister()

	if helper {
		req := e.initRequest(runSpec, iso, runDir)
		go func() {
			_ = json.NewEncoder(reqW).Encode(req)
			_ = reqW.Close()
		}()
	} else if err := applyRlimits(pid, runSpec.Limits); err != nil {
		e.log.Warn(ctx, "apply rlimits failed", zap.Int("pid", pid), zap.Error(err))
	}

	slot := &breachSlot{}
	trip := func(kind result.LimitKind) {
		if slot.report(kind) {
			term.terminate()
		}
	}

	outputLimit := runSpec.Limits.OutputBytes
	if outputLimit <= 0 {
		outputLimit = e.cfg.DefaultOutputBytes
	}
	var drains sync.WaitGroup
	var stdoutCap, stderrCap captured
	drains.Add(2)
	go func() {
		defer drains.Done()
		stdoutCap = drain(stdoutR, outputLimit, func() { trip(result.LimitOutput) })
	}()
	go func() {
		defer drains.Done()
		stderrCap = drain(stderrR, e.cfg.StderrMaxBytes, nil)
	}()

	usage := &usageSample{}
	stop := make(chan struct{})
	var monitors sync.WaitGroup
	monitors.Add(3)
	go func() {
		defer monitors.Done()
		watchWall(durationFromMs(runSpec.Limits.WallTimeMs), stop, trip)
	}()
	go func() {
		defer monitors.Done()
		e.sample(pid, cg, runSpec.Limits, stop, trip, usage)
	}()
	go func() {
		defer monitors.Done()
		select {
		case <-ctx.Done():
			term.terminate()
		case <-stop:
		}
	}()

	waitErr := cmd.Wait()
	wall := time.Since(start)
	close(stop)
	monitors.Wait()

	// Reap whatever the guest left behind so nothing keeps the pipes open.
	_ = killProcessGroup(pid)
	if cg != nil {
		_ = cg.kill()
	}
	waitDrains(&drains, stdoutR, stderrR)
	breach := slot.seal()

	if err := ctx.Err(); err != nil {
		return result.ExecutionOutcome{}, err
	}
	if helper {
		msg, _ := io.ReadAll(io.LimitReader(statusR, 4096))
		if text := strings.TrimSpace(string(msg)); text != "" {
			return result.ExecutionOutcome{}, fmt.Errorf("sandbox helper: %s", text)
		}
	}
	state := cmd.ProcessState
	if state == nil {
		return result.ExecutionOutcome{}, fmt.Errorf("wait process: %w", waitErr)
	}

	out := result.ExecutionOutcome{
		ExitCode:        state.ExitCode(),
		Stdout:          string(stdoutCap.data),
		StdoutTruncated: stdoutCap.truncated,
		Stderr:          string(stderrCap.data),
		StderrTruncated: stderrCap.truncated,
		WallTimeMs:      wall.Milliseconds(),
		CPUTimeMs:       max(rusageCPUTimeMs(state), usage.cpuMs.Load()),
		MemoryKB:        usage.peakKB.Load(),
	}
	if cg != nil {
		if v, ok := cg.cpuUsageMs(); ok {
			out.CPUTimeMs = max(out.CPUTimeMs, v)
		}
		if v, ok := cg.memoryPeakKB(); ok {
			out.MemoryKB = max(out.MemoryKB, v)
		}
	}
	ws, _ := state.Sys().(syscall.WaitStatus)
	if ws.Signaled() {
		out.Signal = int(ws.Signal())
	}
	if breach == result.LimitNone {
		breach = postMortem(out, ws, runSpec.Limits, cg != nil && cg.oomKilled())
	}
	out.Breach = breach
	switch {
	case breach != result.LimitNone:
		out.Status = breach.Status()
	case ws.Signaled():
		out.Status = result.StatusCrashed
	default:
		out.Status = result.StatusExited
	}
	return out, nil
}

// postMortem classifies an exit no monitor reported, in tie order.
func postMortem(out result.ExecutionOutcome, ws syscall.WaitStatus, limits spec.ResourceLimit, oomKilled bool) result.LimitKind {
	if (ws.Signaled() && ws.Signal() == syscall.SIGXCPU) || (limits.CPUTimeMs > 0 && out.CPUTimeMs > limits.CPUTimeMs) {
		return result.LimitCPU
	}
	if limits.WallTimeMs > 0 && out.WallTimeMs > limits.WallTimeMs {
		return result.LimitWall
	}
	if oomKilled || (limits.MemoryBytes > 0 && out.MemoryKB*1024 > limits.MemoryBytes) {
		return result.LimitMemory
	}
	if out.StdoutTruncated {
		return result.LimitOutput
	}
	return result.LimitNone
}

func watchWall(limit time.Duration, stop <-chan struct{}, trip func(result.LimitKind)) {
	if limit <= 0 {
		return
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-timer.C:
		trip(result.LimitWall)
	case <-stop:
	}
}

// sample polls CPU and memory usage until stop is closed.
func (e *linuxEngine) sample(pid int, cg *runCgroup, limits spec.ResourceLimit, stop <-chan struct{}, trip func(result.LimitKind), usage *usageSample) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if cpu, ok := procCPUTimeMs(pid); ok {
			storeMax(&usage.cpuMs, cpu)
		}
		if mem, ok := procPeakRSSKB(pid); ok && cg == nil {
			storeMax(&usage.peakKB, mem)
		}
		if cg != nil {
			if cpu, ok := cg.cpuUsageMs(); ok {
				storeMax(&usage.cpuMs, cpu)
			}
			if mem, ok := cg.memoryCurrentKB(); ok {
				storeMax(&usage.peakKB, mem)
			}
		}
		if limits.CPUTimeMs > 0 && usage.cpuMs.Load() > limits.CPUTimeMs {
			trip(result.LimitCPU)
		}
		if limits.MemoryBytes > 0 && usage.peakKB.Load()*1024 > limits.MemoryBytes {
			trip(result.LimitMemory)
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// waitDrains waits for the pipe readers. Write ends held outside the process
// group are cut off after a grace period.
func waitDrains(wg *sync.WaitGroup, readers ...*os.File) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(drainGracePeriod):
	}
	for _, r := range readers {
		if err := r.SetReadDeadline(time.Now()); err != nil {
			_ = r.Close()
		}
	}
	<-done
}

func (e *linuxEngine) KillSubmission(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	e.registryM.Lock()
	runs := make([]*terminator, 0, len(e.registry[submissionID]))
	for _, t := range e.registry[submissionID] {
		runs = append(runs, t)
	}
	e.registryM.Unlock()
	for _, t := range runs {
		t.terminate()
	}
	if len(runs) > 0 {
		e.log.Info(ctx, "killed submission runs", zap.String("submission_id", submissionID), zap.Int("runs", len(runs)))
	}
	return nil
}

func (e *linuxEngine) register(submissionID string, t *terminator) func() {
	id := e.nextRunID.Add(1)
	e.registryM.Lock()
	runs := e.registry[submissionID]
	if runs == nil {
		runs = make(map[uint64]*terminator)
		e.registry[submissionID] = runs
	}
	runs[id] = t
	e.registryM.Unlock()
	return func() {
		e.registryM.Lock()
		defer e.registryM.Unlock()
		delete(e.registry[submissionID], id)
		if len(e.registry[submissionID]) == 0 {
			delete(e.registry, submissionID)
		}
	}
}

func (e *linuxEngine) resolveIsolation(profileName string) (spec.Isolation, error) {
	if e.resolver == nil || profileName == "" {
		return spec.Isolation{DisableNetwork: true}, nil
	}
	iso, err := e.resolver.Resolve(profileName)
	if err != nil {
		return spec.Isolation{}, err
	}
	if e.cfg.SeccompDir != "" && iso.SeccompProfile != "" && !filepath.IsAbs(iso.SeccompProfile) {
		iso.SeccompProfile = filepath.Join(e.cfg.SeccompDir, iso.SeccompProfile)
	}
	return iso, nil
}

func (e *linuxEngine) buildCommand(runSpec spec.RunSpec, runDir string) *exec.Cmd {
	if e.cfg.HelperPath != "" {
		cmd := exec.Command(e.cfg.HelperPath)
		cmd.Env = []string{defaultPath}
		return cmd
	}
	cmd := exec.Command(runSpec.Cmd[0], runSpec.Cmd[1:]...)
	cmd.Dir = runSpec.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = runDir
	}
	cmd.Env = guestEnv(runSpec.Env)
	return cmd
}

func (e *linuxEngine) initRequest(runSpec spec.RunSpec, iso spec.Isolation, runDir string) initRequest {
	workDir := runSpec.WorkDir
	if workDir == "" {
		workDir = runDir
	}
	return initRequest{
		WorkDir:       workDir,
		Cmd:           runSpec.Cmd,
		Env:           guestEnv(runSpec.Env),
		BindMounts:    runSpec.BindMounts,
		Limits:        runSpec.Limits,
		Isolation:     iso,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}
}

func guestEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{defaultPath}
}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// applyRlimits sets limits on a directly launched guest. RLIMIT_CPU is a
// backstop for the CPU monitor and surfaces as SIGXCPU.
func applyRlimits(pid int, limits spec.ResourceLimit) error {
	set := func(resource int, cur, maxVal uint64) error {
		return unix.Prlimit(pid, resource, &unix.Rlimit{Cur: cur, Max: maxVal}, nil)
	}
	if limits.CPUTimeMs > 0 {
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := set(unix.RLIMIT_CPU, seconds, seconds+1); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if limits.StackBytes > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackBytes), uint64(limits.StackBytes)); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	if err := set(unix.RLIMIT_CORE, 0, 0); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	return nil
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if len(runSpec.Cmd) == 0 || runSpec.Cmd[0] == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func buildSysProcAttr(profile spec.Isolation, enableNamespaces, helper bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if helper {
		cloneFlags |= syscall.CLONE_NEWNS | syscall.CLONE_NEWPID
	}
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
