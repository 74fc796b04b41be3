package engine

import (
	"context"
	"time"

	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/internal/grading/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
//
// Run returns an error when the sandbox could not be set up or supervised, or
// when ctx was cancelled. Guest failures are reported in the outcome.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionOutcome, error)
	KillSubmission(ctx context.Context, submissionID string) error
}

// ProfileResolver resolves a profile name into an isolation profile.
type ProfileResolver interface {
	Resolve(profile string) (spec.Isolation, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	// WorkRoot holds per-run temporary workspaces. Empty uses the OS temp dir.
	WorkRoot   string
	CgroupRoot string
	SeccompDir string
	// HelperPath is the sandbox-init binary. Empty launches guests directly.
	HelperPath string
	// StderrMaxBytes bounds captured stderr independently of the output limit.
	StderrMaxBytes int64
	// DefaultOutputBytes applies when a run has no output limit.
	DefaultOutputBytes int64
	// DefaultWallTimeMs caps runs that set neither a CPU nor a wall limit.
	DefaultWallTimeMs int64
	PollInterval      time.Duration
	EnableSeccomp     bool
	EnableCgroup      bool
	EnableNamespaces  bool
}

const (
	defaultStderrMaxBytes int64 = 64 * 1024
	defaultOutputBytes    int64 = 64 << 20
	defaultWallTimeMs     int64 = 30_000
	wallSlackMs           int64 = 1000
	defaultPollInterval         = 5 * time.Millisecond
	defaultPath                 = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	helperRequestFD             = 3
	helperStatusFD              = 4
	drainGracePeriod            = 200 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.StderrMaxBytes <= 0 {
		c.StderrMaxBytes = defaultStderrMaxBytes
	}
	if c.DefaultOutputBytes <= 0 {
		c.DefaultOutputBytes = defaultOutputBytes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DefaultWallTimeMs <= 0 {
		c.DefaultWallTimeMs = defaultWallTimeMs
	}
	return c
}

// wallBounded makes sure every run has a wall clock limit. A guest blocked in
// sleep or on a pipe burns no CPU, so a CPU limit alone never fires.
func (c Config) wallBounded(limits spec.ResourceLimit) spec.ResourceLimit {
	if limits.WallTimeMs > 0 {
		return limits
	}
	if limits.CPUTimeMs > 0 {
		limits.WallTimeMs = 2*limits.CPUTimeMs + wallSlackMs
		return limits
	}
	limits.WallTimeMs = c.DefaultWallTimeMs
	return limits
}
