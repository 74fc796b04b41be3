// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the sandbox.
// A zero value disables the corresponding limit.
type ResourceLimit struct {
	CPUTimeMs   int64 `json:"cpuTimeMs,omitempty" yaml:"cpuTimeMs"`
	WallTimeMs  int64 `json:"wallTimeMs,omitempty" yaml:"wallTimeMs"`
	MemoryBytes int64 `json:"memoryBytes,omitempty" yaml:"memoryBytes"`
	OutputBytes int64 `json:"outputBytes,omitempty" yaml:"outputBytes"`
	StackBytes  int64 `json:"stackBytes,omitempty" yaml:"stackBytes"`
	PIDs        int64 `json:"pids,omitempty" yaml:"pids"`
}

// Merge returns base with every positive field of override applied on top.
func Merge(base, override ResourceLimit) ResourceLimit {
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.WallTimeMs > 0 {
		base.WallTimeMs = override.WallTimeMs
	}
	if override.MemoryBytes > 0 {
		base.MemoryBytes = override.MemoryBytes
	}
	if override.OutputBytes > 0 {
		base.OutputBytes = override.OutputBytes
	}
	if override.StackBytes > 0 {
		base.StackBytes = override.StackBytes
	}
	if override.PIDs > 0 {
		base.PIDs = override.PIDs
	}
	return base
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one sandboxed process.
type RunSpec struct {
	SubmissionID string
	TestID       string
	// WorkDir is the working directory of the guest. Inside the helper it is
	// resolved after bind mounts and chroot are applied.
	WorkDir    string
	Cmd        []string
	Env        []string
	Input      []byte
	BindMounts []MountSpec
	Profile    string
	Limits     ResourceLimit
}

// Isolation is the resolved isolation of one task profile. An empty RootFS
// keeps the host filesystem; an empty SeccompProfile disables filtering.
type Isolation struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}
