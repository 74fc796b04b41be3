package engine

import (
	"gradingnode/internal/grading/sandbox/spec"
)

// initRequest is sent to sandbox-init on fd 3. Field names are part of the
// helper protocol and must stay in sync with cmd/sandbox-init.
type initRequest struct {
	WorkDir       string
	Cmd           []string
	Env           []string
	BindMounts    []spec.MountSpec
	Limits        spec.ResourceLimit
	Isolation     spec.Isolation
	EnableSeccomp bool
	EnableNs      bool
}
