// Package sandbox is the boundary between agent intent and external effect.
// Runners execute declared filesystem and shell effects under explicit
// limits: nothing inherits the host environment, output is capped, and the
// working directory must stay inside the session workspace.
package sandbox

import (
	"context"

	"github.com/broomva/aiOS/internal/model"
)

// Kind selects the effect a spec describes.
type Kind string

const (
	KindFSRead    Kind = "fs.read"
	KindFSWrite   Kind = "fs.write"
	KindFSDelete  Kind = "fs.delete"
	KindFSRename  Kind = "fs.rename"
	KindShellExec Kind = "shell.exec"
)

// Default execution limits, applied when a spec leaves them unset.
const (
	DefaultTimeoutMS      = 30_000
	DefaultMaxOutputBytes = 64 * 1024
)

// Spec declares one bounded execution.
type Spec struct {
	Kind Kind

	// WorkspaceRoot is the session workspace; every path in the spec is
	// resolved relative to it and must not escape it.
	WorkspaceRoot string
	// WorkDir is the working directory for shell execution, relative to
	// the workspace root ("" means the root itself).
	WorkDir string

	// Path and Content drive the fs kinds; ToPath is the rename target.
	Path    string
	Content []byte
	ToPath  string

	// Argv is the command line for shell.exec. EnvAllow lists the host
	// environment keys the command may see; everything else is dropped.
	Argv     []string
	EnvAllow []string

	TimeoutMS      int64
	MaxOutputBytes int
}

// Limits returns the effective limits after defaulting.
func (s Spec) Limits() model.Limits {
	limits := model.Limits{TimeoutMS: s.TimeoutMS, MaxOutputBytes: s.MaxOutputBytes}
	if limits.TimeoutMS <= 0 {
		limits.TimeoutMS = DefaultTimeoutMS
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return limits
}

// Runner executes specs. Implementations must reject workspace escapes
// before execution and must honor context cancellation.
type Runner interface {
	Run(ctx context.Context, spec Spec) (model.ExecutionReport, error)
}

// truncate caps output at max bytes, reporting whether it cut anything.
func truncate(output []byte, max int) ([]byte, bool) {
	if len(output) <= max {
		return output, false
	}
	return output[:max], true
}
