package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/workspace"
)

// LocalRunner executes specs directly on the host, constrained to the
// session workspace. Shell commands run with an explicitly constructed
// environment and are killed on timeout or cancellation.
type LocalRunner struct {
	// AllowedCommands restricts shell.exec by argv[0]. Empty means no
	// runner-level restriction (policy still gates upstream).
	AllowedCommands []string
}

// NewLocalRunner returns a local runner with the given command allowlist.
func NewLocalRunner(allowedCommands []string) *LocalRunner {
	return &LocalRunner{AllowedCommands: allowedCommands}
}

// Run executes the spec and reports the outcome. Violations (path escape,
// disallowed command) are rejected before any effect happens.
func (r *LocalRunner) Run(ctx context.Context, spec Spec) (model.ExecutionReport, error) {
	report, err := r.run(ctx, spec)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SandboxRuns.WithLabelValues("local", outcome).Inc()
	return report, err
}

func (r *LocalRunner) run(ctx context.Context, spec Spec) (model.ExecutionReport, error) {
	limits := spec.Limits()
	report := model.ExecutionReport{LimitsApplied: limits}

	switch spec.Kind {
	case KindFSRead:
		return r.fsRead(spec, report)
	case KindFSWrite:
		return r.fsWrite(spec, report)
	case KindFSDelete:
		return r.fsDelete(spec, report)
	case KindFSRename:
		return r.fsRename(spec, report)
	case KindShellExec:
		return r.shellExec(ctx, spec, report)
	default:
		return report, fmt.Errorf("%w: unsupported spec kind %q", model.ErrInvalidIntent, spec.Kind)
	}
}

func (r *LocalRunner) fsRead(spec Spec, report model.ExecutionReport) (model.ExecutionReport, error) {
	started := time.Now()
	absolute, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.Path)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
	}
	data, err := os.ReadFile(absolute)
	if err != nil {
		return report, fmt.Errorf("%w: read %s: %v", model.ErrIOFailure, spec.Path, err)
	}
	report.Stdout, report.Truncated = truncate(data, report.LimitsApplied.MaxOutputBytes)
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

func (r *LocalRunner) fsWrite(spec Spec, report model.ExecutionReport) (model.ExecutionReport, error) {
	started := time.Now()
	absolute, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.Path)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o755); err != nil {
		return report, fmt.Errorf("%w: mkdir for %s: %v", model.ErrIOFailure, spec.Path, err)
	}
	if err := os.WriteFile(absolute, spec.Content, 0o644); err != nil {
		return report, fmt.Errorf("%w: write %s: %v", model.ErrIOFailure, spec.Path, err)
	}
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

func (r *LocalRunner) fsDelete(spec Spec, report model.ExecutionReport) (model.ExecutionReport, error) {
	started := time.Now()
	absolute, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.Path)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
	}
	if err := os.Remove(absolute); err != nil {
		return report, fmt.Errorf("%w: delete %s: %v", model.ErrIOFailure, spec.Path, err)
	}
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

func (r *LocalRunner) fsRename(spec Spec, report model.ExecutionReport) (model.ExecutionReport, error) {
	started := time.Now()
	from, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.Path)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
	}
	to, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.ToPath)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return report, fmt.Errorf("%w: mkdir for %s: %v", model.ErrIOFailure, spec.ToPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return report, fmt.Errorf("%w: rename %s: %v", model.ErrIOFailure, spec.Path, err)
	}
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

func (r *LocalRunner) commandAllowed(command string) bool {
	if len(r.AllowedCommands) == 0 {
		return true
	}
	for _, allowed := range r.AllowedCommands {
		if allowed == command {
			return true
		}
	}
	return false
}

// buildEnv constructs the child environment from the whitelist only; the
// host environment is never inherited wholesale.
func buildEnv(allow []string) []string {
	env := make([]string, 0, len(allow))
	for _, key := range allow {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func (r *LocalRunner) shellExec(ctx context.Context, spec Spec, report model.ExecutionReport) (model.ExecutionReport, error) {
	if len(spec.Argv) == 0 {
		return report, fmt.Errorf("%w: shell.exec requires argv", model.ErrInvalidIntent)
	}
	if !r.commandAllowed(spec.Argv[0]) {
		return report, fmt.Errorf("%w: command %q not allowed", model.ErrSandboxViolation, spec.Argv[0])
	}

	workDir := spec.WorkspaceRoot
	if spec.WorkDir != "" {
		contained, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.WorkDir)
		if err != nil {
			return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
		}
		workDir = contained
	}

	limits := report.LimitsApplied
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutMS)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(spec.EnvAllow)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	report.DurationMS = time.Since(started).Milliseconds()

	report.Stdout, report.Truncated = truncate(stdout.Bytes(), limits.MaxOutputBytes)
	var errTrunc bool
	report.Stderr, errTrunc = truncate(stderr.Bytes(), limits.MaxOutputBytes)
	report.Truncated = report.Truncated || errTrunc

	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return report, fmt.Errorf("%w after %dms", model.ErrTimedOut, limits.TimeoutMS)
		}
		return report, fmt.Errorf("%w: %v", model.ErrCancelled, runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			report.ExitStatus = exitErr.ExitCode()
			return report, nil
		}
		return report, fmt.Errorf("%w: exec: %v", model.ErrIOFailure, err)
	}
	report.ExitStatus = 0
	return report, nil
}
