// Package docker provides a container-backed sandbox driver. Shell effects
// run inside a per-session container with the session workspace bind-mounted
// at /workspace; filesystem effects go through the local runner against the
// same mount, so both views stay coherent.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/sandbox"
	"github.com/broomva/aiOS/internal/workspace"
)

const containerWorkspace = "/workspace"

// Runner executes sandbox specs with Docker as the isolation boundary.
type Runner struct {
	client *client.Client
	image  string
	local  *sandbox.LocalRunner

	mu         sync.Mutex
	containers map[string]string // workspace root -> container ID
}

// NewRunner creates a Docker-backed runner using the given image for
// session containers.
func NewRunner(image string, allowedCommands []string) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Runner{
		client:     cli,
		image:      image,
		local:      sandbox.NewLocalRunner(allowedCommands),
		containers: make(map[string]string),
	}, nil
}

// IsAvailable reports whether the Docker daemon is reachable.
func (r *Runner) IsAvailable(ctx context.Context) bool {
	_, err := r.client.Ping(ctx)
	return err == nil
}

// Close stops every session container and closes the client.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.containers))
	for _, id := range r.containers {
		ids = append(ids, id)
	}
	r.containers = make(map[string]string)
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.client.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
	}
	return r.client.Close()
}

// Run executes the spec. Shell effects run inside the session container;
// filesystem effects are delegated to the local runner over the shared
// bind mount.
func (r *Runner) Run(ctx context.Context, spec sandbox.Spec) (model.ExecutionReport, error) {
	if spec.Kind != sandbox.KindShellExec {
		return r.local.Run(ctx, spec)
	}
	report, err := r.shellExec(ctx, spec)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SandboxRuns.WithLabelValues("docker", outcome).Inc()
	return report, err
}

// ensureContainer creates and starts the session container on first use.
func (r *Runner) ensureContainer(ctx context.Context, workspaceRoot string) (string, error) {
	r.mu.Lock()
	if id, ok := r.containers[workspaceRoot]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	created, err := r.client.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:      r.image,
			Entrypoint: []string{"sleep", "infinity"},
			WorkingDir: containerWorkspace,
			Tty:        false,
		},
		&dockercontainer.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workspaceRoot,
				Target: containerWorkspace,
			}},
			NetworkMode: "none",
			AutoRemove:  true,
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}

	r.mu.Lock()
	r.containers[workspaceRoot] = created.ID
	r.mu.Unlock()
	return created.ID, nil
}

func (r *Runner) shellExec(ctx context.Context, spec sandbox.Spec) (model.ExecutionReport, error) {
	limits := spec.Limits()
	report := model.ExecutionReport{LimitsApplied: limits}

	if len(spec.Argv) == 0 {
		return report, fmt.Errorf("%w: shell.exec requires argv", model.ErrInvalidIntent)
	}

	containerID, err := r.ensureContainer(ctx, spec.WorkspaceRoot)
	if err != nil {
		return report, fmt.Errorf("%w: %v", model.ErrIOFailure, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutMS)*time.Millisecond)
	defer cancel()

	env := make([]string, 0, len(spec.EnvAllow))
	for _, key := range spec.EnvAllow {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}

	workDir := containerWorkspace
	if spec.WorkDir != "" {
		if _, err := workspace.ContainedPath(spec.WorkspaceRoot, spec.WorkDir); err != nil {
			return report, fmt.Errorf("%w: %v", model.ErrSandboxViolation, err)
		}
		workDir = containerWorkspace + "/" + spec.WorkDir
	}

	execResp, err := r.client.ContainerExecCreate(runCtx, containerID, dockercontainer.ExecOptions{
		Cmd:          spec.Argv,
		Env:          env,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return report, fmt.Errorf("%w: exec create: %v", model.ErrIOFailure, err)
	}

	attachResp, err := r.client.ContainerExecAttach(runCtx, execResp.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return report, fmt.Errorf("%w: exec attach: %v", model.ErrIOFailure, err)
	}
	defer attachResp.Close()

	started := time.Now()
	var outBuf, errBuf bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, attachResp.Reader)
	report.DurationMS = time.Since(started).Milliseconds()

	report.Stdout, report.Truncated = truncate(outBuf.Bytes(), limits.MaxOutputBytes)
	var errTrunc bool
	report.Stderr, errTrunc = truncate(errBuf.Bytes(), limits.MaxOutputBytes)
	report.Truncated = report.Truncated || errTrunc

	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return report, fmt.Errorf("%w after %dms", model.ErrTimedOut, limits.TimeoutMS)
		}
		return report, fmt.Errorf("%w: %v", model.ErrCancelled, runCtx.Err())
	}
	if copyErr != nil {
		return report, fmt.Errorf("%w: exec output: %v", model.ErrIOFailure, copyErr)
	}

	inspectResp, err := r.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return report, fmt.Errorf("%w: exec inspect: %v", model.ErrIOFailure, err)
	}
	report.ExitStatus = inspectResp.ExitCode
	return report, nil
}

func truncate(output []byte, max int) ([]byte, bool) {
	if len(output) <= max {
		return output, false
	}
	return output[:max], true
}
