// Package workspace owns the on-disk layout of the kernel root:
//
//	<root>/sessions/<session-id>/manifest.json
//	<root>/sessions/<session-id>/state/{thread.md, plan.yaml, task_graph.json, heartbeat.json}
//	<root>/sessions/<session-id>/checkpoints/<checkpoint-id>/manifest.json
//	<root>/sessions/<session-id>/tools/runs/<tool-run-id>/report.json
//	<root>/sessions/<session-id>/memory/{soul.json, observations.jsonl}
//	<root>/sessions/<session-id>/artifacts/**
//	<root>/kernel/events/<session-id>/<branch-id>.jsonl
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/broomva/aiOS/internal/model"
)

// Layout resolves kernel paths under a root directory.
type Layout struct {
	Root string
}

// NewLayout returns a layout anchored at root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// SessionsDir is the parent of all session workspaces.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.Root, "sessions")
}

// SessionRoot is the workspace directory owned by one session.
func (l Layout) SessionRoot(id model.SessionID) string {
	return filepath.Join(l.SessionsDir(), id.String())
}

// ManifestPath is the session manifest location.
func (l Layout) ManifestPath(id model.SessionID) string {
	return filepath.Join(l.SessionRoot(id), "manifest.json")
}

// StateDir holds the session's working state files.
func (l Layout) StateDir(id model.SessionID) string {
	return filepath.Join(l.SessionRoot(id), "state")
}

// HeartbeatPath is the heartbeat snapshot file.
func (l Layout) HeartbeatPath(id model.SessionID) string {
	return filepath.Join(l.StateDir(id), "heartbeat.json")
}

// CheckpointDir is the directory of one checkpoint manifest.
func (l Layout) CheckpointDir(id model.SessionID, cp model.CheckpointID) string {
	return filepath.Join(l.SessionRoot(id), "checkpoints", cp.String())
}

// ToolRunDir is the directory of one tool run report.
func (l Layout) ToolRunDir(id model.SessionID, run model.ToolRunID) string {
	return filepath.Join(l.SessionRoot(id), "tools", "runs", run.String())
}

// MemoryDir holds soul.json and observations.jsonl.
func (l Layout) MemoryDir(id model.SessionID) string {
	return filepath.Join(l.SessionRoot(id), "memory")
}

// ArtifactsDir is the session's artifacts directory, created by Initialize.
// Tool file paths resolve against SessionRoot, so a write lands here only
// when its path starts with artifacts/.
func (l Layout) ArtifactsDir(id model.SessionID) string {
	return filepath.Join(l.SessionRoot(id), "artifacts")
}

// EventsDir is the journal directory for one session.
func (l Layout) EventsDir(id model.SessionID) string {
	return filepath.Join(l.Root, "kernel", "events", id.String())
}

// BranchLogPath is the append-only log of one (session, branch).
func (l Layout) BranchLogPath(id model.SessionID, branch model.BranchID) string {
	return filepath.Join(l.EventsDir(id), branch.String()+".jsonl")
}

// BranchesPath is the branch registry file for one session.
func (l Layout) BranchesPath(id model.SessionID) string {
	return filepath.Join(l.EventsDir(id), "branches.json")
}

// seedThread and seedPlan are the initial contents of state/thread.md and
// state/plan.yaml in a new session workspace.
const (
	seedThread = "# Session Thread\n\n- Session created\n"
	seedPlan   = "version: 1\nmode: explore\nsteps:\n  - id: bootstrap\n    status: pending\n"
)

// Initialize creates the session workspace skeleton and seeds the state
// files. Existing files are left untouched.
func (l Layout) Initialize(id model.SessionID) error {
	root := l.SessionRoot(id)
	for _, dir := range []string{
		"state",
		"checkpoints",
		"tools/runs",
		"memory",
		"artifacts",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create workspace directory %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(l.EventsDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	seeds := map[string]string{
		filepath.Join(root, "state", "thread.md"): seedThread,
		filepath.Join(root, "state", "plan.yaml"): seedPlan,
	}
	for path, content := range seeds {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to seed %s: %w", filepath.Base(path), err)
		}
	}

	graphPath := filepath.Join(root, "state", "task_graph.json")
	if _, err := os.Stat(graphPath); os.IsNotExist(err) {
		graph := map[string]any{
			"nodes": []map[string]string{{"id": "bootstrap", "type": "task"}},
			"edges": []any{},
		}
		if err := SaveJSON(graphPath, graph); err != nil {
			return err
		}
	}
	return nil
}

// SaveJSON writes a JSON document atomically (temp file + rename).
func SaveJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadJSON reads a JSON document into dst.
func LoadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
