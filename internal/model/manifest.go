package model

import "time"

// SessionManifest records how a session was created: its requested
// capabilities, policy overrides, and budget ceilings. Stored at
// sessions/<session-id>/manifest.json.
type SessionManifest struct {
	SessionID       SessionID    `json:"session_id"`
	Owner           string       `json:"owner"`
	CreatedAt       time.Time    `json:"created_at"`
	WorkspaceRoot   string       `json:"workspace_root"`
	Capabilities    []Capability `json:"capabilities"`
	PolicyOverrides []PolicyRule `json:"policy_overrides,omitempty"`
	Budget          BudgetState  `json:"budget"`
}

// BranchStatus is the lifecycle state of a branch. Merged branches become
// read-only.
type BranchStatus string

const (
	BranchOpen      BranchStatus = "open"
	BranchMerged    BranchStatus = "merged"
	BranchAbandoned BranchStatus = "abandoned"
)

// BranchInfo describes a branch lineage within a session.
type BranchInfo struct {
	BranchID BranchID     `json:"branch_id"`
	Parent   BranchID     `json:"parent,omitempty"`
	ForkAt   uint64       `json:"fork_at"`
	Status   BranchStatus `json:"status"`
}

// CheckpointManifest is the on-disk companion of a Checkpoint event, stored
// at sessions/<session-id>/checkpoints/<checkpoint-id>/manifest.json.
type CheckpointManifest struct {
	CheckpointID  CheckpointID  `json:"checkpoint_id"`
	SessionID     SessionID     `json:"session_id"`
	BranchID      BranchID      `json:"branch_id"`
	CreatedAt     time.Time     `json:"created_at"`
	EventSequence uint64        `json:"event_sequence"`
	Mode          OperatingMode `json:"mode"`
	StateHash     string        `json:"state_hash"`
	MemoryDigest  string        `json:"memory_digest"`
	Note          string        `json:"note,omitempty"`
}

// Observation is a memory record extracted from an event. Provenance is
// mandatory: SourceEventID cites the event it was extracted from.
type Observation struct {
	ObservationID ObservationID `json:"observation_id"`
	SessionID     SessionID     `json:"session_id"`
	SourceEventID string        `json:"source_event_id"`
	ExtractedAt   time.Time     `json:"extracted_at"`
	Kind          string        `json:"kind"`
	Content       string        `json:"content"`
}

// SoulProfile is the durable per-session identity carried across restarts.
type SoulProfile struct {
	Name      string    `json:"name"`
	Values    []string  `json:"values,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionReport is the sandbox's account of one tool run.
type ExecutionReport struct {
	ExitStatus    int    `json:"exit_status"`
	Stdout        []byte `json:"stdout_bytes,omitempty"`
	Stderr        []byte `json:"stderr_bytes,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Truncated     bool   `json:"truncated"`
	LimitsApplied Limits `json:"limits_applied"`
}

// Limits are the execution bounds the sandbox applied to a run.
type Limits struct {
	TimeoutMS      int64 `json:"timeout_ms"`
	MaxOutputBytes int   `json:"max_output_bytes"`
}
