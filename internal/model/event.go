package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of journal event kinds.
type EventKind string

const (
	KindSessionCreated      EventKind = "SessionCreated"
	KindTickStarted         EventKind = "TickStarted"
	KindModeChanged         EventKind = "ModeChanged"
	KindStateEstimated      EventKind = "StateEstimated"
	KindToolRequested       EventKind = "ToolRequested"
	KindApprovalRequired    EventKind = "ApprovalRequired"
	KindApprovalResolved    EventKind = "ApprovalResolved"
	KindToolDispatched      EventKind = "ToolDispatched"
	KindFileWrite           EventKind = "FileWrite"
	KindFileDelete          EventKind = "FileDelete"
	KindFileRename          EventKind = "FileRename"
	KindToolCompleted       EventKind = "ToolCompleted"
	KindToolFailed          EventKind = "ToolFailed"
	KindObservationRecorded EventKind = "ObservationRecorded"
	KindCheckpoint          EventKind = "Checkpoint"
	KindHeartbeat           EventKind = "Heartbeat"
	KindCircuitTripped      EventKind = "CircuitTripped"
	KindSessionSuspended    EventKind = "SessionSuspended"
	KindSessionResumed      EventKind = "SessionResumed"
)

// knownKinds guards the journal against writing kinds outside the closed set.
var knownKinds = map[EventKind]struct{}{
	KindSessionCreated: {}, KindTickStarted: {}, KindModeChanged: {},
	KindStateEstimated: {}, KindToolRequested: {}, KindApprovalRequired: {},
	KindApprovalResolved: {}, KindToolDispatched: {}, KindFileWrite: {},
	KindFileDelete: {}, KindFileRename: {}, KindToolCompleted: {},
	KindToolFailed: {}, KindObservationRecorded: {}, KindCheckpoint: {},
	KindHeartbeat: {}, KindCircuitTripped: {}, KindSessionSuspended: {},
	KindSessionResumed: {},
}

// Valid reports whether the kind belongs to the closed event kind set.
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// EventRecord is the atomic unit of the journal. Sequence is assigned by the
// journal, never by the caller, and is strictly increasing per
// (session, branch) starting at 1.
type EventRecord struct {
	SessionID   SessionID       `json:"session_id"`
	BranchID    BranchID        `json:"branch_id"`
	Sequence    uint64          `json:"sequence"`
	TSWall      time.Time       `json:"ts_wall"`
	TSMono      int64           `json:"ts_mono"`
	Kind        EventKind       `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CausationID string          `json:"causation_id,omitempty"`
}

// Ref returns the event's reference within its session.
func (e EventRecord) Ref() EventRef {
	return EventRef{Branch: e.BranchID, Sequence: e.Sequence}
}

// DecodePayload unmarshals the payload into dst.
func (e EventRecord) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Ref())
	}
	return json.Unmarshal(e.Payload, dst)
}

// MarshalPayload encodes a payload struct for inclusion in an EventRecord.
func MarshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return raw, nil
}

// Event payloads. One struct per kind; the journal stores them as the
// EventRecord payload and readers decode by kind.

type SessionCreatedPayload struct {
	ManifestHash string   `json:"manifest_hash"`
	Owner        string   `json:"owner"`
	Capabilities []string `json:"capabilities"`
}

type TickStartedPayload struct {
	Tick      uint64 `json:"tick"`
	Objective string `json:"objective,omitempty"`
}

type ModeChangedPayload struct {
	From OperatingMode `json:"from"`
	To   OperatingMode `json:"to"`
}

type StateEstimatedPayload struct {
	State AgentStateVector `json:"state"`
	Mode  OperatingMode    `json:"mode"`
}

type ToolRequestedPayload struct {
	RunID ToolRunID `json:"tool_run_id"`
	Call  ToolCall  `json:"call"`
}

type ApprovalRequiredPayload struct {
	TicketID   TicketID   `json:"ticket_id"`
	RunID      ToolRunID  `json:"tool_run_id"`
	Capability Capability `json:"capability"`
	Reason     string     `json:"reason,omitempty"`
}

type ApprovalResolvedPayload struct {
	TicketID TicketID `json:"ticket_id"`
	Granted  bool     `json:"granted"`
	Actor    string   `json:"actor,omitempty"`
}

type ToolDispatchedPayload struct {
	RunID ToolRunID `json:"tool_run_id"`
	Tool  string    `json:"tool"`
}

type FileWritePayload struct {
	RunID   ToolRunID `json:"tool_run_id"`
	Path    string    `json:"path"`
	Bytes   int       `json:"bytes"`
	SHA256  string    `json:"sha256"`
	Content []byte    `json:"content,omitempty"`
}

type FileDeletePayload struct {
	RunID ToolRunID `json:"tool_run_id"`
	Path  string    `json:"path"`
}

type FileRenamePayload struct {
	RunID ToolRunID `json:"tool_run_id"`
	From  string    `json:"from"`
	To    string    `json:"to"`
}

type ToolCompletedPayload struct {
	RunID  ToolRunID       `json:"tool_run_id"`
	Tool   string          `json:"tool"`
	Report ExecutionReport `json:"report"`
}

type ToolFailedPayload struct {
	RunID  ToolRunID        `json:"tool_run_id"`
	Tool   string           `json:"tool"`
	Reason FailureReason    `json:"reason"`
	Detail string           `json:"detail,omitempty"`
	Report *ExecutionReport `json:"report,omitempty"`
}

type ObservationRecordedPayload struct {
	ObservationID ObservationID `json:"observation_id"`
	SourceEventID string        `json:"source_event_id"`
	Kind          string        `json:"kind"`
}

type CheckpointPayload struct {
	CheckpointID CheckpointID     `json:"checkpoint_id"`
	State        AgentStateVector `json:"state"`
	Mode         OperatingMode    `json:"mode"`
	BranchHead   uint64           `json:"branch_head"`
	MemoryDigest string           `json:"memory_digest"`
	// MergedFrom references the source branch head when the checkpoint marks
	// a merge, and ForkOf the parent when it marks a fork.
	MergedFrom *EventRef `json:"merged_from,omitempty"`
	ForkOf     *EventRef `json:"fork_of,omitempty"`
}

type HeartbeatPayload struct {
	Tick         uint64        `json:"tick"`
	Mode         OperatingMode `json:"mode"`
	CheckpointID CheckpointID  `json:"checkpoint_id,omitempty"`
	Idle         bool          `json:"idle,omitempty"`
}

type CircuitTrippedPayload struct {
	ErrorStreak int    `json:"error_streak"`
	Reason      string `json:"reason"`
}

type SessionSuspendedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type SessionResumedPayload struct {
	AbortedTick bool `json:"aborted_tick"`
}
