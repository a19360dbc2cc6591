package model

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID is the 128-bit opaque identifier of a session.
type SessionID string

// NewSessionID generates a fresh session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func (id SessionID) String() string { return string(id) }

// BranchID names an event lineage within a session.
type BranchID string

// MainBranch is the initial branch every session starts with.
const MainBranch BranchID = "main"

func (id BranchID) String() string { return string(id) }

// TicketID identifies an approval ticket.
type TicketID string

// NewTicketID generates a fresh ticket identifier.
func NewTicketID() TicketID {
	return TicketID(uuid.NewString())
}

func (id TicketID) String() string { return string(id) }

// ToolRunID identifies a single tool execution.
type ToolRunID string

// NewToolRunID generates a fresh tool run identifier.
func NewToolRunID() ToolRunID {
	return ToolRunID(uuid.NewString())
}

func (id ToolRunID) String() string { return string(id) }

// CheckpointID identifies a durable checkpoint.
type CheckpointID string

// NewCheckpointID generates a fresh checkpoint identifier.
func NewCheckpointID() CheckpointID {
	return CheckpointID(uuid.NewString())
}

func (id CheckpointID) String() string { return string(id) }

// ObservationID identifies a memory observation.
type ObservationID string

// NewObservationID generates a fresh observation identifier.
func NewObservationID() ObservationID {
	return ObservationID(uuid.NewString())
}

func (id ObservationID) String() string { return string(id) }

// EventRef points at an event by branch and sequence within a session.
// Serialized as "<branch>#<sequence>" and used for causation links and
// observation provenance.
type EventRef struct {
	Branch   BranchID `json:"branch"`
	Sequence uint64   `json:"sequence"`
}

func (r EventRef) String() string {
	return fmt.Sprintf("%s#%d", r.Branch, r.Sequence)
}

// IsZero reports whether the reference is unset.
func (r EventRef) IsZero() bool {
	return r.Branch == "" && r.Sequence == 0
}
