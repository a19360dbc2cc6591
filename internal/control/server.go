// Package control is the thin MCP shell over the kernel's embedding
// surface. It owns no kernel state: every handler delegates to the kernel
// and returns what the journal says.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/broomva/aiOS/internal/kernel"
	"github.com/broomva/aiOS/internal/model"
)

// Kernel is the embedding surface the shell consumes.
type Kernel interface {
	CreateSession(manifest model.SessionManifest) (model.SessionID, error)
	EnqueueTool(session model.SessionID, branch model.BranchID, call model.ToolCall) error
	Tick(session model.SessionID) (kernel.TickOutcome, error)
	ResolveApproval(ticketID model.TicketID, granted bool, actor string) error
	ReadEvents(session model.SessionID, branch model.BranchID, fromSequence uint64, limit int) ([]model.EventRecord, error)
	ForkBranch(session model.SessionID, parent model.BranchID, atSequence uint64, newBranch model.BranchID) (model.BranchInfo, error)
	MergeBranch(session model.SessionID, source, target model.BranchID) error
	SuspendSession(session model.SessionID) error
	ResumeSession(session model.SessionID) error
	Observations(session model.SessionID, limit int) ([]model.Observation, error)
	Sessions() []model.SessionID
}

// Server exposes the kernel over MCP.
type Server struct {
	kernel Kernel
	mcp    *mcp.Server
}

// NewServer builds the MCP server and registers the kernel tools.
func NewServer(k Kernel, version string) *Server {
	s := &Server{
		kernel: k,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "aiosd",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

type sessionCreateInput struct {
	Owner        string   `json:"owner" jsonschema:"owner of the new session"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"capability grants, e.g. fs.read or shell.exec:echo"`
}

type sessionCreateOutput struct {
	SessionID string `json:"session_id"`
}

type sessionTickInput struct {
	SessionID string `json:"session_id" jsonschema:"session to advance by one tick"`
}

type enqueueToolInput struct {
	SessionID string          `json:"session_id" jsonschema:"target session"`
	BranchID  string          `json:"branch_id" jsonschema:"explicit branch for the request"`
	Tool      string          `json:"tool" jsonschema:"tool name, e.g. fs.write"`
	Args      json.RawMessage `json:"args" jsonschema:"tool arguments"`
}

type approvalResolveInput struct {
	TicketID string `json:"ticket_id" jsonschema:"approval ticket to resolve"`
	Granted  bool   `json:"granted" jsonschema:"true to grant, false to deny"`
	Actor    string `json:"actor,omitempty" jsonschema:"who resolved the ticket"`
}

type eventsReadInput struct {
	SessionID    string `json:"session_id"`
	BranchID     string `json:"branch_id"`
	FromSequence uint64 `json:"from_sequence" jsonschema:"first sequence to return"`
	Limit        int    `json:"limit,omitempty" jsonschema:"maximum records to return"`
}

type eventsReadOutput struct {
	Events []model.EventRecord `json:"events"`
}

type branchForkInput struct {
	SessionID  string `json:"session_id"`
	Parent     string `json:"parent" jsonschema:"parent branch"`
	AtSequence uint64 `json:"at_sequence" jsonschema:"fork point in the parent's numbering"`
	NewBranch  string `json:"new_branch" jsonschema:"name of the branch to create"`
}

type branchMergeInput struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
}

type sessionIDInput struct {
	SessionID string `json:"session_id"`
}

type observationsInput struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

type observationsOutput struct {
	Observations []model.Observation `json:"observations"`
}

type emptyOutput struct{}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_create",
		Description: "Create a kernel session with the given owner and capability grants.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input sessionCreateInput) (*mcp.CallToolResult, sessionCreateOutput, error) {
		capabilities := make([]model.Capability, len(input.Capabilities))
		for i, capability := range input.Capabilities {
			capabilities[i] = model.Capability(capability)
		}
		session, err := s.kernel.CreateSession(model.SessionManifest{
			Owner:        input.Owner,
			Capabilities: capabilities,
		})
		if err != nil {
			return nil, sessionCreateOutput{}, err
		}
		return nil, sessionCreateOutput{SessionID: session.String()}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_tick",
		Description: "Advance a session by one tick and return the tick outcome.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input sessionTickInput) (*mcp.CallToolResult, kernel.TickOutcome, error) {
		outcome, err := s.kernel.Tick(model.SessionID(input.SessionID))
		if err != nil {
			return nil, kernel.TickOutcome{}, err
		}
		return nil, outcome, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_enqueue",
		Description: "Queue a tool request for a session's tick loop. Branch is explicit.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input enqueueToolInput) (*mcp.CallToolResult, emptyOutput, error) {
		if input.BranchID == "" {
			return nil, emptyOutput{}, fmt.Errorf("branch_id is required on every request")
		}
		err := s.kernel.EnqueueTool(model.SessionID(input.SessionID), model.BranchID(input.BranchID),
			model.ToolCall{Tool: input.Tool, Args: input.Args})
		return nil, emptyOutput{}, err
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approval_resolve",
		Description: "Grant or deny a pending approval ticket.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input approvalResolveInput) (*mcp.CallToolResult, emptyOutput, error) {
		err := s.kernel.ResolveApproval(model.TicketID(input.TicketID), input.Granted, input.Actor)
		return nil, emptyOutput{}, err
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "events_read",
		Description: "Read a contiguous slice of a branch's event journal.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input eventsReadInput) (*mcp.CallToolResult, eventsReadOutput, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 256
		}
		events, err := s.kernel.ReadEvents(model.SessionID(input.SessionID), model.BranchID(input.BranchID), input.FromSequence, limit)
		if err != nil {
			return nil, eventsReadOutput{}, err
		}
		return nil, eventsReadOutput{Events: events}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "branch_fork",
		Description: "Fork a branch at a parent sequence into a new branch.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input branchForkInput) (*mcp.CallToolResult, model.BranchInfo, error) {
		info, err := s.kernel.ForkBranch(model.SessionID(input.SessionID), model.BranchID(input.Parent), input.AtSequence, model.BranchID(input.NewBranch))
		if err != nil {
			return nil, model.BranchInfo{}, err
		}
		return nil, info, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "branch_merge",
		Description: "Merge a source branch into a target branch; the source becomes read-only.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input branchMergeInput) (*mcp.CallToolResult, emptyOutput, error) {
		err := s.kernel.MergeBranch(model.SessionID(input.SessionID), model.BranchID(input.Source), model.BranchID(input.Target))
		return nil, emptyOutput{}, err
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_suspend",
		Description: "Suspend a session; in-flight sandbox work is cancelled.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input sessionIDInput) (*mcp.CallToolResult, emptyOutput, error) {
		return nil, emptyOutput{}, s.kernel.SuspendSession(model.SessionID(input.SessionID))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_resume",
		Description: "Resume a suspended session.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input sessionIDInput) (*mcp.CallToolResult, emptyOutput, error) {
		return nil, emptyOutput{}, s.kernel.ResumeSession(model.SessionID(input.SessionID))
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_observations",
		Description: "List a session's memory observations with event provenance.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input observationsInput) (*mcp.CallToolResult, observationsOutput, error) {
		observations, err := s.kernel.Observations(model.SessionID(input.SessionID), input.Limit)
		if err != nil {
			return nil, observationsOutput{}, err
		}
		return nil, observationsOutput{Observations: observations}, nil
	})
}
