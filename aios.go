// Package aios is the composition root of the agent operating system
// kernel: it wires the journal, policy engine, sandbox, tool dispatcher,
// memory store, and session runtime, and exposes the embedding surface
// hosts consume. Shells (MCP, HTTP) own no kernel state.
package aios

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/broomva/aiOS/internal/config"
	"github.com/broomva/aiOS/internal/journal"
	"github.com/broomva/aiOS/internal/kernel"
	"github.com/broomva/aiOS/internal/memory"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/policy"
	"github.com/broomva/aiOS/internal/sandbox"
	sandboxdocker "github.com/broomva/aiOS/internal/sandbox/docker"
	"github.com/broomva/aiOS/internal/tool"
	"github.com/broomva/aiOS/internal/workspace"
)

// Kernel is the embedding surface.
type Kernel struct {
	cfg     config.Config
	runtime *kernel.Runtime
	janitor *kernel.Janitor
	store   *policy.ApprovalStore
	closers []func(context.Context) error
}

// New builds a kernel rooted at cfg.Home and restores any sessions found
// there.
func New(cfg config.Config) (*Kernel, error) {
	layout := workspace.NewLayout(cfg.Home)
	j := journal.Open(layout)

	store, err := policy.NewApprovalStore(
		filepath.Join(cfg.Home, "data"),
		time.Duration(cfg.ApprovalTTLMins)*time.Minute,
	)
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(store)

	var closers []func(context.Context) error
	var runner sandbox.Runner
	switch cfg.Sandbox.Driver {
	case "", "local":
		runner = sandbox.NewLocalRunner(cfg.Sandbox.AllowedCommands)
	case "docker":
		dockerRunner, err := sandboxdocker.NewRunner(cfg.Sandbox.Image, cfg.Sandbox.AllowedCommands)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		closers = append(closers, dockerRunner.Close)
		runner = dockerRunner
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown sandbox driver %q", cfg.Sandbox.Driver)
	}

	dispatcher := tool.NewDispatcher(tool.NewRegistry(), j, engine, runner, layout, tool.Config{
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		RateBurst:      cfg.Dispatch.RateBurst,
		TimeoutMS:      cfg.Sandbox.TimeoutMS,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	})

	runtime := kernel.NewRuntime(cfg, layout, j, dispatcher, engine, memory.NewStore(layout))
	if _, err := runtime.Restore(); err != nil {
		_ = store.Close()
		return nil, err
	}

	janitor, err := kernel.NewJanitor(runtime, cfg.IdleHeartbeatCron, time.Minute)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	janitor.Start()

	return &Kernel{
		cfg:     cfg,
		runtime: runtime,
		janitor: janitor,
		store:   store,
		closers: closers,
	}, nil
}

// CreateSession creates a session from a manifest and returns its ID.
func (k *Kernel) CreateSession(manifest model.SessionManifest) (model.SessionID, error) {
	return k.runtime.CreateSession(manifest)
}

// EnqueueTool queues a tool request on an explicit branch.
func (k *Kernel) EnqueueTool(session model.SessionID, branch model.BranchID, call model.ToolCall) error {
	return k.runtime.EnqueueTool(session, branch, call)
}

// Tick advances a session by one tick.
func (k *Kernel) Tick(session model.SessionID) (kernel.TickOutcome, error) {
	return k.runtime.Tick(session)
}

// ResolveApproval grants or denies a pending approval ticket.
func (k *Kernel) ResolveApproval(ticketID model.TicketID, granted bool, actor string) error {
	return k.runtime.ResolveApproval(ticketID, granted, actor)
}

// ReadEvents returns a contiguous slice of a branch's journal.
func (k *Kernel) ReadEvents(session model.SessionID, branch model.BranchID, fromSequence uint64, limit int) ([]model.EventRecord, error) {
	return k.runtime.ReadEvents(session, branch, fromSequence, limit)
}

// SubscribeEvents returns a gap-free stream: backfill past the cursor, then
// live tail.
func (k *Kernel) SubscribeEvents(session model.SessionID, branch model.BranchID, fromCursor uint64) (*journal.Subscription, error) {
	return k.runtime.SubscribeEvents(session, branch, fromCursor)
}

// ForkBranch forks a new branch at a parent sequence.
func (k *Kernel) ForkBranch(session model.SessionID, parent model.BranchID, atSequence uint64, newBranch model.BranchID) (model.BranchInfo, error) {
	return k.runtime.ForkBranch(session, parent, atSequence, newBranch)
}

// MergeBranch merges source into target and marks source read-only.
func (k *Kernel) MergeBranch(session model.SessionID, source, target model.BranchID) error {
	return k.runtime.MergeBranch(session, source, target)
}

// AbandonBranch closes a branch without merging it.
func (k *Kernel) AbandonBranch(session model.SessionID, branch model.BranchID) error {
	return k.runtime.AbandonBranch(session, branch)
}

// SuspendSession parks a session; in-flight sandbox work is cancelled.
func (k *Kernel) SuspendSession(session model.SessionID) error {
	return k.runtime.SuspendSession(session, "host requested suspension")
}

// ResumeSession reopens a suspended session.
func (k *Kernel) ResumeSession(session model.SessionID) error {
	return k.runtime.ResumeSession(session)
}

// Observations lists a session's memory records.
func (k *Kernel) Observations(session model.SessionID, limit int) ([]model.Observation, error) {
	return k.runtime.Observations(session, limit)
}

// Sessions lists loaded sessions.
func (k *Kernel) Sessions() []model.SessionID {
	return k.runtime.Sessions()
}

// RegisterTool installs an external tool with its schema.
func (k *Kernel) RegisterTool(def tool.Definition) error {
	return k.runtime.Registry().Register(def)
}

// Close stops maintenance, parks sessions, and releases resources.
func (k *Kernel) Close(ctx context.Context) error {
	k.janitor.Stop()
	k.runtime.Shutdown()
	for _, closer := range k.closers {
		_ = closer(ctx)
	}
	return k.store.Close()
}
