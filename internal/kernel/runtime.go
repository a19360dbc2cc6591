// Package kernel is the session runtime: lifecycle, the tick state machine,
// homeostasis controllers, checkpoint/heartbeat, and crash recovery. It is
// the only writer of a session's state; everything authoritative flows
// through the journal.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/broomva/aiOS/internal/config"
	"github.com/broomva/aiOS/internal/journal"
	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/memory"
	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/policy"
	"github.com/broomva/aiOS/internal/tool"
	"github.com/broomva/aiOS/internal/workspace"
)

// queuedCall is one enqueued tool request, possibly suspended on approval.
type queuedCall struct {
	branch  model.BranchID
	call    model.ToolCall
	pending *tool.PendingCall
	// granted is set once the pending ticket resolved to granted; the next
	// tick executes the call.
	granted bool
}

// sessionState is the runtime's in-memory view of one session. It is a
// derived cache: the journal remains authoritative.
type sessionState struct {
	manifest    model.SessionManifest
	branch      model.BranchID
	mode        model.OperatingMode
	state       model.AgentStateVector
	tick        uint64
	suspended   bool
	circuitOpen bool
	queue       []*queuedCall
	lastEventAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Runtime drives sessions through ticks. Sessions are referenced by ID
// everywhere; the runtime holds the only map.
type Runtime struct {
	cfg        config.Config
	layout     workspace.Layout
	journal    *journal.Journal
	dispatcher *tool.Dispatcher
	engine     *policy.Engine
	memory     *memory.Store

	locks *sessionLockMap

	mu       sync.Mutex
	sessions map[model.SessionID]*sessionState
}

// NewRuntime wires the kernel runtime from its collaborators.
func NewRuntime(cfg config.Config, layout workspace.Layout, j *journal.Journal, dispatcher *tool.Dispatcher, engine *policy.Engine, mem *memory.Store) *Runtime {
	return &Runtime{
		cfg:        cfg,
		layout:     layout,
		journal:    j,
		dispatcher: dispatcher,
		engine:     engine,
		memory:     mem,
		locks:      newSessionLockMap(),
		sessions:   make(map[model.SessionID]*sessionState),
	}
}

// CreateSession initializes a workspace, persists the manifest, opens the
// journal, and emits SessionCreated.
func (r *Runtime) CreateSession(manifest model.SessionManifest) (model.SessionID, error) {
	if manifest.SessionID == "" {
		manifest.SessionID = model.NewSessionID()
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	if manifest.Budget == (model.BudgetState{}) {
		manifest.Budget = r.cfg.DefaultBudget
	}
	session := manifest.SessionID
	manifest.WorkspaceRoot = r.layout.SessionRoot(session)

	if err := r.layout.Initialize(session); err != nil {
		return "", err
	}
	if err := workspace.SaveJSON(r.layout.ManifestPath(session), manifest); err != nil {
		return "", err
	}
	if err := r.journal.OpenSession(session); err != nil {
		return "", err
	}

	r.engine.SetSessionRules(session, policy.RulesFromManifest(manifest))

	ctx, cancel := context.WithCancel(context.Background())
	state := &sessionState{
		manifest:    manifest,
		branch:      model.MainBranch,
		mode:        model.ModeExplore,
		state:       model.NewStateVector(manifest.Budget),
		lastEventAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	r.mu.Lock()
	r.sessions[session] = state
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	hash, err := manifestHash(manifest)
	if err != nil {
		return "", err
	}
	capabilities := make([]string, len(manifest.Capabilities))
	for i, capability := range manifest.Capabilities {
		capabilities[i] = capability.String()
	}
	if _, err := r.journal.Append(session, model.MainBranch, model.KindSessionCreated, model.SessionCreatedPayload{
		ManifestHash: hash,
		Owner:        manifest.Owner,
		Capabilities: capabilities,
	}, ""); err != nil {
		return "", err
	}

	logger.Slog().Info("session created", "session_id", session, "owner", manifest.Owner)
	return session, nil
}

func manifestHash(manifest model.SessionManifest) (string, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to hash manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Runtime) session(session model.SessionID) (*sessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, session)
	}
	return state, nil
}

// EnqueueTool queues a tool request for the session's tick loop. The branch
// is explicit on every request.
func (r *Runtime) EnqueueTool(session model.SessionID, branch model.BranchID, call model.ToolCall) error {
	state, err := r.session(session)
	if err != nil {
		return err
	}
	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())
	state.queue = append(state.queue, &queuedCall{branch: branch, call: call})
	return nil
}

// ResolveApproval transitions a ticket and journals ApprovalResolved. A
// denial terminates the suspended call immediately; a grant schedules it
// for the next tick.
func (r *Runtime) ResolveApproval(ticketID model.TicketID, granted bool, actor string) error {
	ticket, err := r.engine.Approvals().Resolve(ticketID, granted)
	if err != nil {
		return err
	}
	session := ticket.SessionID

	state, err := r.session(session)
	if err != nil {
		return err
	}

	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	resolved, err := r.journal.Append(session, ticket.BranchID, model.KindApprovalResolved, model.ApprovalResolvedPayload{
		TicketID: ticketID,
		Granted:  granted,
		Actor:    actor,
	}, "")
	if err != nil {
		return err
	}
	state.lastEventAt = time.Now()

	for i, queued := range state.queue {
		if queued.pending == nil || queued.pending.TicketID != ticketID {
			continue
		}
		if granted {
			queued.granted = true
			return nil
		}
		// Denied: terminal failure now, per the approval gate contract.
		if _, err := r.dispatcher.DispatchResolved(state.ctx, session, queued.branch, *queued.pending, false, &state.state.Budget, resolved.Ref().String()); err != nil {
			return err
		}
		state.queue = append(state.queue[:i], state.queue[i+1:]...)
		return nil
	}
	return nil
}

// ReadEvents exposes journal reads on the embedding surface.
func (r *Runtime) ReadEvents(session model.SessionID, branch model.BranchID, fromSequence uint64, limit int) ([]model.EventRecord, error) {
	return r.journal.Read(session, branch, fromSequence, limit)
}

// SubscribeEvents exposes gap-free journal subscriptions.
func (r *Runtime) SubscribeEvents(session model.SessionID, branch model.BranchID, fromCursor uint64) (*journal.Subscription, error) {
	return r.journal.Subscribe(session, branch, fromCursor)
}

// ForkBranch forks a branch at a parent sequence, carrying the session's
// current state in the fork checkpoint.
func (r *Runtime) ForkBranch(session model.SessionID, parent model.BranchID, atSequence uint64, newBranch model.BranchID) (model.BranchInfo, error) {
	state, err := r.session(session)
	if err != nil {
		return model.BranchInfo{}, err
	}
	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	digest, err := r.memory.Digest(session)
	if err != nil {
		return model.BranchInfo{}, err
	}
	return r.journal.Fork(session, parent, atSequence, newBranch, model.CheckpointPayload{
		CheckpointID: model.NewCheckpointID(),
		State:        state.state,
		Mode:         state.mode,
		BranchHead:   atSequence,
		MemoryDigest: digest,
	})
}

// MergeBranch merges source into target.
func (r *Runtime) MergeBranch(session model.SessionID, source, target model.BranchID) error {
	state, err := r.session(session)
	if err != nil {
		return err
	}
	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	digest, err := r.memory.Digest(session)
	if err != nil {
		return err
	}
	head, err := r.journal.Head(session, target)
	if err != nil {
		return err
	}
	return r.journal.Merge(session, source, target, model.CheckpointPayload{
		CheckpointID: model.NewCheckpointID(),
		State:        state.state,
		Mode:         state.mode,
		BranchHead:   head,
		MemoryDigest: digest,
	})
}

// AbandonBranch closes a branch without merging it.
func (r *Runtime) AbandonBranch(session model.SessionID, branch model.BranchID) error {
	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())
	return r.journal.Abandon(session, branch)
}

// SuspendSession journals SessionSuspended, cancels in-flight sandbox work,
// and parks the session in Sleep.
func (r *Runtime) SuspendSession(session model.SessionID, reason string) error {
	state, err := r.session(session)
	if err != nil {
		return err
	}

	// Cancel before taking the tick lock so a tick blocked in the sandbox
	// unwinds instead of deadlocking the suspend.
	state.cancel()

	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	if state.suspended {
		return nil
	}
	if _, err := r.journal.Append(session, state.branch, model.KindSessionSuspended,
		model.SessionSuspendedPayload{Reason: reason}, ""); err != nil {
		return err
	}
	state.suspended = true
	state.mode = model.ModeSleep
	state.lastEventAt = time.Now()
	return nil
}

// ResumeSession reopens a suspended session.
func (r *Runtime) ResumeSession(session model.SessionID) error {
	state, err := r.session(session)
	if err != nil {
		return err
	}
	r.locks.Lock(session.String())
	defer r.locks.Unlock(session.String())

	if !state.suspended {
		return nil
	}
	if _, err := r.journal.Append(session, state.branch, model.KindSessionResumed,
		model.SessionResumedPayload{AbortedTick: false}, ""); err != nil {
		return err
	}
	state.suspended = false
	state.ctx, state.cancel = context.WithCancel(context.Background())
	state.lastEventAt = time.Now()
	return nil
}

// Observations lists the session's memory records.
func (r *Runtime) Observations(session model.SessionID, limit int) ([]model.Observation, error) {
	return r.memory.List(session, limit)
}

// Registry exposes the dispatcher-owned tool registry so hosts can install
// external tools.
func (r *Runtime) Registry() *tool.Registry {
	return r.dispatcher.Registry()
}

// Sessions lists loaded session IDs.
func (r *Runtime) Sessions() []model.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Shutdown durably parks every session: state is already on disk through
// the journal and heartbeat files, so this only stops in-flight work.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, state := range r.sessions {
		state.cancel()
		logger.Slog().Info("session parked for shutdown", "session_id", id)
	}
}

// sessionDirs lists workspace directories that look like sessions.
func (r *Runtime) sessionDirs() ([]model.SessionID, error) {
	entries, err := os.ReadDir(r.layout.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read sessions dir: %v", model.ErrIOFailure, err)
	}
	var out []model.SessionID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := workspace.ValidateSessionID(entry.Name()); err != nil {
			continue
		}
		out = append(out, model.SessionID(entry.Name()))
	}
	return out, nil
}
