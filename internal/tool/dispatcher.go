package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"

	"github.com/broomva/aiOS/internal/journal"
	"github.com/broomva/aiOS/internal/logger"
	"github.com/broomva/aiOS/internal/metrics"
	"github.com/broomva/aiOS/internal/model"
	"github.com/broomva/aiOS/internal/policy"
	"github.com/broomva/aiOS/internal/sandbox"
	"github.com/broomva/aiOS/internal/workspace"
)

// Status is the dispatch outcome class.
type Status string

const (
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Outcome is the dispatcher's account of one request.
type Outcome struct {
	Status Status
	RunID  model.ToolRunID
	Ticket *model.ApprovalTicket
	Report *model.ExecutionReport
	Reason model.FailureReason
	// TerminalEvent is the ToolCompleted or ToolFailed record, when one was
	// appended; the reflect phase extracts observations from it.
	TerminalEvent *model.EventRecord
}

// PendingCall is a request suspended on an approval ticket. The kernel keeps
// it queued until the ticket resolves.
type PendingCall struct {
	RunID    model.ToolRunID
	Call     model.ToolCall
	TicketID model.TicketID
	Intent   model.Intent
}

// Dispatcher routes every tool request through lookup, policy, budget, and
// the sandbox, journaling each step. Side-effect events always precede the
// terminal ToolCompleted, so replay observers never see a completion
// without its effects.
type Dispatcher struct {
	registry *Registry
	journal  *journal.Journal
	engine   *policy.Engine
	runner   sandbox.Runner
	layout   workspace.Layout

	// Per-session pacing of tool executions.
	ratePerSecond float64
	rateBurst     int
	mu            sync.Mutex
	limiters      map[model.SessionID]*rate.Limiter

	timeoutMS      int64
	maxOutputBytes int
}

// Config carries dispatcher tuning.
type Config struct {
	RatePerSecond  float64
	RateBurst      int
	TimeoutMS      int64
	MaxOutputBytes int
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(registry *Registry, j *journal.Journal, engine *policy.Engine, runner sandbox.Runner, layout workspace.Layout, cfg Config) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = sandbox.DefaultTimeoutMS
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = sandbox.DefaultMaxOutputBytes
	}
	return &Dispatcher{
		registry:       registry,
		journal:        j,
		engine:         engine,
		runner:         runner,
		layout:         layout,
		ratePerSecond:  cfg.RatePerSecond,
		rateBurst:      cfg.RateBurst,
		limiters:       make(map[model.SessionID]*rate.Limiter),
		timeoutMS:      cfg.TimeoutMS,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Registry returns the dispatcher-owned registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) limiter(session model.SessionID) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[session]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.ratePerSecond), d.rateBurst)
		d.limiters[session] = limiter
	}
	return limiter
}

// buildIntent derives the policy intent and sandbox spec from a call.
func (d *Dispatcher) buildIntent(session model.SessionID, def *Definition, call model.ToolCall) (model.Intent, sandbox.Spec, error) {
	intent := model.Intent{Capability: def.Capability, Call: call}
	spec := sandbox.Spec{
		Kind:           def.SandboxKind,
		WorkspaceRoot:  d.layout.SessionRoot(session),
		TimeoutMS:      d.timeoutMS,
		MaxOutputBytes: d.maxOutputBytes,
	}

	switch def.SandboxKind {
	case sandbox.KindFSRead:
		var args FSReadArgs
		if err := json.Unmarshal(call.Args, &args); err != nil || args.Path == "" {
			return intent, spec, fmt.Errorf("%w: fs.read requires path", model.ErrInvalidIntent)
		}
		intent.Path = args.Path
		spec.Path = args.Path
	case sandbox.KindFSWrite:
		var args FSWriteArgs
		if err := json.Unmarshal(call.Args, &args); err != nil || args.Path == "" {
			return intent, spec, fmt.Errorf("%w: fs.write requires path", model.ErrInvalidIntent)
		}
		intent.Path = args.Path
		spec.Path = args.Path
		spec.Content = args.Bytes
	case sandbox.KindFSDelete:
		var args FSDeleteArgs
		if err := json.Unmarshal(call.Args, &args); err != nil || args.Path == "" {
			return intent, spec, fmt.Errorf("%w: fs.delete requires path", model.ErrInvalidIntent)
		}
		intent.Path = args.Path
		spec.Path = args.Path
	case sandbox.KindFSRename:
		var args FSRenameArgs
		if err := json.Unmarshal(call.Args, &args); err != nil || args.From == "" || args.To == "" {
			return intent, spec, fmt.Errorf("%w: fs.rename requires from and to", model.ErrInvalidIntent)
		}
		intent.Path = args.From
		spec.Path = args.From
		spec.ToPath = args.To
	case sandbox.KindShellExec:
		var args ShellExecArgs
		if err := json.Unmarshal(call.Args, &args); err != nil || len(args.Argv) == 0 {
			return intent, spec, fmt.Errorf("%w: shell.exec requires argv", model.ErrInvalidIntent)
		}
		intent.Argv = args.Argv
		spec.Argv = args.Argv
		spec.EnvAllow = args.EnvKeys
	default:
		// External tool: validate against its registered schema.
		if err := def.ValidateArgs(call.Args); err != nil {
			return intent, spec, err
		}
	}
	return intent, spec, nil
}

// Dispatch routes a fresh request: journal the request, resolve the tool,
// gate it through policy and budget, execute, and journal the terminal
// event. A journal append failure, or a policy engine failure other than an
// invalid intent (such as an approval store error), is returned as an error
// and aborts the tick; everything else lands in the journal as a terminal
// event.
func (d *Dispatcher) Dispatch(ctx context.Context, session model.SessionID, branch model.BranchID, call model.ToolCall, budget *model.BudgetState) (Outcome, error) {
	runID := model.NewToolRunID()

	requested, err := d.journal.Append(session, branch, model.KindToolRequested,
		model.ToolRequestedPayload{RunID: runID, Call: call}, "")
	if err != nil {
		return Outcome{}, err
	}
	causation := requested.Ref().String()

	def, ok := d.registry.Lookup(call.Tool)
	if !ok {
		return d.fail(session, branch, runID, call.Tool, model.ReasonUnknownTool,
			fmt.Sprintf("no tool named %q", call.Tool), nil, causation)
	}

	intent, spec, err := d.buildIntent(session, def, call)
	if err != nil {
		return d.fail(session, branch, runID, call.Tool, model.ReasonInvalidIntent, err.Error(), nil, causation)
	}

	decision, err := d.engine.Evaluate(session, branch, requested.Sequence, spec.WorkspaceRoot, intent)
	if err != nil {
		if errors.Is(err, model.ErrInvalidIntent) {
			return d.fail(session, branch, runID, call.Tool, model.ReasonInvalidIntent, err.Error(), nil, causation)
		}
		return Outcome{}, err
	}

	switch decision.Kind {
	case policy.DecisionDeny:
		return d.fail(session, branch, runID, call.Tool, model.ReasonPolicyDenied, decision.Reason, nil, causation)
	case policy.DecisionRequireApproval:
		ticket := decision.Ticket
		if _, err := d.journal.Append(session, branch, model.KindApprovalRequired, model.ApprovalRequiredPayload{
			TicketID:   ticket.TicketID,
			RunID:      runID,
			Capability: intent.Capability,
			Reason:     fmt.Sprintf("approval required for tool %s", call.Tool),
		}, causation); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: StatusAwaitingApproval, RunID: runID, Ticket: ticket}, nil
	}

	return d.execute(ctx, session, branch, def, runID, call, intent, spec, budget, causation)
}

// DispatchResolved finishes a call that was suspended on an approval
// ticket: granted proceeds to execution, denied fails with PolicyDenied.
func (d *Dispatcher) DispatchResolved(ctx context.Context, session model.SessionID, branch model.BranchID, pending PendingCall, granted bool, budget *model.BudgetState, causation string) (Outcome, error) {
	if !granted {
		return d.fail(session, branch, pending.RunID, pending.Call.Tool, model.ReasonPolicyDenied,
			"approval denied", nil, causation)
	}
	def, ok := d.registry.Lookup(pending.Call.Tool)
	if !ok {
		return d.fail(session, branch, pending.RunID, pending.Call.Tool, model.ReasonUnknownTool,
			"tool vanished while awaiting approval", nil, causation)
	}
	_, spec, err := d.buildIntent(session, def, pending.Call)
	if err != nil {
		return d.fail(session, branch, pending.RunID, pending.Call.Tool, model.ReasonInvalidIntent, err.Error(), nil, causation)
	}
	return d.execute(ctx, session, branch, def, pending.RunID, pending.Call, pending.Intent, spec, budget, causation)
}

// FailPending journals a terminal failure for a suspended call that can no
// longer run, e.g. because its approval ticket expired.
func (d *Dispatcher) FailPending(session model.SessionID, branch model.BranchID, pending PendingCall, reason model.FailureReason, detail string) (Outcome, error) {
	return d.fail(session, branch, pending.RunID, pending.Call.Tool, reason, detail, nil, "")
}

func (d *Dispatcher) execute(ctx context.Context, session model.SessionID, branch model.BranchID, def *Definition, runID model.ToolRunID, call model.ToolCall, intent model.Intent, spec sandbox.Spec, budget *model.BudgetState, causation string) (Outcome, error) {
	if budget.Exhausted() {
		return d.fail(session, branch, runID, call.Tool, model.ReasonBudgetExhausted,
			"a budget dimension is exhausted", nil, causation)
	}
	budget.ToolCalls--

	if err := d.limiter(session).Wait(ctx); err != nil {
		return d.fail(session, branch, runID, call.Tool, model.ReasonCancelled, err.Error(), nil, causation)
	}

	if _, err := d.journal.Append(session, branch, model.KindToolDispatched,
		model.ToolDispatchedPayload{RunID: runID, Tool: call.Tool}, causation); err != nil {
		return Outcome{}, err
	}

	var report model.ExecutionReport
	var runErr error
	if def.Builtin() {
		report, runErr = d.runner.Run(ctx, spec)
	} else {
		report, runErr = def.Handler(ctx, session, call.Args)
	}

	if runErr != nil {
		logger.Slog().Warn("tool run failed",
			"session_id", session, "tool", call.Tool, "error", runErr)
		return d.fail(session, branch, runID, call.Tool, model.ReasonForError(runErr), runErr.Error(), &report, causation)
	}

	if err := d.appendSideEffects(session, branch, runID, def.SandboxKind, spec, causation); err != nil {
		return Outcome{}, err
	}

	terminal, err := d.journal.Append(session, branch, model.KindToolCompleted,
		model.ToolCompletedPayload{RunID: runID, Tool: call.Tool, Report: report}, causation)
	if err != nil {
		return Outcome{}, err
	}

	if err := d.writeRunReport(session, runID, report); err != nil {
		logger.Slog().Warn("failed to persist tool run report", "session_id", session, "error", err)
	}

	metrics.ToolCalls.WithLabelValues(call.Tool, "completed").Inc()
	return Outcome{
		Status:        StatusCompleted,
		RunID:         runID,
		Report:        &report,
		TerminalEvent: &terminal,
	}, nil
}

// appendSideEffects journals the canonical file mutation events before the
// terminal completion for the same run.
func (d *Dispatcher) appendSideEffects(session model.SessionID, branch model.BranchID, runID model.ToolRunID, kind sandbox.Kind, spec sandbox.Spec, causation string) error {
	switch kind {
	case sandbox.KindFSWrite:
		sum := sha256.Sum256(spec.Content)
		_, err := d.journal.Append(session, branch, model.KindFileWrite, model.FileWritePayload{
			RunID:   runID,
			Path:    spec.Path,
			Bytes:   len(spec.Content),
			SHA256:  hex.EncodeToString(sum[:]),
			Content: spec.Content,
		}, causation)
		return err
	case sandbox.KindFSDelete:
		_, err := d.journal.Append(session, branch, model.KindFileDelete, model.FileDeletePayload{
			RunID: runID,
			Path:  spec.Path,
		}, causation)
		return err
	case sandbox.KindFSRename:
		_, err := d.journal.Append(session, branch, model.KindFileRename, model.FileRenamePayload{
			RunID: runID,
			From:  spec.Path,
			To:    spec.ToPath,
		}, causation)
		return err
	}
	return nil
}

func (d *Dispatcher) fail(session model.SessionID, branch model.BranchID, runID model.ToolRunID, tool string, reason model.FailureReason, detail string, report *model.ExecutionReport, causation string) (Outcome, error) {
	terminal, err := d.journal.Append(session, branch, model.KindToolFailed, model.ToolFailedPayload{
		RunID:  runID,
		Tool:   tool,
		Reason: reason,
		Detail: detail,
		Report: report,
	}, causation)
	if err != nil {
		return Outcome{}, err
	}
	metrics.ToolCalls.WithLabelValues(tool, "failed").Inc()
	return Outcome{
		Status:        StatusFailed,
		RunID:         runID,
		Reason:        reason,
		Report:        report,
		TerminalEvent: &terminal,
	}, nil
}

func (d *Dispatcher) writeRunReport(session model.SessionID, runID model.ToolRunID, report model.ExecutionReport) error {
	dir := d.layout.ToolRunDir(session, runID)
	return workspace.SaveJSON(filepath.Join(dir, "report.json"), report)
}
